package main

import "slices"

// matchesApp reports whether appName is one of members.
// Matching is exact and case-sensitive.
func matchesApp(appName string, members []string) bool {
	return slices.Contains(members, appName)
}

// partitionByCategory assigns every stream to at most one category.
//
// categories is the registry order; when two categories list the same
// application the first one claims the stream. Categories without streams map
// to an empty (nil) slice.
func partitionByCategory(streams []LiveStream, categories []string, members map[string][]string) map[string][]LiveStream {
	out := make(map[string][]LiveStream, len(categories))
	for _, s := range streams {
		for _, name := range categories {
			if matchesApp(s.AppName, members[name]) {
				out[name] = append(out[name], s)
				break
			}
		}
	}
	return out
}

// duplicateMember is an application listed by more than one category.
type duplicateMember struct {
	AppName  string
	Owner    string   // first category in registry order; it gets the streams
	Shadowed []string // later categories that never see the app
}

// duplicateMembers lists applications claimed by more than one category, in
// registry order of first appearance.
func duplicateMembers(categories []string, members map[string][]string) []duplicateMember {
	owner := make(map[string]string)
	var order []string
	shadowed := make(map[string][]string)

	for _, name := range categories {
		seen := make(map[string]bool)
		for _, app := range members[name] {
			if seen[app] {
				continue
			}
			seen[app] = true

			first, ok := owner[app]
			if !ok {
				owner[app] = name
				continue
			}
			if first == name {
				continue
			}
			if len(shadowed[app]) == 0 {
				order = append(order, app)
			}
			shadowed[app] = append(shadowed[app], name)
		}
	}

	dups := make([]duplicateMember, 0, len(order))
	for _, app := range order {
		dups = append(dups, duplicateMember{
			AppName:  app,
			Owner:    owner[app],
			Shadowed: shadowed[app],
		})
	}
	return dups
}
