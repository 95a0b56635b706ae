package main

import (
	"reflect"
	"testing"
)

func TestMatchesApp(t *testing.T) {
	tests := []struct {
		app     string
		members []string
		want    bool
	}{
		{"Spotify", []string{"Spotify"}, true},
		{"spotify", []string{"Spotify"}, false},
		{"Spotify ", []string{"Spotify"}, false},
		{"Firefox", []string{"Chrome", "Firefox"}, true},
		{"Firefox", nil, false},
		{"", []string{"Spotify"}, false},
	}
	for _, tt := range tests {
		if got := matchesApp(tt.app, tt.members); got != tt.want {
			t.Errorf("matchesApp(%q, %v)=%v, want %v", tt.app, tt.members, got, tt.want)
		}
	}
}

func TestPartitionByCategory(t *testing.T) {
	categories := []string{"Browser", "Voice", "Music"}
	members := map[string][]string{
		"Browser": {"Chrome"},
		"Voice":   {"Chrome", "Discord"},
		"Music":   {"Spotify"},
	}
	streams := []LiveStream{
		{Handle: 1, AppName: "Chrome"},
		{Handle: 2, AppName: "Discord"},
		{Handle: 3, AppName: "mpv"},
		{Handle: 4, AppName: "Chrome"},
	}

	got := partitionByCategory(streams, categories, members)

	want := map[string][]LiveStream{
		"Browser": {{Handle: 1, AppName: "Chrome"}, {Handle: 4, AppName: "Chrome"}},
		"Voice":   {{Handle: 2, AppName: "Discord"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("partition=%+v, want %+v", got, want)
	}
	if got["Music"] != nil {
		t.Fatalf("Music should have no streams")
	}
}

func TestDuplicateMembers(t *testing.T) {
	categories := []string{"A", "B", "C"}
	members := map[string][]string{
		"A": {"x", "y", "x"},
		"B": {"y", "z"},
		"C": {"x", "y", "z"},
	}

	got := duplicateMembers(categories, members)
	want := []duplicateMember{
		{AppName: "y", Owner: "A", Shadowed: []string{"B", "C"}},
		{AppName: "x", Owner: "A", Shadowed: []string{"C"}},
		{AppName: "z", Owner: "B", Shadowed: []string{"C"}},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("duplicates=%+v, want %+v", got, want)
	}

	if d := duplicateMembers(categories, map[string][]string{"A": {"x"}, "B": {"y"}}); len(d) != 0 {
		t.Fatalf("expected no duplicates, got %+v", d)
	}
}
