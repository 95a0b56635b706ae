package main

import (
	"errors"
	"fmt"
)

// ErrInvalidDial is returned when a dial index or name does not exist.
var ErrInvalidDial = errors.New("invalid dial")

// Registry is the ordered, fixed-size set of dials.
// Like Dial, it must only be used from the worker goroutine once the coordinator runs.
type Registry struct {
	dials   []*Dial
	names   []string
	members map[string][]string
}

// NewRegistry builds a registry over dials in the given order.
func NewRegistry(dials []*Dial) (*Registry, error) {
	if len(dials) == 0 {
		return nil, errors.New("registry needs at least one dial")
	}

	r := &Registry{
		dials:   dials,
		names:   make([]string, 0, len(dials)),
		members: make(map[string][]string, len(dials)),
	}
	for i, d := range dials {
		if d.Index() != i {
			return nil, fmt.Errorf("dial %q has index %d, expected %d", d.Name(), d.Index(), i)
		}
		if _, dup := r.members[d.Name()]; dup {
			return nil, fmt.Errorf("duplicate dial name %q", d.Name())
		}
		r.names = append(r.names, d.Name())
		r.members[d.Name()] = d.Config().Apps
	}
	return r, nil
}

// Len returns the number of dials.
func (r *Registry) Len() int { return len(r.dials) }

// Get returns the dial at index.
func (r *Registry) Get(index int) (*Dial, error) {
	if index < 0 || index >= len(r.dials) {
		return nil, fmt.Errorf("%w: index %d out of range [0,%d)", ErrInvalidDial, index, len(r.dials))
	}
	return r.dials[index], nil
}

// ByName returns the dial for a category name.
func (r *Registry) ByName(name string) (*Dial, error) {
	idx, err := r.IndexOf(name)
	if err != nil {
		return nil, err
	}
	return r.dials[idx], nil
}

// IndexOf returns the index of the named category. Names and order are fixed
// at construction, so IndexOf and Len are safe from any goroutine.
func (r *Registry) IndexOf(name string) (int, error) {
	for i, n := range r.names {
		if n == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: no category %q", ErrInvalidDial, name)
}

// Duplicates lists applications claimed by more than one category.
func (r *Registry) Duplicates() []duplicateMember {
	return duplicateMembers(r.names, r.members)
}

// ReconcileAll partitions one live-stream snapshot across all dials and
// reconciles each with its share. It returns how many dials changed.
func (r *Registry) ReconcileAll(live []LiveStream) int {
	parts := partitionByCategory(live, r.names, r.members)
	changed := 0
	for _, d := range r.dials {
		if d.Reconcile(parts[d.Name()]) {
			changed++
		}
	}
	return changed
}

// Prime binds the initial live-stream snapshot at startup, applying every
// dial's stored volume and mute to its streams without emitting status.
func (r *Registry) Prime(live []LiveStream) {
	parts := partitionByCategory(live, r.names, r.members)
	for _, d := range r.dials {
		d.reconcile(parts[d.Name()], true)
	}
}

// Snapshot returns the status of every dial in registry order.
func (r *Registry) Snapshot() []DialStatus {
	out := make([]DialStatus, 0, len(r.dials))
	for _, d := range r.dials {
		out = append(out, d.Status())
	}
	return out
}

// Publish emits the current status of every dial.
func (r *Registry) Publish() {
	for _, d := range r.dials {
		d.publish()
	}
}
