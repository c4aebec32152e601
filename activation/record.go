// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package activation

import (
	"maps"
	"slices"
)

// record tracks one dependency and the factories waiting on it.
type record struct {
	dep            Dependency
	maxConcurrency int
	handle         any
	factories      map[string]struct{}
}

func newRecord(dep Dependency) *record {
	return &record{
		dep:       dep,
		factories: make(map[string]struct{}),
	}
}

func (r *record) resolved() bool {
	return r.handle != nil
}

func (r *record) empty() bool {
	return r.handle == nil && len(r.factories) == 0
}

func (r *record) names() []string {
	return slices.Sorted(maps.Keys(r.factories))
}

// Record is a snapshot of one dependency record.
type Record struct {
	Dependency     Dependency
	MaxConcurrency int
	Resolved       bool
	// DestinationIDs lists the destinations referenced through an activation
	// service by its factories.
	DestinationIDs []string
	Factories      []string
}
