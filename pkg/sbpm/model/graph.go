// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import "sort"

// SubjectStateGraph is a read-only adjacency view over the states of one
// subject definition, computed once from the heads of every state.
// Cycles are legal; roots and leafs are derived purely from edge counts,
// so a fully cyclic subject has no roots and no leafs.
type SubjectStateGraph struct {
	subject  *SubjectDefinition
	heads    map[string][]string
	incoming map[string]int
}

// NewSubjectStateGraph builds the graph view for the given subject.
func NewSubjectStateGraph(subject *SubjectDefinition) *SubjectStateGraph {
	g := &SubjectStateGraph{
		subject:  subject,
		heads:    make(map[string][]string, len(subject.States)),
		incoming: make(map[string]int, len(subject.States)),
	}
	for i := range subject.States {
		state := &subject.States[i]
		if _, ok := g.incoming[state.Id]; !ok {
			g.incoming[state.Id] = 0
		}
		for _, head := range state.HeadIds() {
			g.heads[state.Id] = append(g.heads[state.Id], head)
			g.incoming[head]++
		}
	}
	return g
}

// Roots returns the ids of all states without incoming edges, sorted.
func (g *SubjectStateGraph) Roots() []string {
	var roots []string
	for id, in := range g.incoming {
		if in == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

// Leafs returns the ids of all states without outgoing edges, sorted.
func (g *SubjectStateGraph) Leafs() []string {
	var leafs []string
	for id := range g.incoming {
		if len(g.heads[id]) == 0 {
			leafs = append(leafs, id)
		}
	}
	sort.Strings(leafs)
	return leafs
}

// HeadsOf returns the outgoing edges of the state with the given id.
func (g *SubjectStateGraph) HeadsOf(stateId string) []string {
	return g.heads[stateId]
}
