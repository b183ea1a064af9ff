// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package runtime

import (
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
)

// HopKind of one traversal step taken while resolving visibility.
type HopKind string

const (
	// HopKindReceive consumed a pending message to pass a receive state.
	HopKindReceive HopKind = "RECEIVE"
	// HopKindSend passed through a send state; the transition executor
	// emits the message when it commits the resolved path.
	HopKindSend HopKind = "SEND"
)

// Hop records one state traversed between the raw position and the visible
// state. Resolution itself is pure; the transition executor replays the
// hops with their side effects (consume/emit) inside its unit of work.
type Hop struct {
	Kind     HopKind
	StateId  string
	ObjectId string // message object consumed (receive) or transmitted (send)
	Head     string
}

// ResolvedState is the outcome of visibility resolution: the nearest
// actionable function state plus the hops that lead to it.
type ResolvedState struct {
	State *model.StateDefinition
	Path  []Hop
}

// ResolveVisibleState answers what function state, if any, is currently
// actionable for a subject parked on rawStateId.
//
//   - a function state is directly visible
//   - a receive state is passed through the first transition, in definition
//     order, whose object has at least one unconsumed message; no match
//     means the subject is blocked and has no visible state
//   - a send state is traversed through its single head
//
// hasUnconsumed reports whether the subject holds at least one unconsumed
// message of the given object. Cyclic receive/send chains terminate via a
// visited set; revisiting a state means no progress is possible.
func ResolveVisibleState(def *model.SubjectDefinition, rawStateId string, hasUnconsumed func(objectId string) bool) (ResolvedState, bool) {
	var path []Hop
	visited := make(map[string]bool)
	current := rawStateId
	for {
		if visited[current] {
			return ResolvedState{}, false
		}
		visited[current] = true
		state := def.State(current)
		if state == nil {
			return ResolvedState{}, false
		}
		switch state.Kind {
		case model.StateKindFunction:
			return ResolvedState{State: state, Path: path}, true
		case model.StateKindReceive:
			matched := false
			for _, t := range state.Transitions {
				if hasUnconsumed(t.ObjectId) {
					path = append(path, Hop{Kind: HopKindReceive, StateId: state.Id, ObjectId: t.ObjectId, Head: t.Head})
					current = t.Head
					matched = true
					break
				}
			}
			if !matched {
				return ResolvedState{}, false
			}
		case model.StateKindSend:
			if len(state.Heads) != 1 {
				return ResolvedState{}, false
			}
			path = append(path, Hop{Kind: HopKindSend, StateId: state.Id, ObjectId: state.ObjectId, Head: state.Heads[0]})
			current = state.Heads[0]
		default:
			return ResolvedState{}, false
		}
	}
}
