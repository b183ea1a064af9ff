// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

// StateKind is the discriminator of the StateDefinition variant.
type StateKind string

const (
	StateKindFunction StateKind = "FUNCTION"
	StateKindSend     StateKind = "SEND"
	StateKindReceive  StateKind = "RECEIVE"
)

// StateDefinition is a tagged variant over the three state kinds.
// States reference each other by id only, never by pointer, so a subject
// graph with cycles stays a plain flat table.
//
// FUNCTION: zero or more Heads, optional Provider + ProviderParameters for
// automated subjects, and attribute permissions per object.
// SEND: exactly one head; Receiver and ObjectId name what is transmitted.
// RECEIVE: Transitions pair an object with a head; the effective heads are
// the union of the transition heads.
type StateDefinition struct {
	Id   string
	Name string
	Kind StateKind
	End  bool // terminal state; a subject resting here is no longer active

	// function state fields
	Heads              []string
	Provider           string
	ProviderParameters map[string]string
	Permissions        []PermissionDefinition

	// send state fields
	Receiver    string
	ObjectId    string
	Synchronous bool

	// receive state fields
	Transitions []ReceiveTransitionDefinition
}

// ReceiveTransitionDefinition pairs the object a message must carry with
// the head state the transition leads to.
type ReceiveTransitionDefinition struct {
	ObjectId string
	Head     string
}

// HeadIds returns the outgoing edges of the state regardless of its kind.
func (s *StateDefinition) HeadIds() []string {
	if s.Kind != StateKindReceive {
		return s.Heads
	}
	heads := make([]string, 0, len(s.Transitions))
	for _, t := range s.Transitions {
		heads = append(heads, t.Head)
	}
	return heads
}

// HasHead reports whether id is among the heads of the state.
func (s *StateDefinition) HasHead(id string) bool {
	for _, h := range s.HeadIds() {
		if h == id {
			return true
		}
	}
	return false
}

// Permission returns the permission definition binding the given object to
// this function state, or nil.
func (s *StateDefinition) Permission(objectId string) *PermissionDefinition {
	for i := range s.Permissions {
		if s.Permissions[i].ObjectId == objectId {
			return &s.Permissions[i]
		}
	}
	return nil
}

// Access of an attribute within a permission tree.
type Access string

const (
	AccessRead  Access = "READ"
	AccessWrite Access = "WRITE"
)

// PermissionDefinition binds an object definition to per-attribute
// READ/WRITE rules of one function state. Its attribute tree mirrors the
// object definitions attribute tree; Validate rejects shape mismatches at
// publish time.
type PermissionDefinition struct {
	ObjectId   string
	Attributes []AttributePermission
}

// Attribute returns the top level attribute permission with the given id,
// or nil.
func (p *PermissionDefinition) Attribute(id string) *AttributePermission {
	return findAttributePermission(p.Attributes, id)
}

type AttributePermission struct {
	AttributeId string
	Access      Access
	Mandatory   bool
	Default     *string
	Attributes  []AttributePermission // children for TO_ONE / TO_MANY attributes
}

// Writable reports whether the permission allows a value to be submitted.
func (a *AttributePermission) Writable() bool {
	return a.Access == AccessWrite
}

func findAttributePermission(attrs []AttributePermission, id string) *AttributePermission {
	for i := range attrs {
		if attrs[i].AttributeId == id {
			return &attrs[i]
		}
	}
	return nil
}
