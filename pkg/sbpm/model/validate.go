// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import (
	"fmt"
	"strings"
)

// ValidationError collects every definition-integrity problem found in a
// process model. Models failing validation must not be published.
type ValidationError struct {
	ModelId  string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("process model %q is not valid:\n  - %s", e.ModelId, strings.Join(e.Problems, "\n  - "))
}

// Validate runs all publish-time integrity checks on the model.
// Runtime code assumes it only ever sees models that passed this check,
// a permission/shape mismatch is therefore never a runtime concern.
func Validate(m *ProcessModel) error {
	v := validator{model: m}
	v.validateModel()
	if len(v.problems) == 0 {
		return nil
	}
	return &ValidationError{ModelId: m.Id, Problems: v.problems}
}

type validator struct {
	model    *ProcessModel
	problems []string
}

func (v *validator) errorf(format string, a ...any) {
	v.problems = append(v.problems, fmt.Sprintf(format, a...))
}

func (v *validator) validateModel() {
	m := v.model
	if m.Id == "" {
		v.errorf("model id must not be empty")
	}
	if len(m.Subjects) == 0 {
		v.errorf("model must define at least one subject")
	}
	if len(m.StarterSubjects()) == 0 {
		v.errorf("model must define at least one starter subject")
	}
	seenObjects := map[string]bool{}
	for i := range m.Objects {
		obj := &m.Objects[i]
		if seenObjects[obj.Id] {
			v.errorf("duplicate object id %q", obj.Id)
		}
		seenObjects[obj.Id] = true
		v.validateAttributes(obj.Id, "", obj.Attributes)
	}
	seenSubjects := map[string]bool{}
	for i := range m.Subjects {
		sub := &m.Subjects[i]
		if seenSubjects[sub.Id] {
			v.errorf("duplicate subject id %q", sub.Id)
		}
		seenSubjects[sub.Id] = true
		v.validateSubject(sub)
	}
}

func (v *validator) validateAttributes(objectId string, prefix string, attrs []AttributeDefinition) {
	seen := map[string]bool{}
	for i := range attrs {
		attr := &attrs[i]
		path := prefix + attr.Id
		if seen[attr.Id] {
			v.errorf("object %q: duplicate attribute %q", objectId, path)
		}
		seen[attr.Id] = true
		switch attr.Kind {
		case AttributeKindSimple:
			if len(attr.Attributes) > 0 {
				v.errorf("object %q: simple attribute %q must not nest attributes", objectId, path)
			}
		case AttributeKindToOne, AttributeKindToMany:
			v.validateAttributes(objectId, path+".", attr.Attributes)
		default:
			v.errorf("object %q: attribute %q has unknown kind %q", objectId, path, attr.Kind)
		}
	}
}

func (v *validator) validateSubject(sub *SubjectDefinition) {
	if len(sub.States) == 0 {
		v.errorf("subject %q must define at least one state", sub.Id)
		return
	}
	if sub.State(sub.StartStateId) == nil {
		v.errorf("subject %q: start state %q does not exist", sub.Id, sub.StartStateId)
	}
	seen := map[string]bool{}
	for i := range sub.States {
		state := &sub.States[i]
		if seen[state.Id] {
			v.errorf("subject %q: duplicate state id %q", sub.Id, state.Id)
		}
		seen[state.Id] = true
		v.validateState(sub, state)
	}
	for i := range sub.States {
		if sub.States[i].Kind == StateKindSend {
			v.validateSendChain(sub, &sub.States[i])
		}
	}
}

// validateSendChain walks the single-head chain behind a send state. Send
// states complete without external input, so a chain of them that never
// reaches a function or receive state could only loop forever.
func (v *validator) validateSendChain(sub *SubjectDefinition, start *StateDefinition) {
	visited := map[string]bool{}
	state := start
	for state != nil && state.Kind == StateKindSend {
		if visited[state.Id] {
			v.errorf("subject %q: send state %q is part of a send cycle with no function or receive state", sub.Id, start.Id)
			return
		}
		visited[state.Id] = true
		if len(state.Heads) != 1 {
			return
		}
		state = sub.State(state.Heads[0])
	}
}

func (v *validator) validateState(sub *SubjectDefinition, state *StateDefinition) {
	for _, head := range state.HeadIds() {
		if sub.State(head) == nil {
			v.errorf("subject %q: state %q references unknown head %q", sub.Id, state.Id, head)
		}
	}
	switch state.Kind {
	case StateKindFunction:
		if state.End && len(state.Heads) > 0 {
			v.errorf("subject %q: end state %q must not have heads", sub.Id, state.Id)
		}
		if state.Provider != "" && !sub.IsService() {
			v.errorf("subject %q: state %q binds provider %q but the subject is not a service subject", sub.Id, state.Id, state.Provider)
		}
		for i := range state.Permissions {
			v.validatePermission(sub, state, &state.Permissions[i])
		}
	case StateKindSend:
		if len(state.Heads) != 1 {
			v.errorf("subject %q: send state %q must have exactly one head", sub.Id, state.Id)
		}
		if v.model.Subject(state.Receiver) == nil {
			v.errorf("subject %q: send state %q references unknown receiver %q", sub.Id, state.Id, state.Receiver)
		}
		if v.model.Object(state.ObjectId) == nil {
			v.errorf("subject %q: send state %q references unknown object %q", sub.Id, state.Id, state.ObjectId)
		}
	case StateKindReceive:
		for _, t := range state.Transitions {
			if v.model.Object(t.ObjectId) == nil {
				v.errorf("subject %q: receive state %q references unknown object %q", sub.Id, state.Id, t.ObjectId)
			}
		}
	default:
		v.errorf("subject %q: state %q has unknown kind %q", sub.Id, state.Id, state.Kind)
	}
}

func (v *validator) validatePermission(sub *SubjectDefinition, state *StateDefinition, perm *PermissionDefinition) {
	obj := v.model.Object(perm.ObjectId)
	if obj == nil {
		v.errorf("subject %q: state %q permissions reference unknown object %q", sub.Id, state.Id, perm.ObjectId)
		return
	}
	v.validatePermissionTree(sub, state, obj.Id, "", obj.Attributes, perm.Attributes)
}

// validatePermissionTree checks that the permission tree mirrors the object
// attribute tree: every permission references an existing attribute and the
// nesting shape matches the attribute kind.
func (v *validator) validatePermissionTree(sub *SubjectDefinition, state *StateDefinition, objectId string, prefix string, attrs []AttributeDefinition, perms []AttributePermission) {
	for i := range perms {
		perm := &perms[i]
		path := prefix + perm.AttributeId
		attr := findAttribute(attrs, perm.AttributeId)
		if attr == nil {
			v.errorf("subject %q: state %q permission on %s.%s references an attribute absent from the object", sub.Id, state.Id, objectId, path)
			continue
		}
		if perm.Access != AccessRead && perm.Access != AccessWrite {
			v.errorf("subject %q: state %q permission on %s.%s has unknown access %q", sub.Id, state.Id, objectId, path, perm.Access)
		}
		if perm.Mandatory && perm.Access != AccessWrite {
			v.errorf("subject %q: state %q permission on %s.%s is mandatory but not writable", sub.Id, state.Id, objectId, path)
		}
		if attr.Kind == AttributeKindSimple && len(perm.Attributes) > 0 {
			v.errorf("subject %q: state %q permission on %s.%s nests permissions under a simple attribute", sub.Id, state.Id, objectId, path)
		}
		v.validatePermissionTree(sub, state, objectId, path+".", attr.Attributes, perm.Attributes)
	}
}
