// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

// ModelState describes the lifecycle of a published process model.
// Only the latest ACTIVE version of a model id can be started.
type ModelState string

const (
	ModelStateActive   ModelState = "ACTIVE"
	ModelStateInactive ModelState = "INACTIVE"
)

// ProcessModel is the immutable description of a process: a set of subject
// definitions with their state machines, plus the object definitions the
// subjects exchange and write. A ProcessModel must not be mutated after it
// passed Validate and was handed to the engine.
type ProcessModel struct {
	Id           string              // the ID as defined in the model file
	Name         string              // human readable model name
	Version      int32               // default=1, incremented when another model with the same ID is loaded
	Key          int64               // the engines key for this given model id with version
	State        ModelState          //
	Subjects     []SubjectDefinition //
	Objects      []ObjectDefinition  //
	Data         string             // the raw source data
	ResourceName string             // some name for the resource; optional, can be empty
	Checksum     [16]byte           // internal checksum to identify different versions
}

// Subject returns the subject definition with the given id, or nil.
func (m *ProcessModel) Subject(id string) *SubjectDefinition {
	for i := range m.Subjects {
		if m.Subjects[i].Id == id {
			return &m.Subjects[i]
		}
	}
	return nil
}

// Object returns the object definition with the given id, or nil.
func (m *ProcessModel) Object(id string) *ObjectDefinition {
	for i := range m.Objects {
		if m.Objects[i].Id == id {
			return &m.Objects[i]
		}
	}
	return nil
}

// StarterSubjects returns all subjects flagged as process starters.
func (m *ProcessModel) StarterSubjects() []*SubjectDefinition {
	var res []*SubjectDefinition
	for i := range m.Subjects {
		if m.Subjects[i].Starter {
			res = append(res, &m.Subjects[i])
		}
	}
	return res
}

// SubjectDefinition describes one participant of a process: its eligible
// roles (user subjects) or none (service subjects, driven by a provider),
// and the states forming its state machine. The state graph may contain
// cycles; recursion is an explicitly supported construct.
type SubjectDefinition struct {
	Id           string
	Name         string
	Starter      bool     // whether this subject can initiate a process instance
	Roles        []string // empty for service subjects
	StartStateId string
	States       []StateDefinition
}

// IsService reports whether the subject is executed by a provider instead
// of a user. The distinction is derived from the role set: a subject
// without eligible roles cannot be claimed by anyone.
func (s *SubjectDefinition) IsService() bool {
	return len(s.Roles) == 0
}

// State returns the state definition with the given id, or nil.
func (s *SubjectDefinition) State(id string) *StateDefinition {
	for i := range s.States {
		if s.States[i].Id == id {
			return &s.States[i]
		}
	}
	return nil
}

// AttributeKind describes the shape of an attribute within an object
// definition. TO_ONE and TO_MANY attributes nest child attributes, each
// independently permissioned.
type AttributeKind string

const (
	AttributeKindSimple AttributeKind = "SIMPLE"
	AttributeKindToOne  AttributeKind = "TO_ONE"
	AttributeKindToMany AttributeKind = "TO_MANY"
)

// ObjectDefinition is the schema of one business data object exchanged
// between subjects. Instances are unique per (object definition, process
// instance), enforced by the storage layer.
type ObjectDefinition struct {
	Id         string
	Name       string
	Attributes []AttributeDefinition
}

// Attribute returns the top level attribute with the given id, or nil.
func (o *ObjectDefinition) Attribute(id string) *AttributeDefinition {
	return findAttribute(o.Attributes, id)
}

type AttributeDefinition struct {
	Id         string
	Name       string
	Kind       AttributeKind
	Attributes []AttributeDefinition // children for TO_ONE / TO_MANY
}

func findAttribute(attrs []AttributeDefinition, id string) *AttributeDefinition {
	for i := range attrs {
		if attrs[i].Id == id {
			return &attrs[i]
		}
	}
	return nil
}
