// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package exporter

import "time"

// EventExporter receives domain-change notifications from the engine.
// Events are handed over only after the unit of work that produced them
// durably committed; a rolled back unit of work emits nothing.
// Exporter failures never affect the committed state.
type EventExporter interface {
	ProcessModelEvent(event *ProcessModelEvent)
	ProcessInstanceEvent(event *ProcessInstanceEvent)
	TaskEvent(event *TaskEvent)
	RoleEvent(event *RoleEvent)
	UserEvent(event *UserEvent)
}

// Intent of a domain-change event.
type Intent string

const (
	Created Intent = "CREATED"
	Updated Intent = "UPDATED"
	Deleted Intent = "DELETED"
)

// ProcessModelEvent notifies about a published or deactivated model.
type ProcessModelEvent struct {
	Id           string // unique event id
	Intent       Intent
	ModelId      string
	ModelKey     int64
	Version      int32
	ResourceName string
	Checksum     string
	OccurredAt   time.Time
}

// ProcessInstanceEvent notifies about instance lifecycle changes.
// UserId, when set, scopes the event to one user's notification channel.
type ProcessInstanceEvent struct {
	Id                 string
	Intent             Intent
	ModelId            string
	ModelKey           int64
	ProcessInstanceKey int64
	UserId             string
	OccurredAt         time.Time
}

// TaskEvent notifies about a task appearing, changing or disappearing for
// a user. SubjectKey identifies the task's subject; UserId, when set,
// scopes the event to one user's notification channel.
type TaskEvent struct {
	Id                 string
	Intent             Intent
	ProcessInstanceKey int64
	SubjectKey         int64
	StateId            string
	UserId             string
	OccurredAt         time.Time
}

// RoleEvent and UserEvent cover directory changes. The engine itself does
// not manage roles or users; these are emitted by directory integrations
// sharing the exporter fan-out.
type RoleEvent struct {
	Id         string
	Intent     Intent
	RoleId     string
	OccurredAt time.Time
}

type UserEvent struct {
	Id         string
	Intent     Intent
	UserId     string
	OccurredAt time.Time
}
