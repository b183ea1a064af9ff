// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/exporter"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
)

// eventBuffer collects the domain events of one unit of work. Nothing is
// handed to the exporters before the batch committed; an abandoned batch
// drops the buffer with it.
type eventBuffer struct {
	events []any
}

func (b *eventBuffer) add(event any) {
	b.events = append(b.events, event)
}

func (b *eventBuffer) processModelEvent(intent exporter.Intent, m *model.ProcessModel) {
	b.add(&exporter.ProcessModelEvent{
		Id:           uuid.NewString(),
		Intent:       intent,
		ModelId:      m.Id,
		ModelKey:     m.Key,
		Version:      m.Version,
		ResourceName: m.ResourceName,
		Checksum:     hex.EncodeToString(m.Checksum[:]),
		OccurredAt:   time.Now(),
	})
}

func (b *eventBuffer) processInstanceEvent(intent exporter.Intent, instance *runtime.ProcessInstance, userId string) {
	b.add(&exporter.ProcessInstanceEvent{
		Id:                 uuid.NewString(),
		Intent:             intent,
		ModelId:            instance.Model.Id,
		ModelKey:           instance.ModelKey,
		ProcessInstanceKey: instance.Key,
		UserId:             userId,
		OccurredAt:         time.Now(),
	})
}

func (b *eventBuffer) taskEvent(intent exporter.Intent, subject *runtime.Subject, stateId string, userId string) {
	b.add(&exporter.TaskEvent{
		Id:                 uuid.NewString(),
		Intent:             intent,
		ProcessInstanceKey: subject.ProcessInstanceKey,
		SubjectKey:         subject.Key,
		StateId:            stateId,
		UserId:             userId,
		OccurredAt:         time.Now(),
	})
}

// taskEventFanOut emits one task event per addressee of the subject: the
// bound user once the subject is claimed, otherwise every user holding one
// of the subjects roles. Without a directory a single unscoped event is
// emitted.
func (engine *Engine) taskEventFanOut(buf *eventBuffer, intent exporter.Intent, def *model.SubjectDefinition, subject *runtime.Subject, stateId string) {
	if subject.BoundUser != "" {
		buf.taskEvent(intent, subject, stateId, subject.BoundUser)
		return
	}
	if engine.directory == nil {
		buf.taskEvent(intent, subject, stateId, "")
		return
	}
	for _, user := range engine.directory.UsersWithAnyRole(def.Roles) {
		buf.taskEvent(intent, subject, stateId, user)
	}
}

// publishEvents fans the buffered events out to all exporters. Called from
// the batch commit hook only, never before the flush succeeded.
func (engine *Engine) publishEvents(buf *eventBuffer) {
	for _, event := range buf.events {
		for _, exp := range engine.exporters {
			switch e := event.(type) {
			case *exporter.ProcessModelEvent:
				exp.ProcessModelEvent(e)
			case *exporter.ProcessInstanceEvent:
				exp.ProcessInstanceEvent(e)
			case *exporter.TaskEvent:
				exp.TaskEvent(e)
			case *exporter.RoleEvent:
				exp.RoleEvent(e)
			case *exporter.UserEvent:
				exp.UserEvent(e)
			}
		}
	}
	if engine.publishedEvents != nil {
		engine.publishedEvents.Add(context.Background(), int64(len(buf.events)))
	}
}

// AddEventExporter registers an exporter for committed domain events.
func (engine *Engine) AddEventExporter(exporter exporter.EventExporter) {
	engine.exporters = append(engine.exporters, exporter)
}
