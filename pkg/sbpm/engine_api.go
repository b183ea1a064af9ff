// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/pbinitiative/zensbpm/pkg/ptr"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/exporter"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
	"github.com/pbinitiative/zensbpm/pkg/storage"
)

// ProcessModelSummary describes one startable process model version.
type ProcessModelSummary struct {
	ModelId string `json:"modelId"`
	Name    string `json:"name"`
	Key     int64  `json:"key"`
	Version int32  `json:"version"`
}

// Task is one actionable unit of work of a user subject. LastChanged is the
// optimistic concurrency token to pass back into ExecuteTask.
type Task struct {
	ProcessInstanceKey int64     `json:"processInstanceKey"`
	SubjectKey         int64     `json:"subjectKey"`
	SubjectId          string    `json:"subjectId"`
	ModelId            string    `json:"modelId"`
	StateId            string    `json:"stateId"`
	StateName          string    `json:"stateName"`
	LastChanged        time.Time `json:"lastChanged"`
}

// NextState is one selectable outgoing transition of a task.
type NextState struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// TaskDetails is the full working view of one task: the data the state
// grants read access to, the permission schema driving the form, and the
// selectable next states.
type TaskDetails struct {
	Task
	Data        map[string]map[string]any    `json:"data"`
	Permissions []model.PermissionDefinition `json:"permissions"`
	NextStates  []NextState                  `json:"nextStates"`
}

// ExecuteTaskRequest carries one task execution. NextStateId may stay empty
// when the state has at most one outgoing transition. Writes maps object
// definition ids to submitted attribute values.
type ExecuteTaskRequest struct {
	SubjectKey  int64                     `json:"subjectKey"`
	UserId      string                    `json:"userId"`
	LastSeen    time.Time                 `json:"lastSeen"`
	NextStateId string                    `json:"nextStateId,omitempty"`
	Writes      map[string]map[string]any `json:"writes,omitempty"`
}

// TrailRecord is one audit entry: a state a subject entered.
type TrailRecord struct {
	SubjectKey int64     `json:"subjectKey"`
	SubjectId  string    `json:"subjectId"`
	StateId    string    `json:"stateId"`
	StateName  string    `json:"stateName"`
	EnteredAt  time.Time `json:"enteredAt"`
}

// FindStartableProcessModels returns the latest ACTIVE model versions the
// user may start, i.e. those with a starter subject matching one of the
// users roles.
func (engine *Engine) FindStartableProcessModels(ctx context.Context, userId string) ([]ProcessModelSummary, error) {
	models, err := engine.persistence.FindActiveProcessModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load active process models: %w", err)
	}
	res := []ProcessModelSummary{}
	for i := range models {
		m := &models[i]
		if engine.startableBy(m, userId) {
			res = append(res, ProcessModelSummary{
				ModelId: m.Id,
				Name:    m.Name,
				Key:     m.Key,
				Version: m.Version,
			})
		}
	}
	return res, nil
}

func (engine *Engine) startableBy(m *model.ProcessModel, userId string) bool {
	for _, starter := range m.StarterSubjects() {
		if starter.IsService() {
			continue
		}
		if engine.directory == nil || engine.directory.UserHasAnyRole(userId, starter.Roles) {
			return true
		}
	}
	return false
}

// StartProcess creates a process instance of the latest ACTIVE version of
// the model id, with one subject per starter subject definition. Non-starter
// subjects come into existence on their first message.
func (engine *Engine) StartProcess(ctx context.Context, modelId string, userId string) (*runtime.ProcessInstance, error) {
	ctx, span := engine.tracer.Start(ctx, "StartProcess")
	defer span.End()

	m, err := engine.persistence.FindLatestProcessModelById(ctx, modelId)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, newTaskErrorf(ErrorCodeNotFound, "no process model with id=%s", modelId)
		}
		return nil, fmt.Errorf("failed to load process model %s: %w", modelId, err)
	}
	if m.State != model.ModelStateActive {
		return nil, newTaskErrorf(ErrorCodeNotFound, "process model %s has no active version", modelId)
	}
	if !engine.startableBy(&m, userId) {
		return nil, newTaskErrorf(ErrorCodePermissionDenied, "user %s may not start process %s", userId, modelId)
	}
	engine.modelCache.Add(m.Key, &m)

	instance := runtime.ProcessInstance{
		Model:     &m,
		Key:       engine.generateKey(),
		ModelKey:  m.Key,
		State:     runtime.InstanceStateActive,
		StartedBy: userId,
		CreatedAt: time.Now(),
	}

	uow := engine.newUnitOfWork()
	if err := uow.batch.SaveProcessInstance(ctx, instance); err != nil {
		return nil, fmt.Errorf("failed to save process instance: %w", err)
	}
	uow.events.processInstanceEvent(exporter.Created, &instance, userId)

	// every starter must exist before the first advance runs its completion
	// check, a starter born on an end state must not finish the instance early
	starterDefs := m.StarterSubjects()
	starters := make([]*runtime.Subject, 0, len(starterDefs))
	for _, starterDef := range starterDefs {
		subject := &runtime.Subject{
			Key:                engine.generateKey(),
			ProcessInstanceKey: instance.Key,
			SubjectId:          starterDef.Id,
			Kind:               subjectKindOf(starterDef),
		}
		subject.AppendTrail(engine.generateKey(), starterDef.StartStateId, time.Now())
		uow.subjects[subject.Key] = subject
		starters = append(starters, subject)
	}
	for i, starterDef := range starterDefs {
		if err := engine.finishSubjectAdvance(ctx, uow, &instance, starterDef, starters[i]); err != nil {
			return nil, err
		}
	}

	if err := engine.commit(ctx, uow); err != nil {
		return nil, err
	}
	engine.startedInstances.Add(ctx, 1)
	engine.logger.Info("process instance started",
		"processInstanceKey", instance.Key, "modelId", m.Id, "version", m.Version, "startedBy", userId)
	return &instance, nil
}

// GetOpenTasks returns the actionable tasks of the user across all active
// process instances: subjects the user is bound to, plus unbound subjects
// of roles the user holds, each with a currently visible state.
func (engine *Engine) GetOpenTasks(ctx context.Context, userId string) ([]Task, error) {
	subjects, err := engine.persistence.FindUserSubjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load user subjects: %w", err)
	}
	instances := map[int64]*runtime.ProcessInstance{}
	res := []Task{}
	for i := range subjects {
		subject := &subjects[i]
		instance, ok := instances[subject.ProcessInstanceKey]
		if !ok {
			loaded, err := engine.loadInstance(ctx, subject.ProcessInstanceKey)
			if err != nil {
				return nil, err
			}
			instance = &loaded
			instances[subject.ProcessInstanceKey] = instance
		}
		def := instance.Model.Subject(subject.SubjectId)
		if def == nil || !subject.Active(def) {
			continue
		}
		if !engine.eligible(subject, def, userId) {
			continue
		}
		resolved, _, visible, err := engine.visibleState(ctx, nil, def, subject)
		if err != nil {
			return nil, err
		}
		if !visible {
			continue
		}
		res = append(res, Task{
			ProcessInstanceKey: subject.ProcessInstanceKey,
			SubjectKey:         subject.Key,
			SubjectId:          subject.SubjectId,
			ModelId:            instance.Model.Id,
			StateId:            resolved.State.Id,
			StateName:          resolved.State.Name,
			LastChanged:        subject.LastChanged(),
		})
	}
	return res, nil
}

// eligible reports whether the user may work on the subject: bound subjects
// belong to their user, unbound ones to anyone holding one of the roles.
func (engine *Engine) eligible(subject *runtime.Subject, def *model.SubjectDefinition, userId string) bool {
	if subject.BoundUser != "" {
		return subject.BoundUser == userId
	}
	return engine.directory == nil || engine.directory.UserHasAnyRole(userId, def.Roles)
}

// GetTaskDetails returns the working view of one task: READ-filtered object
// data, the permission schema and the selectable next states.
func (engine *Engine) GetTaskDetails(ctx context.Context, subjectKey int64, userId string) (TaskDetails, error) {
	none := TaskDetails{}
	subject, err := engine.persistence.FindSubjectByKey(ctx, subjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return none, newTaskErrorf(ErrorCodeNotFound, "no subject with key=%d", subjectKey)
		}
		return none, fmt.Errorf("failed to load subject %d: %w", subjectKey, err)
	}
	instance, err := engine.loadInstance(ctx, subject.ProcessInstanceKey)
	if err != nil {
		return none, err
	}
	if instance.Ended() {
		return none, newTaskErrorf(ErrorCodeTaskNotAvailable, "process instance %d has ended", instance.Key)
	}
	def := instance.Model.Subject(subject.SubjectId)
	if def == nil {
		return none, newEngineErrorf("subject %d references unknown subject definition %s", subject.Key, subject.SubjectId)
	}
	if !subject.Active(def) {
		return none, newTaskErrorf(ErrorCodeTaskNotAvailable, "subject %d already reached an end state", subject.Key)
	}
	if subject.BoundUser != "" && subject.BoundUser != userId {
		return none, newTaskErrorf(ErrorCodeUserMismatch, "subject %d is bound to another user", subject.Key)
	}
	if !engine.eligible(&subject, def, userId) {
		return none, newTaskErrorf(ErrorCodePermissionDenied, "user %s holds none of the roles of subject %s", userId, def.Id)
	}
	resolved, _, visible, err := engine.visibleState(ctx, nil, def, &subject)
	if err != nil {
		return none, err
	}
	if !visible {
		return none, newTaskErrorf(ErrorCodeTaskNotAvailable, "subject %d has no actionable state", subject.Key)
	}

	data := map[string]map[string]any{}
	for i := range resolved.State.Permissions {
		perm := &resolved.State.Permissions[i]
		objDef := instance.Model.Object(perm.ObjectId)
		if objDef == nil {
			return none, newEngineErrorf("model %s references unknown object %s", instance.Model.Id, perm.ObjectId)
		}
		obj, err := engine.persistence.FindObjectInstance(ctx, instance.Key, perm.ObjectId)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return none, fmt.Errorf("failed to load object instance %s: %w", perm.ObjectId, err)
			}
			obj = runtime.ObjectInstance{Values: map[string]any{}}
		}
		data[perm.ObjectId] = readView(objDef.Attributes, perm.Attributes, obj.Values)
	}

	nextStates := []NextState{}
	for _, head := range resolved.State.Heads {
		headState := def.State(head)
		if headState == nil {
			continue
		}
		nextStates = append(nextStates, NextState{Id: headState.Id, Name: headState.Name})
	}

	return TaskDetails{
		Task: Task{
			ProcessInstanceKey: subject.ProcessInstanceKey,
			SubjectKey:         subject.Key,
			SubjectId:          subject.SubjectId,
			ModelId:            instance.Model.Id,
			StateId:            resolved.State.Id,
			StateName:          resolved.State.Name,
			LastChanged:        subject.LastChanged(),
		},
		Data:        data,
		Permissions: resolved.State.Permissions,
		NextStates:  nextStates,
	}, nil
}

// ExecuteTask runs one task transition for a user: validates visibility,
// the concurrency token, the chosen head, user binding and permissions,
// then commits the effects atomically. The first successful execution on an
// unbound subject claims it for the user.
func (engine *Engine) ExecuteTask(ctx context.Context, req ExecuteTaskRequest) error {
	ctx, span := engine.tracer.Start(ctx, "ExecuteTask")
	defer span.End()

	subject, err := engine.persistence.FindSubjectByKey(ctx, req.SubjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return newTaskErrorf(ErrorCodeNotFound, "no subject with key=%d", req.SubjectKey)
		}
		return fmt.Errorf("failed to load subject %d: %w", req.SubjectKey, err)
	}

	engine.runningInstances.lockInstance(subject.ProcessInstanceKey)
	defer engine.runningInstances.unlockInstance(subject.ProcessInstanceKey)

	// reload under the instance lock; the pre-read only located the instance
	subject, err = engine.persistence.FindSubjectByKey(ctx, req.SubjectKey)
	if err != nil {
		return fmt.Errorf("failed to load subject %d: %w", req.SubjectKey, err)
	}
	instance, err := engine.loadInstance(ctx, subject.ProcessInstanceKey)
	if err != nil {
		return err
	}
	if instance.Ended() {
		return newTaskErrorf(ErrorCodeTaskNotAvailable, "process instance %d has ended", instance.Key)
	}

	uow := engine.newUnitOfWork()
	err = engine.executeTransition(ctx, uow, &instance, &subject, transitionRequest{
		userId:      req.UserId,
		lastSeen:    req.LastSeen,
		nextStateId: req.NextStateId,
		writes:      req.Writes,
	})
	if err != nil {
		return err
	}
	if err := engine.commit(ctx, uow); err != nil {
		return err
	}
	engine.executedTransitions.Add(ctx, 1)
	return nil
}

// StopProcess cancels the process instance. Only the user that started the
// instance may stop it; an empty userId marks a system stop. Subjects and
// their trails stay in storage for audit, open tasks disappear.
func (engine *Engine) StopProcess(ctx context.Context, processInstanceKey int64, userId string) error {
	engine.runningInstances.lockInstance(processInstanceKey)
	defer engine.runningInstances.unlockInstance(processInstanceKey)

	instance, err := engine.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.Ended() {
		return nil
	}
	if userId != "" && userId != instance.StartedBy {
		return newTaskErrorf(ErrorCodePermissionDenied, "only the starting user may stop instance %d", processInstanceKey)
	}

	if userId == "" {
		instance.State = runtime.InstanceStateCancelledBySystem
	} else {
		instance.State = runtime.InstanceStateCancelledByUser
	}
	instance.EndedAt = ptr.To(time.Now())

	uow := engine.newUnitOfWork()
	if err := uow.batch.SaveProcessInstance(ctx, instance); err != nil {
		return fmt.Errorf("failed to save process instance %d: %w", processInstanceKey, err)
	}
	uow.events.processInstanceEvent(exporter.Deleted, &instance, instance.StartedBy)

	// open tasks of the instance disappear for everyone that could see them
	subjects, err := engine.persistence.FindProcessInstanceSubjects(ctx, processInstanceKey)
	if err != nil {
		return fmt.Errorf("failed to load subjects of instance %d: %w", processInstanceKey, err)
	}
	for i := range subjects {
		subject := &subjects[i]
		if subject.Kind != runtime.SubjectKindUser {
			continue
		}
		def := instance.Model.Subject(subject.SubjectId)
		if def == nil || !subject.Active(def) {
			continue
		}
		resolved, _, visible, err := engine.visibleState(ctx, nil, def, subject)
		if err != nil {
			return err
		}
		if visible {
			engine.taskEventFanOut(uow.events, exporter.Deleted, def, subject, resolved.State.Id)
		}
	}

	if err := engine.commit(ctx, uow); err != nil {
		return err
	}
	engine.logger.Info("process instance stopped",
		"processInstanceKey", processInstanceKey, "state", instance.State, "stoppedBy", userId)
	return nil
}

// GetAuditTrail returns every state entry of every subject of the instance,
// ordered by entry time.
func (engine *Engine) GetAuditTrail(ctx context.Context, processInstanceKey int64) ([]TrailRecord, error) {
	instance, err := engine.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return nil, err
	}
	subjects, err := engine.persistence.FindProcessInstanceSubjects(ctx, processInstanceKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load subjects of instance %d: %w", processInstanceKey, err)
	}
	res := []TrailRecord{}
	for i := range subjects {
		subject := &subjects[i]
		def := instance.Model.Subject(subject.SubjectId)
		for _, entry := range subject.Trail {
			record := TrailRecord{
				SubjectKey: subject.Key,
				SubjectId:  subject.SubjectId,
				StateId:    entry.StateId,
				EnteredAt:  entry.EnteredAt,
			}
			if def != nil {
				if state := def.State(entry.StateId); state != nil {
					record.StateName = state.Name
				}
			}
			res = append(res, record)
		}
	}
	slices.SortFunc(res, func(a, b TrailRecord) int {
		return a.EnteredAt.Compare(b.EnteredAt)
	})
	return res, nil
}
