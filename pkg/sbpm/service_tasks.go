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
	"time"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
	"github.com/pbinitiative/zensbpm/pkg/storage"
)

// scheduleProviderRun returns a follow-up executing the service task of the
// subject after the current unit of work committed.
func (engine *Engine) scheduleProviderRun(processInstanceKey int64, subjectKey int64) func() {
	return func() {
		engine.wg.Add(1)
		go func() {
			defer engine.wg.Done()
			if engine.ctx.Err() != nil {
				return
			}
			if err := engine.runProviderTask(engine.ctx, processInstanceKey, subjectKey); err != nil {
				engine.logger.Error("service task execution failed",
					"processInstanceKey", processInstanceKey, "subjectKey", subjectKey, "error", err)
			}
		}()
	}
}

// runProviderTask executes the visible service task of the subject. The
// snapshot is taken under the instance lock, the provider runs outside of
// it, and the resulting transition is committed under the lock again with
// the snapshots concurrency token. A failing provider leaves the subject
// pending on its state; nothing is committed.
func (engine *Engine) runProviderTask(ctx context.Context, processInstanceKey int64, subjectKey int64) error {
	engine.runningInstances.lockInstance(processInstanceKey)
	snapshot, provider, token, ok, err := engine.prepareProviderTask(ctx, processInstanceKey, subjectKey)
	engine.runningInstances.unlockInstance(processInstanceKey)
	if err != nil || !ok {
		return err
	}

	next, err := provider.Execute(ctx, snapshot)
	if err != nil {
		engine.logger.Error("provider execution failed, subject stays pending",
			"code", ErrorCodeProviderExecution,
			"processInstanceKey", processInstanceKey,
			"subjectKey", subjectKey,
			"stateId", snapshot.StateId,
			"error", err)
		return nil
	}

	engine.runningInstances.lockInstance(processInstanceKey)
	defer engine.runningInstances.unlockInstance(processInstanceKey)

	instance, err := engine.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return err
	}
	if instance.Ended() {
		return nil
	}
	subject, err := engine.persistence.FindSubjectByKey(ctx, subjectKey)
	if err != nil {
		return fmt.Errorf("failed to load subject %d: %w", subjectKey, err)
	}

	uow := engine.newUnitOfWork()
	err = engine.executeTransition(ctx, uow, &instance, &subject, transitionRequest{
		lastSeen:    token,
		nextStateId: next,
		byProvider:  true,
	})
	if err != nil {
		var taskErr *TaskError
		if errors.As(err, &taskErr) && (taskErr.Code == ErrorCodeOutOfDate || taskErr.Code == ErrorCodeTaskNotAvailable) {
			// the subject moved on while the provider was running
			return nil
		}
		return err
	}
	if err := engine.commit(ctx, uow); err != nil {
		return err
	}
	engine.executedTransitions.Add(ctx, 1)
	return nil
}

// prepareProviderTask builds the read snapshot of the visible service task,
// or reports ok=false when there is nothing to execute.
func (engine *Engine) prepareProviderTask(ctx context.Context, processInstanceKey int64, subjectKey int64) (TaskSnapshot, TaskProvider, time.Time, bool, error) {
	none := TaskSnapshot{}
	instance, err := engine.loadInstance(ctx, processInstanceKey)
	if err != nil {
		return none, nil, time.Time{}, false, err
	}
	if instance.Ended() {
		return none, nil, time.Time{}, false, nil
	}
	subject, err := engine.persistence.FindSubjectByKey(ctx, subjectKey)
	if err != nil {
		return none, nil, time.Time{}, false, fmt.Errorf("failed to load subject %d: %w", subjectKey, err)
	}
	def := instance.Model.Subject(subject.SubjectId)
	if def == nil {
		return none, nil, time.Time{}, false, newEngineErrorf("subject %d references unknown subject definition %s", subject.Key, subject.SubjectId)
	}
	resolved, _, visible, err := engine.visibleState(ctx, nil, def, &subject)
	if err != nil {
		return none, nil, time.Time{}, false, err
	}
	if !visible || resolved.State.Provider == "" {
		return none, nil, time.Time{}, false, nil
	}
	provider, ok := engine.providers[resolved.State.Provider]
	if !ok {
		engine.logger.Error("no provider registered, subject stays pending",
			"provider", resolved.State.Provider, "subjectKey", subject.Key, "stateId", resolved.State.Id)
		return none, nil, time.Time{}, false, nil
	}

	data := map[string]map[string]any{}
	for i := range resolved.State.Permissions {
		perm := &resolved.State.Permissions[i]
		objDef := instance.Model.Object(perm.ObjectId)
		if objDef == nil {
			return none, nil, time.Time{}, false, newEngineErrorf("model %s references unknown object %s", instance.Model.Id, perm.ObjectId)
		}
		obj, err := engine.persistence.FindObjectInstance(ctx, processInstanceKey, perm.ObjectId)
		if err != nil {
			if !errors.Is(err, storage.ErrNotFound) {
				return none, nil, time.Time{}, false, fmt.Errorf("failed to load object instance %s: %w", perm.ObjectId, err)
			}
			obj = runtime.ObjectInstance{Values: map[string]any{}}
		}
		data[perm.ObjectId] = readView(objDef.Attributes, perm.Attributes, obj.Values)
	}

	snapshot := TaskSnapshot{
		ProcessInstanceKey: processInstanceKey,
		SubjectKey:         subject.Key,
		SubjectId:          subject.SubjectId,
		StateId:            resolved.State.Id,
		Parameters:         resolved.State.ProviderParameters,
		Data:               data,
	}
	return snapshot, provider, subject.LastChanged(), true, nil
}
