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

	"github.com/pbinitiative/zensbpm/pkg/ptr"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/exporter"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
	"github.com/pbinitiative/zensbpm/pkg/storage"
)

// unitOfWork carries the state of one transactional transition: the storage
// batch, the event buffer, overlays for rows written but not yet flushed,
// and follow-up work to kick off after the commit.
type unitOfWork struct {
	batch    storage.Batch
	events   *eventBuffer
	subjects map[int64]*runtime.Subject         // touched subjects by key
	objects  map[string]*runtime.ObjectInstance // touched object instances by object id
	messages map[int64][]runtime.Message        // messages emitted in this unit, by receiver key
	consumed map[int64]bool                     // message keys consumed in this unit

	// followUps run after a successful flush: asynchronous send
	// continuations and provider executions.
	followUps []func()
}

func (engine *Engine) newUnitOfWork() *unitOfWork {
	return &unitOfWork{
		batch:    engine.persistence.NewBatch(),
		events:   &eventBuffer{},
		subjects: map[int64]*runtime.Subject{},
		objects:  map[string]*runtime.ObjectInstance{},
		messages: map[int64][]runtime.Message{},
		consumed: map[int64]bool{},
	}
}

// commit flushes the batch; buffered events are published and follow-ups
// started only when the flush succeeded.
func (engine *Engine) commit(ctx context.Context, uow *unitOfWork) error {
	uow.batch.OnCommit(func() {
		engine.publishEvents(uow.events)
	})
	if err := uow.batch.Flush(ctx); err != nil {
		return fmt.Errorf("failed to flush unit of work: %w", err)
	}
	for _, followUp := range uow.followUps {
		followUp()
	}
	return nil
}

// loadInstance reads the process instance and attaches its model.
func (engine *Engine) loadInstance(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	instance, err := engine.persistence.FindProcessInstanceByKey(ctx, processInstanceKey)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return runtime.ProcessInstance{}, newTaskErrorf(ErrorCodeNotFound, "no process instance with key=%d", processInstanceKey)
		}
		return runtime.ProcessInstance{}, fmt.Errorf("failed to load process instance %d: %w", processInstanceKey, err)
	}
	m, err := engine.resolveModel(ctx, instance.ModelKey)
	if err != nil {
		return runtime.ProcessInstance{}, err
	}
	instance.Model = m
	return instance, nil
}

// subjectMessages returns the messages addressed to the subject including
// the ones emitted earlier in the same unit of work.
func (engine *Engine) subjectMessages(ctx context.Context, uow *unitOfWork, subjectKey int64) ([]runtime.Message, error) {
	messages, err := engine.persistence.FindSubjectMessages(ctx, subjectKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages of subject %d: %w", subjectKey, err)
	}
	if uow != nil {
		messages = append(messages, uow.messages[subjectKey]...)
	}
	return messages, nil
}

// visibleState resolves the actionable state of the subject, honoring the
// message overlay of the running unit of work.
func (engine *Engine) visibleState(ctx context.Context, uow *unitOfWork, def *model.SubjectDefinition, subject *runtime.Subject) (runtime.ResolvedState, []runtime.Message, bool, error) {
	messages, err := engine.subjectMessages(ctx, uow, subject.Key)
	if err != nil {
		return runtime.ResolvedState{}, nil, false, err
	}
	hasUnconsumed := func(objectId string) bool {
		for _, msg := range messages {
			if msg.ObjectId == objectId && !msg.Consumed && (uow == nil || !uow.consumed[msg.Key]) {
				return true
			}
		}
		return false
	}
	resolved, ok := runtime.ResolveVisibleState(def, subject.CurrentStateId(), hasUnconsumed)
	return resolved, messages, ok, nil
}

// transitionRequest is the validated input of one subject transition.
// byProvider marks internal transitions of service subjects; those skip the
// user checks but still honor the optimistic concurrency token.
type transitionRequest struct {
	userId      string
	lastSeen    time.Time
	nextStateId string
	writes      map[string]map[string]any
	byProvider  bool
}

// executeTransition performs one task execution on the subject inside the
// unit of work. Validation order: visible state, concurrency token, chosen
// head, user binding, permissions. Effects follow only when all checks
// passed; a returned error leaves the batch unflushed and thus storage
// untouched.
func (engine *Engine) executeTransition(ctx context.Context, uow *unitOfWork, instance *runtime.ProcessInstance, subject *runtime.Subject, req transitionRequest) error {
	def := instance.Model.Subject(subject.SubjectId)
	if def == nil {
		return newEngineErrorf("subject %d references unknown subject definition %s", subject.Key, subject.SubjectId)
	}
	uow.subjects[subject.Key] = subject

	if !subject.Active(def) {
		return newTaskErrorf(ErrorCodeTaskNotAvailable, "subject %d already reached an end state", subject.Key)
	}
	resolved, messages, visible, err := engine.visibleState(ctx, uow, def, subject)
	if err != nil {
		return err
	}
	if !visible {
		return newTaskErrorf(ErrorCodeTaskNotAvailable, "subject %d has no actionable state", subject.Key)
	}
	if !req.lastSeen.Equal(subject.LastChanged()) {
		return newTaskErrorf(ErrorCodeOutOfDate, "subject %d changed at %s, request is based on %s",
			subject.Key, subject.LastChanged().Format(time.RFC3339Nano), req.lastSeen.Format(time.RFC3339Nano))
	}

	next, err := chooseNextState(resolved.State, req.nextStateId)
	if err != nil {
		return err
	}

	if !req.byProvider {
		if subject.Kind == runtime.SubjectKindService {
			return newTaskErrorf(ErrorCodePermissionDenied, "subject %d is provider driven", subject.Key)
		}
		if subject.BoundUser == "" {
			if engine.directory != nil && !engine.directory.UserHasAnyRole(req.userId, def.Roles) {
				return newTaskErrorf(ErrorCodePermissionDenied, "user %s holds none of the roles of subject %s", req.userId, def.Id)
			}
		} else if subject.BoundUser != req.userId {
			return newTaskErrorf(ErrorCodeUserMismatch, "subject %d is bound to another user", subject.Key)
		}
	}

	// the executed task disappears for its pre-claim audience
	if subject.Kind == runtime.SubjectKindUser {
		engine.taskEventFanOut(uow.events, exporter.Deleted, def, subject, resolved.State.Id)
	}
	if !req.byProvider && subject.BoundUser == "" {
		// claiming: the first successful execution binds the subject
		subject.BoundUser = req.userId
	}

	if err := engine.applyWrites(ctx, uow, instance, resolved.State, req.writes); err != nil {
		return err
	}

	now := time.Now()
	for _, hop := range resolved.Path {
		switch hop.Kind {
		case runtime.HopKindReceive:
			if err := consumeMessage(ctx, uow, messages, hop.ObjectId); err != nil {
				return err
			}
		case runtime.HopKindSend:
			st := def.State(hop.StateId)
			if st == nil {
				return newEngineErrorf("subject %s references unknown state %s", def.Id, hop.StateId)
			}
			if err := engine.emitMessage(ctx, uow, instance, def, st); err != nil {
				return err
			}
		}
		subject.AppendTrail(engine.generateKey(), hop.Head, now)
	}
	if next != "" {
		subject.AppendTrail(engine.generateKey(), next, now)
	}

	return engine.finishSubjectAdvance(ctx, uow, instance, def, subject)
}

// chooseNextState validates the requested head against the visible state.
// With exactly one head the choice may be omitted; an end state accepts no
// choice at all.
func chooseNextState(state *model.StateDefinition, requested string) (string, error) {
	heads := state.Heads
	if len(heads) == 0 {
		if requested != "" {
			return "", newTaskErrorf(ErrorCodeInvalidTransition, "state %s has no outgoing transitions", state.Id)
		}
		return "", nil
	}
	if requested == "" {
		if len(heads) == 1 {
			return heads[0], nil
		}
		return "", newTaskErrorf(ErrorCodeInvalidTransition, "state %s has %d outgoing transitions, one must be chosen", state.Id, len(heads))
	}
	if !state.HasHead(requested) {
		return "", newTaskErrorf(ErrorCodeInvalidTransition, "state %s has no transition to %s", state.Id, requested)
	}
	return requested, nil
}

// applyWrites merges the submitted values into the instances object data
// under the permission trees of the state, then enforces mandatory fields
// across every object the state binds.
func (engine *Engine) applyWrites(ctx context.Context, uow *unitOfWork, instance *runtime.ProcessInstance, state *model.StateDefinition, writes map[string]map[string]any) error {
	for objectId, submitted := range writes {
		perm := state.Permission(objectId)
		if perm == nil {
			return newTaskErrorf(ErrorCodePermissionDenied, "no access to object %s in this task", objectId)
		}
		objDef := instance.Model.Object(objectId)
		if objDef == nil {
			return newEngineErrorf("model %s references unknown object %s", instance.Model.Id, objectId)
		}
		obj, err := engine.objectInstance(ctx, uow, instance, objectId)
		if err != nil {
			return err
		}
		merged, err := mergeWrites(objDef.Attributes, perm.Attributes, obj.Values, submitted)
		if err != nil {
			return err
		}
		obj.Values = merged
		uow.objects[objectId] = obj
	}
	for i := range state.Permissions {
		perm := &state.Permissions[i]
		objDef := instance.Model.Object(perm.ObjectId)
		if objDef == nil {
			return newEngineErrorf("model %s references unknown object %s", instance.Model.Id, perm.ObjectId)
		}
		if !hasWritableAttribute(perm.Attributes) {
			continue
		}
		obj, err := engine.objectInstance(ctx, uow, instance, perm.ObjectId)
		if err != nil {
			return err
		}
		if err := enforceMandatory(objDef.Attributes, perm.Attributes, obj.Values); err != nil {
			return err
		}
		uow.objects[perm.ObjectId] = obj
	}
	for _, obj := range uow.objects {
		if err := uow.batch.SaveObjectInstance(ctx, *obj); err != nil {
			return fmt.Errorf("failed to save object instance %s: %w", obj.ObjectId, err)
		}
	}
	return nil
}

func hasWritableAttribute(perms []model.AttributePermission) bool {
	for i := range perms {
		if perms[i].Writable() || hasWritableAttribute(perms[i].Attributes) {
			return true
		}
	}
	return false
}

// objectInstance returns the unique instance of the object within the
// process instance, creating an empty one on first access.
func (engine *Engine) objectInstance(ctx context.Context, uow *unitOfWork, instance *runtime.ProcessInstance, objectId string) (*runtime.ObjectInstance, error) {
	if obj, ok := uow.objects[objectId]; ok {
		return obj, nil
	}
	obj, err := engine.persistence.FindObjectInstance(ctx, instance.Key, objectId)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("failed to load object instance %s: %w", objectId, err)
		}
		obj = runtime.ObjectInstance{
			Key:                engine.generateKey(),
			ProcessInstanceKey: instance.Key,
			ObjectId:           objectId,
			Values:             map[string]any{},
		}
	}
	if obj.Values == nil {
		obj.Values = map[string]any{}
	}
	uow.objects[objectId] = &obj
	return &obj, nil
}

// consumeMessage marks the oldest unconsumed message of the object consumed.
func consumeMessage(ctx context.Context, uow *unitOfWork, messages []runtime.Message, objectId string) error {
	for i := range messages {
		msg := messages[i]
		if msg.ObjectId != objectId || msg.Consumed || uow.consumed[msg.Key] {
			continue
		}
		msg.Consumed = true
		uow.consumed[msg.Key] = true
		if err := uow.batch.SaveMessage(ctx, msg); err != nil {
			return fmt.Errorf("failed to consume message %d: %w", msg.Key, err)
		}
		return nil
	}
	return newEngineErrorf("no unconsumed message of object %s to consume", objectId)
}

// emitMessage creates a message for the receiver named by the send state,
// creating the receiver subject on its first message. When the message
// unblocks the receiver, the receivers task surfaces (user subjects) or its
// provider is scheduled (service subjects).
func (engine *Engine) emitMessage(ctx context.Context, uow *unitOfWork, instance *runtime.ProcessInstance, senderDef *model.SubjectDefinition, state *model.StateDefinition) error {
	receiverDef := instance.Model.Subject(state.Receiver)
	if receiverDef == nil {
		return newEngineErrorf("send state %s references unknown subject %s", state.Id, state.Receiver)
	}
	receiver, created, err := engine.receiverSubject(ctx, uow, instance, receiverDef)
	if err != nil {
		return err
	}

	// a receiver created by this very message had no task anyone could have
	// seen, its first visible state is news
	visibleBefore := false
	if receiverDef.Id != senderDef.Id && !created {
		_, _, visibleBefore, err = engine.visibleState(ctx, uow, receiverDef, receiver)
		if err != nil {
			return err
		}
	}

	msg := runtime.Message{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		ReceiverSubjectKey: receiver.Key,
		SenderSubjectId:    senderDef.Id,
		ObjectId:           state.ObjectId,
		CreatedAt:          time.Now(),
	}
	if err := uow.batch.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}
	uow.messages[receiver.Key] = append(uow.messages[receiver.Key], msg)

	if receiverDef.Id == senderDef.Id {
		return nil
	}
	resolved, _, visibleAfter, err := engine.visibleState(ctx, uow, receiverDef, receiver)
	if err != nil {
		return err
	}
	if visibleBefore || !visibleAfter {
		return nil
	}
	switch receiver.Kind {
	case runtime.SubjectKindUser:
		engine.taskEventFanOut(uow.events, exporter.Created, receiverDef, receiver, resolved.State.Id)
	case runtime.SubjectKindService:
		if resolved.State.Provider != "" {
			uow.followUps = append(uow.followUps, engine.scheduleProviderRun(instance.Key, receiver.Key))
		}
	}
	return nil
}

// receiverSubject finds the one subject of the definition within the
// instance, creating it parked on its start state when it does not exist
// yet. The second return reports whether the subject was created just now.
func (engine *Engine) receiverSubject(ctx context.Context, uow *unitOfWork, instance *runtime.ProcessInstance, def *model.SubjectDefinition) (*runtime.Subject, bool, error) {
	for _, subject := range uow.subjects {
		if subject.ProcessInstanceKey == instance.Key && subject.SubjectId == def.Id {
			return subject, false, nil
		}
	}
	found, err := engine.persistence.FindSubjectBySubjectId(ctx, instance.Key, def.Id)
	if err == nil {
		uow.subjects[found.Key] = &found
		return &found, false, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, false, fmt.Errorf("failed to load subject %s of instance %d: %w", def.Id, instance.Key, err)
	}

	subject := &runtime.Subject{
		Key:                engine.generateKey(),
		ProcessInstanceKey: instance.Key,
		SubjectId:          def.Id,
		Kind:               subjectKindOf(def),
	}
	subject.AppendTrail(engine.generateKey(), def.StartStateId, time.Now())
	if err := uow.batch.SaveSubject(ctx, *subject); err != nil {
		return nil, false, fmt.Errorf("failed to save subject %s: %w", def.Id, err)
	}
	uow.subjects[subject.Key] = subject
	return subject, true, nil
}

func subjectKindOf(def *model.SubjectDefinition) runtime.SubjectKind {
	if def.IsService() {
		return runtime.SubjectKindService
	}
	return runtime.SubjectKindUser
}

// finishSubjectAdvance runs the automatic steps after a subjects raw state
// moved: synchronous sends complete in this unit of work, asynchronous ones
// and provider work are scheduled for after the commit. It then persists
// the subject, surfaces the next task and checks instance completion.
func (engine *Engine) finishSubjectAdvance(ctx context.Context, uow *unitOfWork, instance *runtime.ProcessInstance, def *model.SubjectDefinition, subject *runtime.Subject) error {
	sent := map[string]bool{}
	for {
		state := def.State(subject.CurrentStateId())
		if state == nil {
			return newEngineErrorf("subject %s references unknown state %s", def.Id, subject.CurrentStateId())
		}
		if state.Kind != model.StateKindSend {
			break
		}
		if sent[state.Id] {
			return newEngineErrorf("subject %s cycles through send state %s without reaching a function or receive state", def.Id, state.Id)
		}
		sent[state.Id] = true
		if !state.Synchronous {
			uow.followUps = append(uow.followUps, engine.scheduleSendContinuation(instance.Key, subject.Key))
			break
		}
		if err := engine.emitMessage(ctx, uow, instance, def, state); err != nil {
			return err
		}
		subject.AppendTrail(engine.generateKey(), state.Heads[0], time.Now())
	}

	resolved, _, visible, err := engine.visibleState(ctx, uow, def, subject)
	if err != nil {
		return err
	}
	// a subject resting on an end state has no next task to surface
	if visible && subject.Active(def) {
		switch subject.Kind {
		case runtime.SubjectKindUser:
			engine.taskEventFanOut(uow.events, exporter.Created, def, subject, resolved.State.Id)
		case runtime.SubjectKindService:
			if resolved.State.Provider != "" {
				uow.followUps = append(uow.followUps, engine.scheduleProviderRun(instance.Key, subject.Key))
			}
		}
	}

	if err := uow.batch.SaveSubject(ctx, *subject); err != nil {
		return fmt.Errorf("failed to save subject %d: %w", subject.Key, err)
	}
	uow.subjects[subject.Key] = subject

	return engine.checkInstanceCompletion(ctx, uow, instance)
}

// checkInstanceCompletion finishes the instance once every subject rests on
// an end state. Subjects not yet created do not block completion; they
// never got a message and never will, the conversation is over.
func (engine *Engine) checkInstanceCompletion(ctx context.Context, uow *unitOfWork, instance *runtime.ProcessInstance) error {
	if instance.Ended() {
		return nil
	}
	stored, err := engine.persistence.FindProcessInstanceSubjects(ctx, instance.Key)
	if err != nil {
		return fmt.Errorf("failed to load subjects of instance %d: %w", instance.Key, err)
	}
	subjects := map[int64]*runtime.Subject{}
	for i := range stored {
		subjects[stored[i].Key] = &stored[i]
	}
	for key, subject := range uow.subjects {
		subjects[key] = subject
	}
	for _, subject := range subjects {
		def := instance.Model.Subject(subject.SubjectId)
		if def == nil {
			return newEngineErrorf("subject %d references unknown subject definition %s", subject.Key, subject.SubjectId)
		}
		if subject.Active(def) {
			return nil
		}
	}

	instance.State = runtime.InstanceStateFinished
	instance.EndedAt = ptr.To(time.Now())
	if err := uow.batch.SaveProcessInstance(ctx, *instance); err != nil {
		return fmt.Errorf("failed to finish instance %d: %w", instance.Key, err)
	}
	uow.events.processInstanceEvent(exporter.Updated, instance, instance.StartedBy)
	engine.logger.Info("process instance finished", "processInstanceKey", instance.Key, "modelId", instance.Model.Id)
	return nil
}

// scheduleSendContinuation returns a follow-up that advances the subject
// over its asynchronous send state in a unit of work of its own.
func (engine *Engine) scheduleSendContinuation(processInstanceKey int64, subjectKey int64) func() {
	return func() {
		engine.wg.Add(1)
		go func() {
			defer engine.wg.Done()
			if engine.ctx.Err() != nil {
				return
			}
			if err := engine.continueSubject(engine.ctx, processInstanceKey, subjectKey); err != nil {
				engine.logger.Error("failed to continue subject after asynchronous send",
					"processInstanceKey", processInstanceKey, "subjectKey", subjectKey, "error", err)
			}
		}()
	}
}

// continueSubject performs the deferred hop over an asynchronous send state.
func (engine *Engine) continueSubject(ctx context.Context, processInstanceKey int64, subjectKey int64) error {
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
	def := instance.Model.Subject(subject.SubjectId)
	if def == nil {
		return newEngineErrorf("subject %d references unknown subject definition %s", subject.Key, subject.SubjectId)
	}
	state := def.State(subject.CurrentStateId())
	if state == nil || state.Kind != model.StateKindSend || state.Synchronous {
		// the subject moved on in the meantime, nothing left to do
		return nil
	}

	uow := engine.newUnitOfWork()
	uow.subjects[subject.Key] = &subject
	if err := engine.emitMessage(ctx, uow, &instance, def, state); err != nil {
		return err
	}
	subject.AppendTrail(engine.generateKey(), state.Heads[0], time.Now())
	if err := engine.finishSubjectAdvance(ctx, uow, &instance, def, &subject); err != nil {
		return err
	}
	return engine.commit(ctx, uow)
}
