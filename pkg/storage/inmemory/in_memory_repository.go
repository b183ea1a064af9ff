// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package inmemory

import (
	"context"
	"errors"
	"math/rand"
	"slices"
	"strings"
	"sync"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
	"github.com/pbinitiative/zensbpm/pkg/storage"
)

// Storage keeps process information in memory,
// please use NewStorage to create a new object of this type.
type Storage struct {
	mu               sync.RWMutex
	ProcessModels    map[int64]model.ProcessModel
	ProcessInstances map[int64]runtime.ProcessInstance
	Subjects         map[int64]runtime.Subject
	Messages         map[int64]runtime.Message
	ObjectInstances  map[int64]runtime.ObjectInstance
}

func (mem *Storage) GenerateId() int64 {
	return rand.Int63()
}

func NewStorage() *Storage {
	return &Storage{
		ProcessModels:    make(map[int64]model.ProcessModel),
		ProcessInstances: make(map[int64]runtime.ProcessInstance),
		Subjects:         make(map[int64]runtime.Subject),
		Messages:         make(map[int64]runtime.Message),
		ObjectInstances:  make(map[int64]runtime.ObjectInstance),
	}
}

var _ storage.Storage = &Storage{}

func (mem *Storage) NewBatch() storage.Batch {
	return &StorageBatch{
		db:        mem,
		stmtToRun: make([]func() error, 0, 10),
	}
}

var _ storage.ProcessModelStorageReader = &Storage{}

func (mem *Storage) FindLatestProcessModelById(ctx context.Context, modelId string) (model.ProcessModel, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res model.ProcessModel
	found := false
	for _, m := range mem.ProcessModels {
		if m.Id != modelId {
			continue
		}
		if found && m.Version < res.Version {
			continue
		}
		found = true
		res = m
	}
	if !found {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessModelByKey(ctx context.Context, modelKey int64) (model.ProcessModel, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessModels[modelKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessModelsById(ctx context.Context, modelId string) ([]model.ProcessModel, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]model.ProcessModel, 0)
	for _, m := range mem.ProcessModels {
		if m.Id != modelId {
			continue
		}
		res = append(res, m)
	}
	slices.SortFunc(res, func(a, b model.ProcessModel) int {
		return int(a.Version - b.Version)
	})
	return res, nil
}

func (mem *Storage) FindActiveProcessModels(ctx context.Context) ([]model.ProcessModel, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	latest := make(map[string]model.ProcessModel)
	for _, m := range mem.ProcessModels {
		if cur, ok := latest[m.Id]; ok && cur.Version >= m.Version {
			continue
		}
		latest[m.Id] = m
	}
	res := make([]model.ProcessModel, 0, len(latest))
	for _, m := range latest {
		if m.State != model.ModelStateActive {
			continue
		}
		res = append(res, m)
	}
	slices.SortFunc(res, func(a, b model.ProcessModel) int {
		return strings.Compare(a.Id, b.Id)
	})
	return res, nil
}

var _ storage.ProcessModelStorageWriter = &Storage{}

func (mem *Storage) SaveProcessModel(ctx context.Context, processModel model.ProcessModel) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessModels[processModel.Key] = processModel
	return nil
}

var _ storage.ProcessInstanceStorageReader = &Storage{}

func (mem *Storage) FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.ProcessInstances[processInstanceKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

var _ storage.ProcessInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ProcessInstances[processInstance.Key] = processInstance
	return nil
}

var _ storage.SubjectStorageReader = &Storage{}

func (mem *Storage) FindSubjectByKey(ctx context.Context, subjectKey int64) (runtime.Subject, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res, ok := mem.Subjects[subjectKey]
	if !ok {
		return res, storage.ErrNotFound
	}
	return res, nil
}

func (mem *Storage) FindProcessInstanceSubjects(ctx context.Context, processInstanceKey int64) ([]runtime.Subject, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Subject, 0)
	for _, sub := range mem.Subjects {
		if sub.ProcessInstanceKey != processInstanceKey {
			continue
		}
		res = append(res, sub)
	}
	slices.SortFunc(res, func(a, b runtime.Subject) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

func (mem *Storage) FindSubjectBySubjectId(ctx context.Context, processInstanceKey int64, subjectId string) (runtime.Subject, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.Subject
	for _, sub := range mem.Subjects {
		if sub.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if sub.SubjectId != subjectId {
			continue
		}
		return sub, nil
	}
	return res, storage.ErrNotFound
}

func (mem *Storage) FindUserSubjects(ctx context.Context) ([]runtime.Subject, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Subject, 0)
	for _, sub := range mem.Subjects {
		if sub.Kind != runtime.SubjectKindUser {
			continue
		}
		instance, ok := mem.ProcessInstances[sub.ProcessInstanceKey]
		if !ok || instance.State != runtime.InstanceStateActive {
			continue
		}
		res = append(res, sub)
	}
	slices.SortFunc(res, func(a, b runtime.Subject) int {
		return int(a.Key - b.Key)
	})
	return res, nil
}

var _ storage.SubjectStorageWriter = &Storage{}

func (mem *Storage) SaveSubject(ctx context.Context, subject runtime.Subject) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Subjects[subject.Key] = subject
	return nil
}

var _ storage.MessageStorageReader = &Storage{}

func (mem *Storage) FindSubjectMessages(ctx context.Context, receiverSubjectKey int64) ([]runtime.Message, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	res := make([]runtime.Message, 0)
	for _, msg := range mem.Messages {
		if msg.ReceiverSubjectKey != receiverSubjectKey {
			continue
		}
		res = append(res, msg)
	}
	slices.SortFunc(res, func(a, b runtime.Message) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return int(a.Key - b.Key)
		}
		if a.CreatedAt.Before(b.CreatedAt) {
			return -1
		}
		return 1
	})
	return res, nil
}

var _ storage.MessageStorageWriter = &Storage{}

func (mem *Storage) SaveMessage(ctx context.Context, message runtime.Message) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.Messages[message.Key] = message
	return nil
}

var _ storage.ObjectInstanceStorageReader = &Storage{}

func (mem *Storage) FindObjectInstance(ctx context.Context, processInstanceKey int64, objectId string) (runtime.ObjectInstance, error) {
	mem.mu.RLock()
	defer mem.mu.RUnlock()
	var res runtime.ObjectInstance
	for _, obj := range mem.ObjectInstances {
		if obj.ProcessInstanceKey != processInstanceKey {
			continue
		}
		if obj.ObjectId != objectId {
			continue
		}
		return obj, nil
	}
	return res, storage.ErrNotFound
}

var _ storage.ObjectInstanceStorageWriter = &Storage{}

func (mem *Storage) SaveObjectInstance(ctx context.Context, objectInstance runtime.ObjectInstance) error {
	mem.mu.Lock()
	defer mem.mu.Unlock()
	mem.ObjectInstances[objectInstance.Key] = objectInstance
	return nil
}

// StorageBatch queues statements and commit hooks until Flush.
type StorageBatch struct {
	db        *Storage
	stmtToRun []func() error
	onCommit  []func()
}

var _ storage.Batch = &StorageBatch{}

func (b *StorageBatch) OnCommit(hook func()) {
	b.onCommit = append(b.onCommit, hook)
}

func (b *StorageBatch) Flush(ctx context.Context) error {
	var joinErr error
	for _, stmt := range b.stmtToRun {
		err := stmt()
		if err != nil {
			joinErr = errors.Join(joinErr, err)
		}
	}
	if joinErr != nil {
		return joinErr
	}
	b.stmtToRun = make([]func() error, 0)
	hooks := b.onCommit
	b.onCommit = nil
	for _, hook := range hooks {
		hook()
	}
	return nil
}

var _ storage.ProcessInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveProcessInstance(ctx, processInstance)
	})
	return nil
}

var _ storage.SubjectStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveSubject(ctx context.Context, subject runtime.Subject) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveSubject(ctx, subject)
	})
	return nil
}

var _ storage.MessageStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveMessage(ctx context.Context, message runtime.Message) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveMessage(ctx, message)
	})
	return nil
}

var _ storage.ObjectInstanceStorageWriter = &StorageBatch{}

func (b *StorageBatch) SaveObjectInstance(ctx context.Context, objectInstance runtime.ObjectInstance) error {
	b.stmtToRun = append(b.stmtToRun, func() error {
		return b.db.SaveObjectInstance(ctx, objectInstance)
	})
	return nil
}
