package storage

import (
	"context"
	"errors"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
)

// ErrNotFound is returned by Find methods that look up one exact item.
var ErrNotFound = errors.New("not found")

// Storage is the complete persistence contract of the engine: durable,
// transactional storage with unique-id generation left to the engine.
// No technology is implied; inmemory ships with the module, persistent
// implementations plug in behind the same interface.
type Storage interface {
	ProcessModelStorageReader
	ProcessModelStorageWriter
	ProcessInstanceStorageReader
	ProcessInstanceStorageWriter
	SubjectStorageReader
	SubjectStorageWriter
	MessageStorageReader
	MessageStorageWriter
	ObjectInstanceStorageReader
	ObjectInstanceStorageWriter

	// GenerateId returns a key that is unique within this storage
	GenerateId() int64

	// NewBatch starts a unit of work. Statements queue up until Flush.
	NewBatch() Batch
}

// Batch collects writes of one unit of work and applies them atomically on
// Flush. OnCommit hooks run after the flush succeeded; they are dropped
// together with the queued statements if the batch is abandoned.
type Batch interface {
	ProcessInstanceStorageWriter
	SubjectStorageWriter
	MessageStorageWriter
	ObjectInstanceStorageWriter

	OnCommit(hook func())
	Flush(ctx context.Context) error
}

type ProcessModelStorageReader interface {
	// FindLatestProcessModelById returns the largest version stored for the model id
	FindLatestProcessModelById(ctx context.Context, modelId string) (model.ProcessModel, error)

	FindProcessModelByKey(ctx context.Context, modelKey int64) (model.ProcessModel, error)

	// FindProcessModelsById returns zero or many stored models with given ID,
	// ordered by version number, from 1 (first) to the largest version (last)
	FindProcessModelsById(ctx context.Context, modelId string) ([]model.ProcessModel, error)

	// FindActiveProcessModels returns the latest ACTIVE version of every model id
	FindActiveProcessModels(ctx context.Context) ([]model.ProcessModel, error)
}

type ProcessModelStorageWriter interface {
	// SaveProcessModel persists a ProcessModel
	// and potentially overwrites prior data stored with the given model key
	SaveProcessModel(ctx context.Context, processModel model.ProcessModel) error
}

type ProcessInstanceStorageReader interface {
	FindProcessInstanceByKey(ctx context.Context, processInstanceKey int64) (runtime.ProcessInstance, error)
}

type ProcessInstanceStorageWriter interface {
	// SaveProcessInstance persists the instance
	// and potentially overwrites prior data stored with given process instance key
	SaveProcessInstance(ctx context.Context, processInstance runtime.ProcessInstance) error
}

type SubjectStorageReader interface {
	FindSubjectByKey(ctx context.Context, subjectKey int64) (runtime.Subject, error)

	// FindProcessInstanceSubjects returns all subjects of the process instance
	FindProcessInstanceSubjects(ctx context.Context, processInstanceKey int64) ([]runtime.Subject, error)

	// FindSubjectBySubjectId returns the one subject created for the given
	// subject-model id within the process instance, or ErrNotFound
	FindSubjectBySubjectId(ctx context.Context, processInstanceKey int64, subjectId string) (runtime.Subject, error)

	// FindUserSubjects returns every user subject of every ACTIVE process instance
	FindUserSubjects(ctx context.Context) ([]runtime.Subject, error)
}

type SubjectStorageWriter interface {
	// SaveSubject persists the subject including its trail
	// and potentially overwrites prior data stored with given subject key
	SaveSubject(ctx context.Context, subject runtime.Subject) error
}

type MessageStorageReader interface {
	// FindSubjectMessages returns all messages addressed to the subject,
	// consumed or not, ordered by creation time
	FindSubjectMessages(ctx context.Context, receiverSubjectKey int64) ([]runtime.Message, error)
}

type MessageStorageWriter interface {
	// SaveMessage persists the message
	// and potentially overwrites prior data stored with given message key
	SaveMessage(ctx context.Context, message runtime.Message) error
}

type ObjectInstanceStorageReader interface {
	// FindObjectInstance returns the unique instance for the
	// (object definition, process instance) pair, or ErrNotFound
	FindObjectInstance(ctx context.Context, processInstanceKey int64, objectId string) (runtime.ObjectInstance, error)
}

type ObjectInstanceStorageWriter interface {
	// SaveObjectInstance persists the object instance
	// and potentially overwrites prior data stored with given key
	SaveObjectInstance(ctx context.Context, objectInstance runtime.ObjectInstance) error
}
