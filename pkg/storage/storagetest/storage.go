package storagetest

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	stdruntime "runtime"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	sbpmruntime "github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
	"github.com/pbinitiative/zensbpm/pkg/storage"
	"github.com/stretchr/testify/assert"
)

type StorageTestFunc func(s storage.Storage, t *testing.T) func(t *testing.T)

// StorageTester is a reusable conformance suite for storage implementations.
type StorageTester struct {
	processModel    model.ProcessModel
	processInstance sbpmruntime.ProcessInstance
}

func (st *StorageTester) GetTests() map[string]StorageTestFunc {
	tests := map[string]StorageTestFunc{}

	// all test functions need to be registered here
	functions := []StorageTestFunc{
		st.TestProcessModelStorageWriter,
		st.TestProcessModelStorageReader,
		st.TestProcessInstanceStorageWriter,
		st.TestProcessInstanceStorageReader,
		st.TestSubjectStorageWriter,
		st.TestSubjectStorageReader,
		st.TestMessageStorage,
		st.TestObjectInstanceStorage,
		st.TestBatchAtomicity,
	}

	for _, function := range functions {
		funcName := getFunctionName(function)
		strippedName := funcName[strings.LastIndex(funcName, ".")+1:]
		tests[strippedName] = function
	}
	return tests
}

func getFunctionName(i any) string {
	return stdruntime.FuncForPC(reflect.ValueOf(i).Pointer()).Name()
}

func getProcessModel(r int64) model.ProcessModel {
	return model.ProcessModel{
		Id:      fmt.Sprintf("id-%d", r),
		Name:    "aName",
		Version: 1,
		Key:     r,
		State:   model.ModelStateActive,
		Subjects: []model.SubjectDefinition{
			{
				Id:           "worker",
				Starter:      true,
				Roles:        []string{"worker"},
				StartStateId: "work",
				States: []model.StateDefinition{
					{Id: "work", Kind: model.StateKindFunction, Heads: []string{"done"}},
					{Id: "done", Kind: model.StateKindFunction, End: true},
				},
			},
		},
		Data:         fmt.Sprintf("id: id-%d", r),
		ResourceName: fmt.Sprintf("resource-%d", r),
		Checksum:     [16]byte{1},
	}
}

func getProcessInstance(r int64, m model.ProcessModel) sbpmruntime.ProcessInstance {
	return sbpmruntime.ProcessInstance{
		Key:       r,
		ModelKey:  m.Key,
		State:     sbpmruntime.InstanceStateActive,
		StartedBy: "tester",
		CreatedAt: time.Now(),
	}
}

// PrepareTestData will prepare common data for the tests
func (st *StorageTester) PrepareTestData(s storage.Storage, t *testing.T) {
	r := s.GenerateId()

	st.processModel = getProcessModel(r)
	err := s.SaveProcessModel(t.Context(), st.processModel)
	assert.NoError(t, err)

	st.processInstance = getProcessInstance(r, st.processModel)
	err = s.SaveProcessInstance(t.Context(), st.processInstance)
	assert.NoError(t, err)
}

func (st *StorageTester) TestProcessModelStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		m := getProcessModel(r)

		err := s.SaveProcessModel(t.Context(), m)
		assert.NoError(t, err)

		stored, err := s.FindProcessModelByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, m.Id, stored.Id)
		assert.Equal(t, m.Checksum, stored.Checksum)
	}
}

func (st *StorageTester) TestProcessModelStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		v1 := getProcessModel(r)
		err := s.SaveProcessModel(t.Context(), v1)
		assert.NoError(t, err)

		v2 := getProcessModel(s.GenerateId())
		v2.Id = v1.Id
		v2.Version = 2
		err = s.SaveProcessModel(t.Context(), v2)
		assert.NoError(t, err)

		latest, err := s.FindLatestProcessModelById(t.Context(), v1.Id)
		assert.NoError(t, err)
		assert.Equal(t, int32(2), latest.Version)

		versions, err := s.FindProcessModelsById(t.Context(), v1.Id)
		assert.NoError(t, err)
		assert.Len(t, versions, 2)
		assert.Equal(t, int32(1), versions[0].Version)
		assert.Equal(t, int32(2), versions[1].Version)

		_, err = s.FindLatestProcessModelById(t.Context(), "missing-model")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		active, err := s.FindActiveProcessModels(t.Context())
		assert.NoError(t, err)
		assert.NotEmpty(t, active)
		for _, m := range active {
			assert.Equal(t, model.ModelStateActive, m.State)
		}
	}
}

func (st *StorageTester) TestProcessInstanceStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		instance := getProcessInstance(r, st.processModel)

		err := s.SaveProcessInstance(t.Context(), instance)
		assert.NoError(t, err)

		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, instance.Key, stored.Key)
		assert.Equal(t, sbpmruntime.InstanceStateActive, stored.State)
	}
}

func (st *StorageTester) TestProcessInstanceStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		_, err := s.FindProcessInstanceByKey(t.Context(), -42)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestSubjectStorageWriter(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		subject := sbpmruntime.Subject{
			Key:                r,
			ProcessInstanceKey: st.processInstance.Key,
			SubjectId:          "worker",
			Kind:               sbpmruntime.SubjectKindUser,
		}
		subject.AppendTrail(s.GenerateId(), "work", time.Now())

		err := s.SaveSubject(t.Context(), subject)
		assert.NoError(t, err)

		stored, err := s.FindSubjectByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, "worker", stored.SubjectId)
		assert.Len(t, stored.Trail, 1)
	}
}

func (st *StorageTester) TestSubjectStorageReader(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		subject := sbpmruntime.Subject{
			Key:                r,
			ProcessInstanceKey: st.processInstance.Key,
			SubjectId:          fmt.Sprintf("subject-%d", r),
			Kind:               sbpmruntime.SubjectKindUser,
		}
		err := s.SaveSubject(t.Context(), subject)
		assert.NoError(t, err)

		byId, err := s.FindSubjectBySubjectId(t.Context(), st.processInstance.Key, subject.SubjectId)
		assert.NoError(t, err)
		assert.Equal(t, r, byId.Key)

		subjects, err := s.FindProcessInstanceSubjects(t.Context(), st.processInstance.Key)
		assert.NoError(t, err)
		assert.NotEmpty(t, subjects)

		userSubjects, err := s.FindUserSubjects(t.Context())
		assert.NoError(t, err)
		found := false
		for _, sub := range userSubjects {
			if sub.Key == r {
				found = true
			}
		}
		assert.True(t, found, "expected subject %d among user subjects of active instances", r)

		_, err = s.FindSubjectBySubjectId(t.Context(), st.processInstance.Key, "missing-subject")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestMessageStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		receiver := s.GenerateId()
		older := sbpmruntime.Message{
			Key:                s.GenerateId(),
			ProcessInstanceKey: st.processInstance.Key,
			ReceiverSubjectKey: receiver,
			SenderSubjectId:    "worker",
			ObjectId:           "order",
			CreatedAt:          time.Now().Add(-time.Minute),
		}
		newer := sbpmruntime.Message{
			Key:                s.GenerateId(),
			ProcessInstanceKey: st.processInstance.Key,
			ReceiverSubjectKey: receiver,
			SenderSubjectId:    "worker",
			ObjectId:           "invoice",
			CreatedAt:          time.Now(),
		}
		assert.NoError(t, s.SaveMessage(t.Context(), newer))
		assert.NoError(t, s.SaveMessage(t.Context(), older))

		messages, err := s.FindSubjectMessages(t.Context(), receiver)
		assert.NoError(t, err)
		assert.Len(t, messages, 2)
		assert.Equal(t, older.Key, messages[0].Key, "messages must be ordered by creation time")
	}
}

func (st *StorageTester) TestObjectInstanceStorage(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		obj := sbpmruntime.ObjectInstance{
			Key:                s.GenerateId(),
			ProcessInstanceKey: st.processInstance.Key,
			ObjectId:           fmt.Sprintf("object-%d", s.GenerateId()),
			Values:             map[string]any{"amount": 42},
		}
		assert.NoError(t, s.SaveObjectInstance(t.Context(), obj))

		stored, err := s.FindObjectInstance(t.Context(), st.processInstance.Key, obj.ObjectId)
		assert.NoError(t, err)
		assert.Equal(t, obj.Key, stored.Key)

		_, err = s.FindObjectInstance(t.Context(), st.processInstance.Key, "missing-object")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func (st *StorageTester) TestBatchAtomicity(s storage.Storage, t *testing.T) func(t *testing.T) {
	return func(t *testing.T) {
		r := s.GenerateId()
		instance := getProcessInstance(r, st.processModel)

		batch := s.NewBatch()
		committed := false
		batch.OnCommit(func() { committed = true })
		assert.NoError(t, batch.SaveProcessInstance(t.Context(), instance))

		// nothing visible and no hooks fired before Flush
		_, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		assert.False(t, committed)

		assert.NoError(t, batch.Flush(t.Context()))

		stored, err := s.FindProcessInstanceByKey(t.Context(), r)
		assert.NoError(t, err)
		assert.Equal(t, r, stored.Key)
		assert.True(t, committed)
	}
}
