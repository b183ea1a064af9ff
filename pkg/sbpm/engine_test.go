package sbpm

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/exporter"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/pbinitiative/zensbpm/pkg/sbpm/runtime"
	"github.com/pbinitiative/zensbpm/pkg/script/js"
	"github.com/pbinitiative/zensbpm/pkg/storage/inmemory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sbpmEngine Engine
var engineStorage *inmemory.Storage
var directory *StaticUserDirectory

func TestMain(m *testing.M) {
	engineStorage = inmemory.NewStorage()
	directory = NewStaticUserDirectory(map[string][]string{
		"alice": {"customer"},
		"bob":   {"clerk"},
		"carol": {"clerk"},
		"dave":  {"worker"},
		"dana":  {"worker"},
		"erin":  {"chooser"},
		"frank": {"listener"},
		"grace": {"requester"},
	})

	var exitCode int

	defer func() {
		os.Exit(exitCode)
	}()

	jsRuntime := js.NewJsRuntime(context.Background(), 4, 1)
	sbpmEngine = NewEngine(
		EngineWithStorage(engineStorage),
		EngineWithDirectory(directory),
		EngineWithProvider("js", NewJsTaskProvider(jsRuntime)),
		EngineWithLogger(hclog.NewNullLogger()),
	)

	// Run the tests
	exitCode = m.Run()
	sbpmEngine.Stop()
}

func loadModel(t *testing.T, file string) *model.ProcessModel {
	m, err := sbpmEngine.LoadFromFile(t.Context(), "./test-cases/"+file)
	require.NoError(t, err)
	return m
}

// openTask finds the task of the user on the given instance and state;
// fails the test when it is not there.
func openTask(t *testing.T, userId string, processInstanceKey int64, stateId string) Task {
	tasks, err := sbpmEngine.GetOpenTasks(t.Context(), userId)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ProcessInstanceKey == processInstanceKey && task.StateId == stateId {
			return task
		}
	}
	require.Failf(t, "task not found", "no open task %s on instance %d for user %s", stateId, processInstanceKey, userId)
	return Task{}
}

func hasOpenTask(t *testing.T, userId string, processInstanceKey int64, stateId string) bool {
	tasks, err := sbpmEngine.GetOpenTasks(t.Context(), userId)
	require.NoError(t, err)
	for _, task := range tasks {
		if task.ProcessInstanceKey == processInstanceKey && task.StateId == stateId {
			return true
		}
	}
	return false
}

func TestStartProcessSurfacesStarterTask(t *testing.T) {
	loadModel(t, "order_process.yaml")

	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, instance.State)
	assert.Equal(t, "alice", instance.StartedBy)

	task := openTask(t, "alice", instance.Key, "fill_order")
	assert.Equal(t, "customer", task.SubjectId)

	// the clerk subject does not exist before its first message
	_, err = engineStorage.FindSubjectBySubjectId(t.Context(), instance.Key, "clerk")
	assert.Error(t, err)
}

func TestStartProcessRequiresStarterRole(t *testing.T) {
	loadModel(t, "order_process.yaml")

	_, err := sbpmEngine.StartProcess(t.Context(), "order-process", "bob")
	assert.Equal(t, ErrorCodePermissionDenied, CodeOf(err))
}

func TestOrderProcessRunsToCompletion(t *testing.T) {
	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)

	task := openTask(t, "alice", instance.Key, "fill_order")
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes: map[string]map[string]any{
			"order": {"item": "books", "quantity": "3"},
		},
	})
	require.NoError(t, err)

	// the synchronous send delivered the order, the clerks task is visible
	review := openTask(t, "bob", instance.Key, "review")
	details, err := sbpmEngine.GetTaskDetails(t.Context(), review.SubjectKey, "bob")
	require.NoError(t, err)
	assert.Equal(t, "books", details.Data["order"]["item"])

	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: review.SubjectKey,
		UserId:     "bob",
		LastSeen:   review.LastChanged,
		Writes: map[string]map[string]any{
			"confirmation": {"approved": "yes"},
		},
	})
	require.NoError(t, err)

	done := openTask(t, "alice", instance.Key, "done")
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: done.SubjectKey,
		UserId:     "alice",
		LastSeen:   done.LastChanged,
	})
	require.NoError(t, err)

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateFinished, stored.State)
	require.NotNil(t, stored.EndedAt)

	trail, err := sbpmEngine.GetAuditTrail(t.Context(), instance.Key)
	require.NoError(t, err)
	require.NotEmpty(t, trail)
	for i := 1; i < len(trail); i++ {
		assert.False(t, trail[i].EnteredAt.Before(trail[i-1].EnteredAt))
	}
}

func TestMandatoryFieldMissing(t *testing.T) {
	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)

	task := openTask(t, "alice", instance.Key, "fill_order")
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
	})
	assert.Equal(t, ErrorCodeMandatoryFieldMissing, CodeOf(err))

	// nothing moved, the task is still open with the same token
	again := openTask(t, "alice", instance.Key, "fill_order")
	assert.Equal(t, task.LastChanged, again.LastChanged)
}

func TestMandatoryDefaultApplies(t *testing.T) {
	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)

	task := openTask(t, "alice", instance.Key, "fill_order")
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes: map[string]map[string]any{
			"order": {"item": "books"},
		},
	})
	require.NoError(t, err)

	obj, err := engineStorage.FindObjectInstance(t.Context(), instance.Key, "order")
	require.NoError(t, err)
	assert.Equal(t, "1", obj.Values["quantity"])
}

func TestWriteWithoutPermissionRejected(t *testing.T) {
	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)

	task := openTask(t, "alice", instance.Key, "fill_order")

	// note has no permission entry on fill_order
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes: map[string]map[string]any{
			"order": {"item": "books", "note": "sneaky"},
		},
	})
	assert.Equal(t, ErrorCodePermissionDenied, CodeOf(err))

	// confirmation is not bound to fill_order at all
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes: map[string]map[string]any{
			"confirmation": {"approved": "yes"},
		},
	})
	assert.Equal(t, ErrorCodePermissionDenied, CodeOf(err))
}

func TestReadViewFiltersUnpermittedAttributes(t *testing.T) {
	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)

	task := openTask(t, "alice", instance.Key, "fill_order")
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes: map[string]map[string]any{
			"order": {"item": "books"},
		},
	})
	require.NoError(t, err)

	review := openTask(t, "bob", instance.Key, "review")
	details, err := sbpmEngine.GetTaskDetails(t.Context(), review.SubjectKey, "bob")
	require.NoError(t, err)

	// review reads item and quantity but the order object carries no note yet;
	// alice in turn never sees the clerks note permission
	assert.Contains(t, details.Data["order"], "item")
	assert.Contains(t, details.Data["order"], "quantity")
	assert.NotContains(t, details.Data["order"], "note")
}

func TestStaleTokenRejected(t *testing.T) {
	loadModel(t, "cycle.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "loop-process", "dave")
	require.NoError(t, err)

	task := openTask(t, "dave", instance.Key, "collect")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "dave",
		LastSeen:   task.LastChanged,
	}))

	// check is visible now; the replay carries the token captured before
	// the first execution
	openTask(t, "dave", instance.Key, "check")
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "dave",
		LastSeen:   task.LastChanged,
	})
	assert.Equal(t, ErrorCodeOutOfDate, CodeOf(err))
}

func TestReplayOnBlockedReceiveNotAvailable(t *testing.T) {
	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)

	task := openTask(t, "alice", instance.Key, "fill_order")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes: map[string]map[string]any{
			"order": {"item": "books"},
		},
	}))

	// the customer parks on the blocked confirmation receive; there is no
	// actionable state, which outranks the stale token
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
	})
	assert.Equal(t, ErrorCodeTaskNotAvailable, CodeOf(err))
}

func TestInvalidTransitionChoices(t *testing.T) {
	loadModel(t, "cycle.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "loop-process", "dave")
	require.NoError(t, err)

	task := openTask(t, "dave", instance.Key, "collect")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "dave",
		LastSeen:   task.LastChanged,
	}))

	check := openTask(t, "dave", instance.Key, "check")

	// check has two heads, the choice may not be omitted
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: check.SubjectKey,
		UserId:     "dave",
		LastSeen:   check.LastChanged,
	})
	assert.Equal(t, ErrorCodeInvalidTransition, CodeOf(err))

	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey:  check.SubjectKey,
		UserId:      "dave",
		LastSeen:    check.LastChanged,
		NextStateId: "done",
	})
	assert.Equal(t, ErrorCodeInvalidTransition, CodeOf(err))
}

func TestCycleRevisitsStates(t *testing.T) {
	loadModel(t, "cycle.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "loop-process", "dave")
	require.NoError(t, err)

	// collect -> check -> collect -> check -> finish
	task := openTask(t, "dave", instance.Key, "collect")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey, UserId: "dave", LastSeen: task.LastChanged,
	}))
	task = openTask(t, "dave", instance.Key, "check")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey, UserId: "dave", LastSeen: task.LastChanged, NextStateId: "collect",
	}))
	task = openTask(t, "dave", instance.Key, "collect")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey, UserId: "dave", LastSeen: task.LastChanged,
	}))
	task = openTask(t, "dave", instance.Key, "check")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey, UserId: "dave", LastSeen: task.LastChanged, NextStateId: "finish",
	}))

	subject, err := engineStorage.FindSubjectByKey(t.Context(), task.SubjectKey)
	require.NoError(t, err)
	var visited []string
	for _, entry := range subject.Trail {
		visited = append(visited, entry.StateId)
	}
	assert.Equal(t, []string{"collect", "check", "collect", "check", "finish"}, visited)

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateFinished, stored.State)
}

func TestFirstExecutionClaimsSubject(t *testing.T) {
	loadModel(t, "cycle.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "loop-process", "dave")
	require.NoError(t, err)

	// both workers see the unbound task
	task := openTask(t, "dave", instance.Key, "collect")
	openTask(t, "dana", instance.Key, "collect")

	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey, UserId: "dave", LastSeen: task.LastChanged,
	}))

	subject, err := engineStorage.FindSubjectByKey(t.Context(), task.SubjectKey)
	require.NoError(t, err)
	assert.Equal(t, "dave", subject.BoundUser)

	// the follow-up task belongs to dave alone now
	assert.False(t, hasOpenTask(t, "dana", instance.Key, "check"))
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey:  task.SubjectKey,
		UserId:      "dana",
		LastSeen:    subject.LastChanged(),
		NextStateId: "finish",
	})
	assert.Equal(t, ErrorCodeUserMismatch, CodeOf(err))
}

func TestReceiveChoiceFollowsPendingMessage(t *testing.T) {
	loadModel(t, "receive_choice.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "choice-process", "erin")
	require.NoError(t, err)

	task := openTask(t, "erin", instance.Key, "pick")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey:  task.SubjectKey,
		UserId:      "erin",
		LastSeen:    task.LastChanged,
		NextStateId: "send_rejection",
	}))

	// the rejection message selects the matching transition of the
	// listeners receive state; the offer branch stays invisible
	openTask(t, "frank", instance.Key, "got_rejection")
	assert.False(t, hasOpenTask(t, "frank", instance.Key, "got_offer"))
}

func TestStopProcessCancelsAndHidesTasks(t *testing.T) {
	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)
	task := openTask(t, "alice", instance.Key, "fill_order")

	err = sbpmEngine.StopProcess(t.Context(), instance.Key, "carol")
	assert.Equal(t, ErrorCodePermissionDenied, CodeOf(err))

	require.NoError(t, sbpmEngine.StopProcess(t.Context(), instance.Key, "alice"))

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateCancelledByUser, stored.State)
	require.NotNil(t, stored.EndedAt)

	assert.False(t, hasOpenTask(t, "alice", instance.Key, "fill_order"))
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes:     map[string]map[string]any{"order": {"item": "books"}},
	})
	assert.Equal(t, ErrorCodeTaskNotAvailable, CodeOf(err))

	// the trail survives cancellation for audit
	trail, err := sbpmEngine.GetAuditTrail(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.NotEmpty(t, trail)

	// stopping an ended instance is a no-op
	require.NoError(t, sbpmEngine.StopProcess(t.Context(), instance.Key, "alice"))
}

// recordingExporter captures committed events for assertions.
type recordingExporter struct {
	mu     sync.Mutex
	events []any
}

func (r *recordingExporter) record(event any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingExporter) ProcessModelEvent(event *exporter.ProcessModelEvent) { r.record(event) }
func (r *recordingExporter) ProcessInstanceEvent(event *exporter.ProcessInstanceEvent) {
	r.record(event)
}
func (r *recordingExporter) TaskEvent(event *exporter.TaskEvent) { r.record(event) }
func (r *recordingExporter) RoleEvent(event *exporter.RoleEvent) { r.record(event) }
func (r *recordingExporter) UserEvent(event *exporter.UserEvent) { r.record(event) }

func (r *recordingExporter) forInstance(processInstanceKey int64) []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var res []any
	for _, event := range r.events {
		switch e := event.(type) {
		case *exporter.ProcessInstanceEvent:
			if e.ProcessInstanceKey == processInstanceKey {
				res = append(res, e)
			}
		case *exporter.TaskEvent:
			if e.ProcessInstanceKey == processInstanceKey {
				res = append(res, e)
			}
		}
	}
	return res
}

func TestEventsPublishedOnlyOnCommit(t *testing.T) {
	recorder := &recordingExporter{}
	sbpmEngine.AddEventExporter(recorder)

	loadModel(t, "order_process.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "order-process", "alice")
	require.NoError(t, err)

	// starting published the instance event and the starter task event
	events := recorder.forInstance(instance.Key)
	require.NotEmpty(t, events)

	task := openTask(t, "alice", instance.Key, "fill_order")

	// a failing execution publishes nothing
	before := len(recorder.forInstance(instance.Key))
	err = sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
	})
	require.Equal(t, ErrorCodeMandatoryFieldMissing, CodeOf(err))
	assert.Equal(t, before, len(recorder.forInstance(instance.Key)))

	// a successful execution publishes the task hand-over in one batch:
	// the executed task disappears, the clerks task appears for both clerks
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "alice",
		LastSeen:   task.LastChanged,
		Writes:     map[string]map[string]any{"order": {"item": "books"}},
	}))
	var deleted, created []string
	for _, event := range recorder.forInstance(instance.Key) {
		if e, ok := event.(*exporter.TaskEvent); ok {
			switch e.Intent {
			case exporter.Deleted:
				deleted = append(deleted, e.StateId+":"+e.UserId)
			case exporter.Created:
				created = append(created, e.StateId+":"+e.UserId)
			}
		}
	}
	assert.Contains(t, deleted, "fill_order:alice")
	assert.Contains(t, created, "review:bob")
	assert.Contains(t, created, "review:carol")
}

func TestFirstMessageSurfacesFunctionStartTask(t *testing.T) {
	recorder := &recordingExporter{}
	sbpmEngine.AddEventExporter(recorder)

	// the readers start state is a function, directly visible the moment
	// the subject comes into existence on its first message
	doc := `
id: notify-process
name: Notify
objects:
  - id: note
    attributes:
      - id: text
subjects:
  - id: greeter
    starter: true
    roles: [requester]
    startState: compose
    states:
      - id: compose
        kind: FUNCTION
        heads: [send_note]
      - id: send_note
        kind: SEND
        heads: [greeter_done]
        receiver: reader
        object: note
        synchronous: true
      - id: greeter_done
        kind: FUNCTION
        end: true
  - id: reader
    roles: [clerk]
    startState: ack
    states:
      - id: ack
        name: Acknowledge
        kind: FUNCTION
        heads: [take]
      - id: take
        kind: RECEIVE
        transitions:
          - object: note
            head: reader_done
      - id: reader_done
        kind: FUNCTION
        end: true
`
	_, err := sbpmEngine.LoadFromBytes(t.Context(), []byte(doc))
	require.NoError(t, err)
	instance, err := sbpmEngine.StartProcess(t.Context(), "notify-process", "grace")
	require.NoError(t, err)

	task := openTask(t, "grace", instance.Key, "compose")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "grace",
		LastSeen:   task.LastChanged,
	}))

	var created []string
	for _, event := range recorder.forInstance(instance.Key) {
		if e, ok := event.(*exporter.TaskEvent); ok && e.Intent == exporter.Created {
			created = append(created, e.StateId+":"+e.UserId)
		}
	}
	assert.Contains(t, created, "ack:bob")
	assert.Contains(t, created, "ack:carol")
}

func TestStartProcessCreatesAllStartersBeforeCompletion(t *testing.T) {
	// the observer is born on an end state; the instance must still wait
	// for the runner
	doc := `
id: audit-process
name: Audit
subjects:
  - id: observer
    starter: true
    roles: [worker]
    startState: noted
    states:
      - id: noted
        kind: FUNCTION
        end: true
  - id: runner
    starter: true
    roles: [worker]
    startState: run
    states:
      - id: run
        kind: FUNCTION
        heads: [runner_done]
      - id: runner_done
        kind: FUNCTION
        end: true
`
	_, err := sbpmEngine.LoadFromBytes(t.Context(), []byte(doc))
	require.NoError(t, err)
	instance, err := sbpmEngine.StartProcess(t.Context(), "audit-process", "dave")
	require.NoError(t, err)

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateActive, stored.State)

	task := openTask(t, "dave", instance.Key, "run")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "dave",
		LastSeen:   task.LastChanged,
	}))

	stored, err = engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateFinished, stored.State)
}

func TestServiceSubjectRunsProvider(t *testing.T) {
	loadModel(t, "service_script.yaml")
	instance, err := sbpmEngine.StartProcess(t.Context(), "service-process", "grace")
	require.NoError(t, err)

	task := openTask(t, "grace", instance.Key, "prepare")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: task.SubjectKey,
		UserId:     "grace",
		LastSeen:   task.LastChanged,
		Writes:     map[string]map[string]any{"request": {"amount": "100"}},
	}))

	// the scorer runs asynchronously: wait for its result message to
	// surface the requesters final task
	assert.Eventually(t, func() bool {
		return hasOpenTask(t, "grace", instance.Key, "finished")
	}, 5*time.Second, 20*time.Millisecond)

	finished := openTask(t, "grace", instance.Key, "finished")
	require.NoError(t, sbpmEngine.ExecuteTask(t.Context(), ExecuteTaskRequest{
		SubjectKey: finished.SubjectKey,
		UserId:     "grace",
		LastSeen:   finished.LastChanged,
	}))

	stored, err := engineStorage.FindProcessInstanceByKey(t.Context(), instance.Key)
	require.NoError(t, err)
	assert.Equal(t, runtime.InstanceStateFinished, stored.State)

	// the scorer subject was created on demand and claimed by nobody
	scorer, err := engineStorage.FindSubjectBySubjectId(t.Context(), instance.Key, "scorer")
	require.NoError(t, err)
	assert.Equal(t, runtime.SubjectKindService, scorer.Kind)
	assert.Equal(t, "", scorer.BoundUser)
}
