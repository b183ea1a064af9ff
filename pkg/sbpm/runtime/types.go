package runtime

import (
	"time"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
)

// InstanceState of one process instance execution.
type InstanceState string

const (
	InstanceStateActive            InstanceState = "ACTIVE"
	InstanceStateFinished          InstanceState = "FINISHED"
	InstanceStateCancelledByUser   InstanceState = "CANCELLED_BY_USER"
	InstanceStateCancelledBySystem InstanceState = "CANCELLED_BY_SYSTEM"
)

// ProcessInstance is one execution of a process model. It exclusively owns
// the subjects and object instances created during execution; cancelling
// the instance ends their lifecycle, the rows stay for audit.
type ProcessInstance struct {
	Model     *model.ProcessModel `json:"-"`
	Key       int64               `json:"k"`
	ModelKey  int64               `json:"mk"`
	State     InstanceState       `json:"s"`
	StartedBy string              `json:"sb"`
	CreatedAt time.Time           `json:"c"`
	EndedAt   *time.Time          `json:"e,omitempty"`
}

func (pi *ProcessInstance) GetKey() int64 {
	return pi.Key
}

// Ended reports whether the instance reached a terminal state.
func (pi *ProcessInstance) Ended() bool {
	return pi.State != InstanceStateActive
}

// SubjectKind discriminates user driven subjects from provider driven ones.
type SubjectKind string

const (
	SubjectKindUser    SubjectKind = "USER"
	SubjectKindService SubjectKind = "SERVICE"
)

// Subject is one actor of a process instance, advancing through its own
// state machine independently of the other subjects. A user subject starts
// unbound and is claimed by the first user that successfully executes a
// task on it; a service subject is never bound.
type Subject struct {
	Key                int64       `json:"k"`
	ProcessInstanceKey int64       `json:"pik"`
	SubjectId          string      `json:"sid"` // id of the SubjectDefinition in the model
	Kind               SubjectKind `json:"kind"`
	BoundUser          string      `json:"bu,omitempty"`
	Trail              []TrailEntry `json:"t"`
}

// TrailEntry is one visited state of a subject. The trail is append-only
// and ordered; entries are never mutated.
type TrailEntry struct {
	Key       int64     `json:"k"`
	StateId   string    `json:"s"`
	EnteredAt time.Time `json:"at"`
}

func (s *Subject) GetKey() int64 {
	return s.Key
}

// AppendTrail appends a new trail entry. Timestamps are kept strictly
// monotonic per subject so that LastChanged is usable as a concurrency
// token even for zero-duration hops within one unit of work.
func (s *Subject) AppendTrail(key int64, stateId string, at time.Time) TrailEntry {
	if last, ok := s.CurrentEntry(); ok && !at.After(last.EnteredAt) {
		at = last.EnteredAt.Add(time.Nanosecond)
	}
	entry := TrailEntry{Key: key, StateId: stateId, EnteredAt: at}
	s.Trail = append(s.Trail, entry)
	return entry
}

// CurrentEntry returns the most recent trail entry. The trail is kept in
// append order with strictly increasing timestamps, so the raw current
// state is always the last element; no scan over the full trail is needed.
func (s *Subject) CurrentEntry() (TrailEntry, bool) {
	if len(s.Trail) == 0 {
		return TrailEntry{}, false
	}
	return s.Trail[len(s.Trail)-1], true
}

// CurrentStateId returns the raw current state id, or "" for an empty trail.
func (s *Subject) CurrentStateId() string {
	entry, ok := s.CurrentEntry()
	if !ok {
		return ""
	}
	return entry.StateId
}

// LastChanged is the timestamp of the most recent trail entry; it is the
// optimistic concurrency token of the subject.
func (s *Subject) LastChanged() time.Time {
	entry, _ := s.CurrentEntry()
	return entry.EnteredAt
}

// Active reports whether the subject has started and its raw current state
// is not an end state.
func (s *Subject) Active(def *model.SubjectDefinition) bool {
	entry, ok := s.CurrentEntry()
	if !ok {
		return false
	}
	state := def.State(entry.StateId)
	return state != nil && !state.End
}

// Message is one addressed, consumable unit of inter-subject communication.
// A subject may hold several unconsumed messages of different object types;
// visibility resolution decides which one is actionable.
type Message struct {
	Key                int64     `json:"k"`
	ProcessInstanceKey int64     `json:"pik"`
	ReceiverSubjectKey int64     `json:"rk"`
	SenderSubjectId    string    `json:"sndr"` // subject-model identity of the sender
	ObjectId           string    `json:"oid"`
	Consumed           bool      `json:"c"`
	CreatedAt          time.Time `json:"at"`
}

func (m *Message) GetKey() int64 {
	return m.Key
}

// ObjectInstance holds the values of one business data object. Uniqueness
// per (object definition, process instance) is enforced by the storage
// layer. Values nest maps for to-one attributes and []any of maps for
// to-many attributes.
type ObjectInstance struct {
	Key                int64          `json:"k"`
	ProcessInstanceKey int64          `json:"pik"`
	ObjectId           string         `json:"oid"`
	Values             map[string]any `json:"v"`
}

func (o *ObjectInstance) GetKey() int64 {
	return o.Key
}
