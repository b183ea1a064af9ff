package runtime

import (
	"testing"
	"time"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendTrailKeepsTimestampsStrictlyMonotonic(t *testing.T) {
	s := &Subject{}
	now := time.Now()

	s.AppendTrail(1, "a", now)
	s.AppendTrail(2, "b", now) // same instant, must still move forward
	s.AppendTrail(3, "c", now.Add(-time.Second))

	require.Len(t, s.Trail, 3)
	assert.True(t, s.Trail[1].EnteredAt.After(s.Trail[0].EnteredAt))
	assert.True(t, s.Trail[2].EnteredAt.After(s.Trail[1].EnteredAt))
	assert.Equal(t, "c", s.CurrentStateId())
	assert.Equal(t, s.Trail[2].EnteredAt, s.LastChanged())
}

func TestEmptyTrailSubjectIsInactive(t *testing.T) {
	def := &model.SubjectDefinition{Id: "s", States: []model.StateDefinition{
		{Id: "work", Kind: model.StateKindFunction, End: true},
	}}
	s := &Subject{}
	assert.False(t, s.Active(def))
	assert.Equal(t, "", s.CurrentStateId())
	assert.True(t, s.LastChanged().IsZero())
}

func TestActiveDependsOnEndFlag(t *testing.T) {
	def := &model.SubjectDefinition{Id: "s", States: []model.StateDefinition{
		{Id: "work", Kind: model.StateKindFunction, Heads: []string{"done"}},
		{Id: "done", Kind: model.StateKindFunction, End: true},
	}}
	s := &Subject{}
	s.AppendTrail(1, "work", time.Now())
	assert.True(t, s.Active(def))
	s.AppendTrail(2, "done", time.Now())
	assert.False(t, s.Active(def))
}

func TestProcessInstanceEnded(t *testing.T) {
	pi := &ProcessInstance{State: InstanceStateActive}
	assert.False(t, pi.Ended())
	for _, state := range []InstanceState{InstanceStateFinished, InstanceStateCancelledByUser, InstanceStateCancelledBySystem} {
		pi.State = state
		assert.True(t, pi.Ended())
	}
}
