package sbpm

import (
	"os"
	"strings"
	"testing"

	"github.com/pbinitiative/zensbpm/pkg/sbpm/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSameDocumentTwiceKeepsVersion(t *testing.T) {
	data, err := os.ReadFile("./test-cases/cycle.yaml")
	require.NoError(t, err)

	first, err := sbpmEngine.LoadFromBytes(t.Context(), data)
	require.NoError(t, err)
	second, err := sbpmEngine.LoadFromBytes(t.Context(), data)
	require.NoError(t, err)

	assert.Equal(t, first.Key, second.Key)
	assert.Equal(t, first.Version, second.Version)
}

func TestLoadChangedDocumentBumpsVersion(t *testing.T) {
	data, err := os.ReadFile("./test-cases/cycle.yaml")
	require.NoError(t, err)

	first, err := sbpmEngine.LoadFromBytes(t.Context(), data)
	require.NoError(t, err)

	changed := strings.Replace(string(data), "name: Loop process", "name: Loop process v2", 1)
	second, err := sbpmEngine.LoadFromBytes(t.Context(), []byte(changed))
	require.NoError(t, err)

	assert.Equal(t, first.Id, second.Id)
	assert.NotEqual(t, first.Key, second.Key)
	assert.Equal(t, first.Version+1, second.Version)
}

func TestLoadRejectsInvalidModel(t *testing.T) {
	doc := `
id: broken
subjects:
  - id: solo
    starter: true
    roles: [worker]
    startState: missing
    states:
      - id: a
        kind: FUNCTION
`
	_, err := sbpmEngine.LoadFromBytes(t.Context(), []byte(doc))
	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "broken", validationErr.ModelId)
}

func TestLoadRejectsSendCycle(t *testing.T) {
	doc := `
id: ping-pong
name: Ping pong
objects:
  - id: ball
    attributes:
      - id: spin
subjects:
  - id: pitcher
    starter: true
    roles: [worker]
    startState: serve
    states:
      - id: serve
        kind: FUNCTION
        heads: [ping]
      - id: ping
        kind: SEND
        heads: [pong]
        receiver: catcher
        object: ball
        synchronous: true
      - id: pong
        kind: SEND
        heads: [ping]
        receiver: catcher
        object: ball
        synchronous: true
  - id: catcher
    roles: [worker]
    startState: wait
    states:
      - id: wait
        kind: RECEIVE
        transitions:
          - object: ball
            head: caught
      - id: caught
        kind: FUNCTION
        end: true
`
	_, err := sbpmEngine.LoadFromBytes(t.Context(), []byte(doc))
	var validationErr *model.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, strings.Join(validationErr.Problems, "\n"), "send cycle")
}

func TestDeactivatedModelCannotStart(t *testing.T) {
	doc := `
id: deactivation-process
name: Deactivation
subjects:
  - id: solo
    name: Solo
    starter: true
    roles: [worker]
    startState: only
    states:
      - id: only
        name: Only state
        kind: FUNCTION
        end: true
`
	m, err := sbpmEngine.LoadFromBytes(t.Context(), []byte(doc))
	require.NoError(t, err)

	startable, err := sbpmEngine.FindStartableProcessModels(t.Context(), "dave")
	require.NoError(t, err)
	found := false
	for _, summary := range startable {
		if summary.ModelId == "deactivation-process" {
			found = true
		}
	}
	assert.True(t, found)

	require.NoError(t, sbpmEngine.DeactivateModel(t.Context(), m.Key))

	startable, err = sbpmEngine.FindStartableProcessModels(t.Context(), "dave")
	require.NoError(t, err)
	for _, summary := range startable {
		assert.NotEqual(t, "deactivation-process", summary.ModelId)
	}

	_, err = sbpmEngine.StartProcess(t.Context(), "deactivation-process", "dave")
	assert.Equal(t, ErrorCodeNotFound, CodeOf(err))
}
