package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleDoc = `
id: sample
name: Sample process
objects:
  - id: doc
    name: Document
    attributes:
      - id: title
      - id: lines
        kind: TO_MANY
        attributes:
          - id: text
subjects:
  - id: author
    name: Author
    starter: true
    roles: [writer]
    startState: write
    states:
      - id: write
        name: Write document
        kind: FUNCTION
        heads: [send]
        permissions:
          - object: doc
            attributes:
              - id: title
                access: WRITE
                mandatory: true
                default: "untitled"
      - id: send
        kind: SEND
        heads: [finished]
        receiver: reader
        object: doc
        synchronous: true
      - id: finished
        kind: FUNCTION
        end: true
  - id: reader
    name: Reader
    roles: [reader]
    startState: recv
    states:
      - id: recv
        kind: RECEIVE
        transitions:
          - object: doc
            head: read
      - id: read
        kind: FUNCTION
        end: true
`

func TestParseBuildsModel(t *testing.T) {
	m, err := Parse([]byte(sampleDoc), "sample.yaml")
	require.NoError(t, err)

	assert.Equal(t, "sample", m.Id)
	assert.Equal(t, "sample.yaml", m.ResourceName)
	assert.Equal(t, sampleDoc, m.Data)
	assert.NotEqual(t, [16]byte{}, m.Checksum)

	// attribute kind defaults to SIMPLE when omitted
	doc := m.Object("doc")
	require.NotNil(t, doc)
	assert.Equal(t, AttributeKindSimple, doc.Attribute("title").Kind)
	assert.Equal(t, AttributeKindToMany, doc.Attribute("lines").Kind)

	author := m.Subject("author")
	require.NotNil(t, author)
	assert.True(t, author.Starter)
	assert.False(t, author.IsService())

	write := author.State("write")
	require.NotNil(t, write)
	perm := write.Permission("doc")
	require.NotNil(t, perm)
	title := perm.Attribute("title")
	require.NotNil(t, title)
	assert.True(t, title.Mandatory)
	require.NotNil(t, title.Default)
	assert.Equal(t, "untitled", *title.Default)

	recv := m.Subject("reader").State("recv")
	require.NotNil(t, recv)
	assert.Equal(t, []string{"read"}, recv.HeadIds())
}

func TestParseRejectsInvalidYaml(t *testing.T) {
	_, err := Parse([]byte("id: [unterminated"), "broken.yaml")
	assert.Error(t, err)
}

func TestParseRunsValidation(t *testing.T) {
	doc := `
id: invalid
subjects:
  - id: solo
    starter: true
    roles: [writer]
    startState: ghost
    states:
      - id: a
        kind: FUNCTION
        end: true
`
	_, err := Parse([]byte(doc), "")
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
}
