package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validModel() *ProcessModel {
	return &ProcessModel{
		Id: "m",
		Objects: []ObjectDefinition{
			{Id: "doc", Attributes: []AttributeDefinition{
				{Id: "title", Kind: AttributeKindSimple},
				{Id: "lines", Kind: AttributeKindToMany, Attributes: []AttributeDefinition{
					{Id: "text", Kind: AttributeKindSimple},
				}},
			}},
		},
		Subjects: []SubjectDefinition{
			{Id: "author", Starter: true, Roles: []string{"writer"}, StartStateId: "write", States: []StateDefinition{
				{Id: "write", Kind: StateKindFunction, Heads: []string{"send"}, Permissions: []PermissionDefinition{
					{ObjectId: "doc", Attributes: []AttributePermission{
						{AttributeId: "title", Access: AccessWrite, Mandatory: true},
						{AttributeId: "lines", Access: AccessWrite, Attributes: []AttributePermission{
							{AttributeId: "text", Access: AccessWrite},
						}},
					}},
				}},
				{Id: "send", Kind: StateKindSend, Heads: []string{"end"}, Receiver: "reader", ObjectId: "doc"},
				{Id: "end", Kind: StateKindFunction, End: true},
			}},
			{Id: "reader", Roles: []string{"reader"}, StartStateId: "recv", States: []StateDefinition{
				{Id: "recv", Kind: StateKindReceive, Transitions: []ReceiveTransitionDefinition{
					{ObjectId: "doc", Head: "read"},
				}},
				{Id: "read", Kind: StateKindFunction, End: true},
			}},
		},
	}
}

func TestValidModelPasses(t *testing.T) {
	assert.NoError(t, Validate(validModel()))
}

func problemsOf(t *testing.T, m *ProcessModel) string {
	err := Validate(m)
	var validationErr *ValidationError
	require.ErrorAs(t, err, &validationErr)
	return strings.Join(validationErr.Problems, "\n")
}

func TestValidateRejectsMissingStarter(t *testing.T) {
	m := validModel()
	m.Subjects[0].Starter = false
	assert.Contains(t, problemsOf(t, m), "starter subject")
}

func TestValidateRejectsUnknownHead(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[0].Heads = []string{"nowhere"}
	assert.Contains(t, problemsOf(t, m), "unknown head")
}

func TestValidateRejectsEndStateWithHeads(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[2].Heads = []string{"write"}
	assert.Contains(t, problemsOf(t, m), "must not have heads")
}

func TestValidateRejectsSendWithTwoHeads(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[1].Heads = []string{"end", "write"}
	assert.Contains(t, problemsOf(t, m), "exactly one head")
}

func TestValidateRejectsProviderOnUserSubject(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[0].Provider = "js"
	assert.Contains(t, problemsOf(t, m), "not a service subject")
}

func TestValidateRejectsPermissionOnAbsentAttribute(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[0].Permissions[0].Attributes[0].AttributeId = "ghost"
	assert.Contains(t, problemsOf(t, m), "absent from the object")
}

func TestValidateRejectsMandatoryWithoutWrite(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[0].Permissions[0].Attributes[0].Access = AccessRead
	assert.Contains(t, problemsOf(t, m), "mandatory but not writable")
}

func TestValidateRejectsNestingUnderSimpleAttribute(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[0].Permissions[0].Attributes[0].Attributes = []AttributePermission{
		{AttributeId: "text", Access: AccessRead},
	}
	assert.Contains(t, problemsOf(t, m), "simple attribute")
}

func TestValidateRejectsSendOnlyCycle(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[1].Heads = []string{"send_again"}
	m.Subjects[0].States = append(m.Subjects[0].States, StateDefinition{
		Id: "send_again", Kind: StateKindSend, Heads: []string{"send"}, Receiver: "reader", ObjectId: "doc",
	})
	assert.Contains(t, problemsOf(t, m), "send cycle")
}

func TestValidateAcceptsChainedSends(t *testing.T) {
	m := validModel()
	m.Subjects[0].States[1].Heads = []string{"send_again"}
	m.Subjects[0].States = append(m.Subjects[0].States, StateDefinition{
		Id: "send_again", Kind: StateKindSend, Heads: []string{"end"}, Receiver: "reader", ObjectId: "doc",
	})
	assert.NoError(t, Validate(m))
}

func TestValidateRejectsDuplicateIds(t *testing.T) {
	m := validModel()
	m.Subjects = append(m.Subjects, m.Subjects[0])
	assert.Contains(t, problemsOf(t, m), "duplicate subject id")
}
