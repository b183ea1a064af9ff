// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package model

import (
	"crypto/md5"
	"fmt"

	"gopkg.in/yaml.v3"
)

// yaml document structs; kept separate from the model types so the file
// format can evolve without touching the runtime representation

type yamlModel struct {
	Id       string        `yaml:"id"`
	Name     string        `yaml:"name"`
	Objects  []yamlObject  `yaml:"objects"`
	Subjects []yamlSubject `yaml:"subjects"`
}

type yamlObject struct {
	Id         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Attributes []yamlAttribute `yaml:"attributes"`
}

type yamlAttribute struct {
	Id         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	Kind       string          `yaml:"kind"`
	Attributes []yamlAttribute `yaml:"attributes"`
}

type yamlSubject struct {
	Id         string      `yaml:"id"`
	Name       string      `yaml:"name"`
	Starter    bool        `yaml:"starter"`
	Roles      []string    `yaml:"roles"`
	StartState string      `yaml:"startState"`
	States     []yamlState `yaml:"states"`
}

type yamlState struct {
	Id          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"`
	End         bool              `yaml:"end"`
	Heads       []string          `yaml:"heads"`
	Provider    string            `yaml:"provider"`
	Parameters  map[string]string `yaml:"parameters"`
	Permissions []yamlPermission  `yaml:"permissions"`
	Receiver    string            `yaml:"receiver"`
	Object      string            `yaml:"object"`
	Synchronous bool              `yaml:"synchronous"`
	Transitions []yamlTransition  `yaml:"transitions"`
}

type yamlPermission struct {
	Object     string               `yaml:"object"`
	Attributes []yamlAttributePerm  `yaml:"attributes"`
}

type yamlAttributePerm struct {
	Id         string              `yaml:"id"`
	Access     string              `yaml:"access"`
	Mandatory  bool                `yaml:"mandatory"`
	Default    *string             `yaml:"default"`
	Attributes []yamlAttributePerm `yaml:"attributes"`
}

type yamlTransition struct {
	Object string `yaml:"object"`
	Head   string `yaml:"head"`
}

// Parse unmarshals a YAML process model document and validates it.
// Version, Key and State are left at their zero values; the engine assigns
// them when the model is published.
func Parse(data []byte, resourceName string) (*ProcessModel, error) {
	var doc yamlModel
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process model data: %w", err)
	}
	m := &ProcessModel{
		Id:           doc.Id,
		Name:         doc.Name,
		Data:         string(data),
		ResourceName: resourceName,
		Checksum:     md5.Sum(data),
	}
	for _, o := range doc.Objects {
		m.Objects = append(m.Objects, ObjectDefinition{
			Id:         o.Id,
			Name:       o.Name,
			Attributes: parseAttributes(o.Attributes),
		})
	}
	for _, s := range doc.Subjects {
		sub := SubjectDefinition{
			Id:           s.Id,
			Name:         s.Name,
			Starter:      s.Starter,
			Roles:        s.Roles,
			StartStateId: s.StartState,
		}
		for _, st := range s.States {
			sub.States = append(sub.States, parseState(st))
		}
		m.Subjects = append(m.Subjects, sub)
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

func parseAttributes(attrs []yamlAttribute) []AttributeDefinition {
	var res []AttributeDefinition
	for _, a := range attrs {
		kind := AttributeKind(a.Kind)
		if a.Kind == "" {
			kind = AttributeKindSimple
		}
		res = append(res, AttributeDefinition{
			Id:         a.Id,
			Name:       a.Name,
			Kind:       kind,
			Attributes: parseAttributes(a.Attributes),
		})
	}
	return res
}

func parseState(st yamlState) StateDefinition {
	state := StateDefinition{
		Id:                 st.Id,
		Name:               st.Name,
		Kind:               StateKind(st.Kind),
		End:                st.End,
		Heads:              st.Heads,
		Provider:           st.Provider,
		ProviderParameters: st.Parameters,
		Receiver:           st.Receiver,
		ObjectId:           st.Object,
		Synchronous:        st.Synchronous,
	}
	for _, p := range st.Permissions {
		state.Permissions = append(state.Permissions, PermissionDefinition{
			ObjectId:   p.Object,
			Attributes: parseAttributePerms(p.Attributes),
		})
	}
	for _, t := range st.Transitions {
		state.Transitions = append(state.Transitions, ReceiveTransitionDefinition{
			ObjectId: t.Object,
			Head:     t.Head,
		})
	}
	return state
}

func parseAttributePerms(perms []yamlAttributePerm) []AttributePermission {
	var res []AttributePermission
	for _, p := range perms {
		res = append(res, AttributePermission{
			AttributeId: p.Id,
			Access:      Access(p.Access),
			Mandatory:   p.Mandatory,
			Default:     p.Default,
			Attributes:  parseAttributePerms(p.Attributes),
		})
	}
	return res
}
