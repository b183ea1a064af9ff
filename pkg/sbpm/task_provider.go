// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import (
	"context"
	"fmt"

	"github.com/pbinitiative/zensbpm/pkg/script"
)

// TaskSnapshot is the read view of a service task handed to a provider.
// Data holds the READ-filtered values of every object the state grants
// access to, keyed by object definition id.
type TaskSnapshot struct {
	ProcessInstanceKey int64
	SubjectKey         int64
	SubjectId          string
	StateId            string
	Parameters         map[string]string
	Data               map[string]map[string]any
}

// TaskProvider executes one function state of a service subject. It returns
// the head state the subject shall advance to; an empty id is allowed when
// the state has at most one head.
type TaskProvider interface {
	Execute(ctx context.Context, task TaskSnapshot) (nextStateId string, err error)
}

// JsTaskProvider runs the "script" provider parameter in a pooled JavaScript
// runtime. The script sees `task` (the snapshot data) and `parameters`; its
// final expression value, if a string, selects the next state.
type JsTaskProvider struct {
	runtime script.JsRuntime
}

func NewJsTaskProvider(runtime script.JsRuntime) *JsTaskProvider {
	return &JsTaskProvider{runtime: runtime}
}

func (p *JsTaskProvider) Execute(ctx context.Context, task TaskSnapshot) (string, error) {
	src, ok := task.Parameters["script"]
	if !ok || src == "" {
		return "", fmt.Errorf("state %s has no script parameter", task.StateId)
	}
	res, err := p.runtime.RunScript(src, map[string]any{
		"task":       task.Data,
		"parameters": task.Parameters,
	})
	if err != nil {
		return "", fmt.Errorf("script of state %s failed: %w", task.StateId, err)
	}
	if next, ok := res.(string); ok {
		return next, nil
	}
	return "", nil
}
