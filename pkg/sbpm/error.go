// Copyright 2021-present ZenSBPM Contributors
// (based on git commit history).
//
// ZenSBPM project is available under two licenses:
//  - SPDX-License-Identifier: AGPL-3.0-or-later (See LICENSE-AGPL.md)
//  - Enterprise License (See LICENSE-ENTERPRISE.md)

package sbpm

import (
	"errors"
	"fmt"
)

// ErrorCode classifies the recoverable, typed failures surfaced to callers.
// None of these are fatal engine errors; a caller may retry ExecuteTask
// with a fresh handle after OutOfDate, fix its input after the permission
// codes, and so on.
type ErrorCode string

const (
	ErrorCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrorCodeTaskNotAvailable      ErrorCode = "TASK_NOT_AVAILABLE"
	ErrorCodeOutOfDate             ErrorCode = "OUT_OF_DATE"
	ErrorCodeInvalidTransition     ErrorCode = "INVALID_TRANSITION"
	ErrorCodePermissionDenied      ErrorCode = "PERMISSION_DENIED"
	ErrorCodeMandatoryFieldMissing ErrorCode = "MANDATORY_FIELD_MISSING"
	ErrorCodeUserMismatch          ErrorCode = "USER_MISMATCH"
	ErrorCodeProviderExecution     ErrorCode = "PROVIDER_EXECUTION_FAILURE"
)

// TaskError is a recoverable failure of a boundary operation.
type TaskError struct {
	Code ErrorCode
	Msg  string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// newTaskErrorf uses fmt.Sprintf(format, a...) to format the message
func newTaskErrorf(code ErrorCode, format string, a ...interface{}) error {
	return &TaskError{
		Code: code,
		Msg:  fmt.Sprintf(format, a...),
	}
}

// CodeOf extracts the ErrorCode of err, or "" if err carries none.
func CodeOf(err error) ErrorCode {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return taskErr.Code
	}
	return ""
}

// EngineError signals an unexpected internal inconsistency, a
// programming-defect class of failure. It aborts the unit of work without
// partial effects and is not retried automatically.
type EngineError struct {
	Msg string
}

func (e *EngineError) Error() string {
	return e.Msg
}

// newEngineErrorf uses fmt.Sprintf(format, a...) to format the message
func newEngineErrorf(format string, a ...interface{}) error {
	return &EngineError{
		Msg: fmt.Sprintf(format, a...),
	}
}
