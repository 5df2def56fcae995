// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

package api

import (
	"fmt"
	"strings"
)

// ErrorCode is the user-visible error taxonomy. Codes beginning with
// "INVALID" or "UNAUTHORIZED" map to 4xx at the REST boundary; the rest are
// internal failures.
type ErrorCode string

const (
	ErrorInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrorInvalidPermission     ErrorCode = "INVALID_PERMISSION"
	ErrorUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrorInvalidJob            ErrorCode = "INVALID_JOB"
	ErrorInvalidTask           ErrorCode = "INVALID_TASK"
	ErrorInvalidContainer      ErrorCode = "INVALID_CONTAINER"
	ErrorInvalidNode           ErrorCode = "INVALID_NODE"
	ErrorInvalidImage          ErrorCode = "INVALID_IMAGE"
	ErrorUnableToFind          ErrorCode = "UNABLE_TO_FIND"
	ErrorUnableToCreate        ErrorCode = "UNABLE_TO_CREATE"
	ErrorUnableToUpdate        ErrorCode = "UNABLE_TO_UPDATE"
	ErrorUnableToCreateNetwork ErrorCode = "UNABLE_TO_CREATE_NETWORK"
	ErrorUnableToResize        ErrorCode = "UNABLE_TO_RESIZE"
	ErrorUnableToPortForward   ErrorCode = "UNABLE_TO_PORT_FORWARD"
	ErrorVMCreateFailed        ErrorCode = "VM_CREATE_FAILED"
	ErrorProxyFailed           ErrorCode = "PROXY_FAILED"
	ErrorTaskFailed            ErrorCode = "TASK_FAILED"
	ErrorNotificationFailure   ErrorCode = "NOTIFICATION_FAILURE"
)

// Error is the persisted, user-visible form of a failure. It is stored on
// entities and carried in events; it is not used for control flow inside
// the reconcilers.
type Error struct {
	Code   ErrorCode `json:"code"`
	Errors []string  `json:"errors"`
}

// NewError builds an Error from a code and message list.
func NewError(code ErrorCode, messages ...string) *Error {
	return &Error{Code: code, Errors: messages}
}

// Errorf builds a single-message Error.
func Errorf(code ErrorCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, strings.Join(e.Errors, "; "))
}
