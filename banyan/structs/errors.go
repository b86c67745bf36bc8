// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrRecordNotFound = errors.New("execution record not found")
	ErrUserNotFound   = errors.New("user not found")
	ErrWorkerNotFound = errors.New("registered worker not found")

	// ErrPermissionDenied is returned when a known user hits an endpoint
	// or method its role is not allowed to use.
	ErrPermissionDenied = errors.New("Permission denied")

	// ErrTokenMismatch is returned when an execution-data update carries a
	// token that does not match the current attempt's token.
	ErrTokenMismatch = errors.New("execution token mismatch")

	// ErrDuplicateName is returned when a unique index rejects an insert.
	ErrDuplicateName = errors.New("duplicate unique field")
)

// ValidationError carries per-field issues for a request that failed schema
// or invariant validation. The issue map becomes the HTTP 422 body.
type ValidationError struct {
	Issues map[string]string
}

func NewValidationError(field, format string, args ...interface{}) *ValidationError {
	ve := &ValidationError{}
	ve.Add(field, format, args...)
	return ve
}

// Add records an issue against a field. The first issue per field wins; later
// ones for the same field are dropped, matching the one-message-per-field
// response shape.
func (e *ValidationError) Add(field, format string, args ...interface{}) {
	if e.Issues == nil {
		e.Issues = make(map[string]string)
	}
	if _, ok := e.Issues[field]; !ok {
		e.Issues[field] = fmt.Sprintf(format, args...)
	}
}

// Merge folds the issues of other into e.
func (e *ValidationError) Merge(other *ValidationError) {
	if other == nil {
		return
	}
	for field, msg := range other.Issues {
		e.Add(field, "%s", msg)
	}
}

func (e *ValidationError) HasIssues() bool {
	return e != nil && len(e.Issues) > 0
}

// OrNil returns the error if any issues were recorded, else nil. Callers
// build a value and return ve.OrNil() so the happy path stays a plain nil.
func (e *ValidationError) OrNil() error {
	if e.HasIssues() {
		return e
	}
	return nil
}

func (e *ValidationError) Error() string {
	fields := make([]string, 0, len(e.Issues))
	for f := range e.Issues {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, e.Issues[f]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err is (or wraps) a ValidationError and
// returns it.
func IsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}
