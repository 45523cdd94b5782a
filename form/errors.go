// Copyright 2018 The Bazel Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package form

import (
	"fmt"

	"go.callform.net/member"
)

// An InternalError reports a violated engine invariant, such as a
// malformed Form or an internally constructed Function that cannot be
// resolved. It indicates a bug in the engine or in a client that builds
// Forms directly, never a condition to recover from.
//
// InternalErrors are raised by panicking.
type InternalError struct {
	Msg   string
	Cause error // optional
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Msg, e.Cause)
	}
	return "internal error: " + e.Msg
}

func (e *InternalError) Unwrap() error { return e.Cause }

// Unrecoverable marks an InternalError as one that registered functions
// do not convert into errors.
func (e *InternalError) Unrecoverable() {}

var _ member.Unrecoverable = (*InternalError)(nil)

// internalErrorf panics with an *InternalError.
func internalErrorf(format string, args ...interface{}) {
	panic(&InternalError{Msg: fmt.Sprintf(format, args...)})
}

// A CheckError reports a violation of the structural invariants of a
// Form detected by Check. Index is the position of the offending Name,
// or -1 if the error concerns the Form as a whole.
type CheckError struct {
	Index int
	Msg   string
}

func (e *CheckError) Error() string {
	if e.Index < 0 {
		return e.Msg
	}
	return fmt.Sprintf("name %d: %s", e.Index, e.Msg)
}

// An Error is a syntax or validation error in Form source text.
type Error struct {
	Filename string
	Line     int
	Msg      string
}

func (e Error) Error() string { return fmt.Sprintf("%s:%d: %s", e.Filename, e.Line, e.Msg) }
