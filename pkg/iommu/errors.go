// Copyright 2026 The vIOMMU Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package iommu

// Code classifies subsystem errors.
type Code int

const (
	// CodeNoMemory indicates physical-page exhaustion.
	CodeNoMemory Code = iota

	// CodeExhausted indicates identifier-space exhaustion.
	CodeExhausted

	// CodeConflict indicates a range conflict with existing state.
	CodeConflict

	// CodeNotFound indicates that no matching state exists.
	CodeNotFound

	// CodeRestart indicates that an operation was preempted and must be
	// re-invoked to make further progress. It is not a failure.
	CodeRestart
)

// Error is a subsystem error with a classification code.
type Error struct {
	code    Code
	message string
}

// NewError creates a new *Error.
func NewError(code Code, message string) *Error {
	return &Error{
		code:    code,
		message: message,
	}
}

// Error implements error.Error.
func (e *Error) Error() string { return e.message }

// Code returns the error's classification code.
func (e *Error) Code() Code { return e.code }

var (
	// ErrNoMemory is returned when the physical-page allocator is
	// exhausted. Callers decide whether and when to retry.
	ErrNoMemory = NewError(CodeNoMemory, "out of physical pages")

	// ErrExhausted is returned when an identifier space has no free entry.
	ErrExhausted = NewError(CodeExhausted, "identifier space exhausted")

	// ErrConflict is returned when a range overlaps existing state, or
	// matches it exactly with a different access class.
	ErrConflict = NewError(CodeConflict, "range conflicts with an existing identity map")

	// ErrNotFound is returned when a release names a range that was never
	// granted.
	ErrNotFound = NewError(CodeNotFound, "no matching identity map")

	// ErrRestart is the positive "more work remains" signal returned by
	// restart-capable operations at preemption checkpoints. Callers resume
	// by re-invoking the operation.
	ErrRestart = NewError(CodeRestart, "preempted, more work remains")
)
