// Copyright (c) 2026 John Earle
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

// Package failure defines the error taxonomy shared by every stage of the
// notification pipeline. The kind of an error decides whether the invoking
// transport retries it, dead-letters it immediately, or raises an alarm.
package failure

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind classifies a pipeline error for retry and dead-letter routing.
type Kind int

const (
	// Retriable errors are retried by the transport with backoff and are
	// dead-lettered only once that budget is exhausted. Unclassified errors
	// are treated as Retriable.
	Retriable Kind = iota
	// Permanent errors (malformed input, unknown type, failed validation)
	// are never retried and go straight to the dead-letter sink.
	Permanent
	// Critical errors (revoked credentials, forged events, security
	// conflicts) are never retried and trigger escalation.
	Critical
)

func (k Kind) String() string {
	switch k {
	case Permanent:
		return "permanent"
	case Critical:
		return "critical"
	default:
		return "retriable"
	}
}

// Error is a classified pipeline error.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "email.send".
	Op string
	// Fields lists offending field paths for validation failures. Values
	// are never recorded.
	Fields []string
	// RetryAfter is a provider hint for the next attempt, zero if none.
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(" (")
	b.WriteString(e.Kind.String())
	b.WriteString(")")
	if len(e.Fields) > 0 {
		b.WriteString(" fields=[")
		b.WriteString(strings.Join(e.Fields, ","))
		b.WriteString("]")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Permanentf builds a Permanent error for op.
func Permanentf(op, format string, args ...any) *Error {
	return &Error{Kind: Permanent, Op: op, Err: fmt.Errorf(format, args...)}
}

// Retriablef builds a Retriable error for op.
func Retriablef(op, format string, args ...any) *Error {
	return &Error{Kind: Retriable, Op: op, Err: fmt.Errorf(format, args...)}
}

// Criticalf builds a Critical error for op.
func Criticalf(op, format string, args ...any) *Error {
	return &Error{Kind: Critical, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies err under op. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Invalid builds the Permanent error raised by schema validation.
func Invalid(op string, fields []string) *Error {
	return &Error{
		Kind:   Permanent,
		Op:     op,
		Fields: fields,
		Err:    errors.New("schema validation failed"),
	}
}

// KindOf reports the kind of err. Anything that is not a classified
// *Error maps to Retriable so unexpected failures are retried rather than
// silently dropped.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Retriable
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RetryAfter
	}
	return 0
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
