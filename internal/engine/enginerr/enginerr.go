// Copyright 2025 Esteban Alvarez. All Rights Reserved.
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

// Package enginerr defines the structured error kinds the engine surfaces
// across its public boundary. Collaborators (HTTP routing, SSE framing)
// map these kinds to transport-specific codes; the engine itself never
// leaks adapter-internal error types past this package.
package enginerr

import "fmt"

// Kind is a stable, small enumeration of engine-level error categories.
type Kind int

const (
	KindStorage Kind = iota
	KindTransactionConflict
	KindUnavailable
	KindRequestDropped
	KindBasinNotFound
	KindStreamNotFound
	KindResourceAlreadyExists
	KindBasinDeletionPending
	KindStreamDeletionPending
	KindAppendConditionFailed
	KindTimestampMissing
	KindUnwritten
	KindBadFrame
)

func (k Kind) String() string {
	switch k {
	case KindStorage:
		return "Storage"
	case KindTransactionConflict:
		return "TransactionConflict"
	case KindUnavailable:
		return "Unavailable"
	case KindRequestDropped:
		return "RequestDropped"
	case KindBasinNotFound:
		return "BasinNotFound"
	case KindStreamNotFound:
		return "StreamNotFound"
	case KindResourceAlreadyExists:
		return "ResourceAlreadyExists"
	case KindBasinDeletionPending:
		return "BasinDeletionPending"
	case KindStreamDeletionPending:
		return "StreamDeletionPending"
	case KindAppendConditionFailed:
		return "AppendConditionFailed"
	case KindTimestampMissing:
		return "TimestampMissing"
	case KindUnwritten:
		return "Unwritten"
	case KindBadFrame:
		return "BadFrame"
	default:
		return "Unknown"
	}
}

// Error is the engine's single error type. Condition (AppendConditionFailed)
// and Unwritten carry extra structured payloads via the Condition/Tail fields.
type Error struct {
	Kind  Kind
	msg   string
	cause error

	// Condition is populated for KindAppendConditionFailed.
	Condition *ConditionFailure
	// Tail is populated for KindUnwritten.
	Tail *StreamPosition
}

// StreamPosition mirrors the stream package's position pair without
// importing it, to keep enginerr dependency-free of the engine core.
type StreamPosition struct {
	SeqNum    uint64
	Timestamp uint64
}

// ConditionFailure is the structured payload of AppendConditionFailed.
type ConditionFailure struct {
	// Reason is either "fencing_token_mismatch" or "seq_num_mismatch".
	Reason       string
	Expected     string
	Actual       string
	AppliedPoint uint64 // exclusive upper bound
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	if e.msg != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is(err, enginerr.KindX) awkward since Kind isn't an
// error; instead callers compare with Is(err, kind) below, or type-assert
// *Error and read .Kind directly.
func Is(err error, k Kind) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == k
	}
	return false
}

func New(k Kind, msg string) *Error { return &Error{Kind: k, msg: msg} }

func Wrap(k Kind, msg string, cause error) *Error {
	return &Error{Kind: k, msg: msg, cause: cause}
}

func Storage(cause error) *Error {
	return &Error{Kind: KindStorage, msg: "storage operation failed", cause: cause}
}

func TransactionConflict(cause error) *Error {
	return &Error{Kind: KindTransactionConflict, msg: "serializable snapshot aborted", cause: cause}
}

func Unavailable(msg string) *Error {
	return &Error{Kind: KindUnavailable, msg: msg}
}

func RequestDropped() *Error {
	return &Error{Kind: KindRequestDropped, msg: "client dropped the request; server state may have advanced"}
}

func BasinNotFound(basin string) *Error {
	return &Error{Kind: KindBasinNotFound, msg: fmt.Sprintf("basin %q not found", basin)}
}

func StreamNotFound(basin, stream string) *Error {
	return &Error{Kind: KindStreamNotFound, msg: fmt.Sprintf("stream %q/%q not found", basin, stream)}
}

func ResourceAlreadyExists(name string) *Error {
	return &Error{Kind: KindResourceAlreadyExists, msg: fmt.Sprintf("%q already exists with a different configuration", name)}
}

func BasinDeletionPending(basin string) *Error {
	return &Error{Kind: KindBasinDeletionPending, msg: fmt.Sprintf("basin %q is pending deletion", basin)}
}

func StreamDeletionPending(basin, stream string) *Error {
	return &Error{Kind: KindStreamDeletionPending, msg: fmt.Sprintf("stream %q/%q is pending deletion", basin, stream)}
}

func FencingTokenMismatch(expected, actual string, appliedPoint uint64) *Error {
	return &Error{
		Kind: KindAppendConditionFailed,
		msg:  "fencing token mismatch",
		Condition: &ConditionFailure{
			Reason:       "fencing_token_mismatch",
			Expected:     expected,
			Actual:       actual,
			AppliedPoint: appliedPoint,
		},
	}
}

func SeqNumMismatch(assigned, matchSeqNum uint64) *Error {
	return &Error{
		Kind: KindAppendConditionFailed,
		msg:  "seq_num mismatch",
		Condition: &ConditionFailure{
			Reason:       "seq_num_mismatch",
			Expected:     fmt.Sprintf("%d", matchSeqNum),
			Actual:       fmt.Sprintf("%d", assigned),
			AppliedPoint: assigned,
		},
	}
}

func TimestampMissing() *Error {
	return &Error{Kind: KindTimestampMissing, msg: "ClientRequire timestamping mode requires a client timestamp"}
}

func Unwritten(tail StreamPosition) *Error {
	return &Error{Kind: KindUnwritten, msg: "read start is past the stream tail", Tail: &tail}
}

func BadFrame(reason string) *Error {
	return &Error{Kind: KindBadFrame, msg: reason}
}
