// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package jlog

import "fmt"

// Kind is the category of a journal error. It mirrors the abstract error
// taxonomy of the on-disk format: every failure that crosses the package
// boundary carries one of these tags plus, where relevant, the errno that
// caused it.
type Kind int

const (
	// KindSuccess is never returned on an *Error; it keeps the zero Kind inert.
	KindSuccess Kind = iota
	KindIllegalInit
	KindIllegalOpen
	KindOpen
	KindNotADirectory
	KindPathTooLong
	KindExists
	KindMkdirFailed
	KindCreateMeta
	KindLock
	KindIdxOpen
	KindIdxSeek
	KindIdxCorrupt
	KindIdxRead
	KindIdxWrite
	KindFileOpen
	KindFileSeek
	KindFileCorrupt
	KindFileRead
	KindFileWrite
	KindMetaOpen
	KindIllegalWrite
	KindIllegalCheckpoint
	KindInvalidSubscriber
	KindIllegalLogID
	KindSubscriberExists
	KindCheckpoint
	KindNotSupported
	// KindCloseLogID is a distinguished terminal signal from ReadMessage,
	// not a failure: it means the requested id is the sealed-marker slot.
	KindCloseLogID
)

var kindNames = map[Kind]string{
	KindSuccess:           "success",
	KindIllegalInit:       "illegal init",
	KindIllegalOpen:       "illegal open",
	KindOpen:              "open",
	KindNotADirectory:     "not a directory",
	KindPathTooLong:       "path too long",
	KindExists:            "exists",
	KindMkdirFailed:       "mkdir failed",
	KindCreateMeta:        "create meta",
	KindLock:              "lock",
	KindIdxOpen:           "index open",
	KindIdxSeek:           "index seek",
	KindIdxCorrupt:        "index corrupt",
	KindIdxRead:           "index read",
	KindIdxWrite:          "index write",
	KindFileOpen:          "file open",
	KindFileSeek:          "file seek",
	KindFileCorrupt:       "file corrupt",
	KindFileRead:          "file read",
	KindFileWrite:         "file write",
	KindMetaOpen:          "meta open",
	KindIllegalWrite:      "illegal write",
	KindIllegalCheckpoint: "illegal checkpoint",
	KindInvalidSubscriber: "invalid subscriber",
	KindIllegalLogID:      "illegal log id",
	KindSubscriberExists:  "subscriber exists",
	KindCheckpoint:        "checkpoint",
	KindNotSupported:      "not supported",
	KindCloseLogID:        "close log id",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Error is the error type returned by the journal operations of this
// package; ParseID and Close pass the underlying parse or OS error through
// unwrapped. It pairs the abstract Kind with the last errno observed, if any,
// so callers can log the underlying OS failure without the package having
// to bake it into the message string.
type Error struct {
	Kind  Kind
	Errno error
}

func newError(k Kind, errno error) *Error {
	return &Error{Kind: k, Errno: errno}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Errno != nil {
		return fmt.Sprintf("jlog: %s: %s", e.Kind, e.Errno)
	}
	return fmt.Sprintf("jlog: %s", e.Kind)
}

// Unwrap exposes the underlying OS error for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.Errno
}

// Is reports whether target is an *Error with the same Kind, so callers can
// write errors.Is(err, jlog.ErrCloseLogID) and similar sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// ErrCloseLogID is the sentinel terminal value from ReadMessage meaning the
// requested id addresses the sealed-marker slot of a closed segment; the
// caller must advance to the next segment.
var ErrCloseLogID = &Error{Kind: KindCloseLogID}
