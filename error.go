// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/elib"
)

// MapError classifies every failure this package returns.  Recoverable
// conditions (lock failure, direct-map constraint violation) are handled
// internally by bounce fallback; a caller only ever sees an error once all
// fallbacks are exhausted.
type MapError int

const (
	// Caller bug: nil/empty buffer, bad length or alignment value.
	ErrInvalidParam MapError = iota + 1
	// Handle or tracking allocation failed.
	ErrNoMemory
	// Bounce pool exhausted.  Expected under sustained overload; callers
	// should drop the packet or back off, not treat this as fatal.
	ErrNoBounce
	// Resolved mapping still violates device constraints after all
	// fallbacks.  Indicates a configuration or logic defect.
	ErrBoundary
	// Cache flush/invalidate primitive unavailable or failed.
	ErrCacheSync
	// Operation on an invalid or already released handle.
	ErrNotMapped
)

var mapErrorStrings = [...]string{
	ErrInvalidParam: "invalid parameter",
	ErrNoMemory:     "out of memory",
	ErrNoBounce:     "no bounce buffer available",
	ErrBoundary:     "dma boundary violation",
	ErrCacheSync:    "cache sync failed",
	ErrNotMapped:    "buffer not mapped",
}

func (e MapError) Error() string { return elib.Stringer(mapErrorStrings[:], int(e)) }
