// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/elib"
)

// Direction of a transfer as seen by the device.
type Direction int

const (
	// Device reads from memory (transmit).
	TxDirection Direction = iota
	// Device writes to memory (receive).
	RxDirection
	NDirection
)

var directionStrings = [...]string{
	TxDirection: "tx",
	RxDirection: "rx",
}

func (d Direction) String() string { return elib.Stringer(directionStrings[:], int(d)) }

// Policy selects how bus addresses are resolved for safe caller buffers.
type Policy int

const (
	// Translate through the heap page table only.
	PolicyDirect Policy = iota
	// Try the host lock service before falling back.
	PolicyZerocopy
	// Never map a caller buffer directly.
	PolicyBounceAlways
)

var policyStrings = [...]string{
	PolicyDirect:       "direct",
	PolicyZerocopy:     "zerocopy",
	PolicyBounceAlways: "bounce-always",
}

func (p Policy) String() string { return elib.Stringer(policyStrings[:], int(p)) }

// LockHandle names one page-lock held with the host service.
type LockHandle uint32

// LockedRegion is the host service's answer to a lock request.  It may
// satisfy the request and still be unusable: out of device range, across a
// segment, or not physically contiguous.  The lifecycle manager validates
// it and falls back to a bounce buffer on any violation.
type LockedRegion struct {
	Phys       PhysAddr
	Len        uint
	Contiguous bool
	Handle     LockHandle
}

// LockService is a host environment facility that translates and pins a
// buffer for hardware access.  Lock can fail outright (service
// unavailable, no lock slots).  Unlock must not be called from
// interrupt-equivalent context; interrupt-initiated unmaps defer it to the
// next foreground drain pass.
type LockService interface {
	Lock(b []byte, dir Direction) (LockedRegion, error)
	Unlock(h LockHandle) error
}

// validateLocked re-checks a lock service result against the device
// constraint.  The service can succeed and still hand back an address the
// device cannot drive.
func validateLocked(r *LockedRegion, n uint, c *Constraint) (ok bool) {
	if r.Len < n {
		return
	}
	if r.Phys.Exceeds(n, c.MaxAddr) {
		return
	}
	if r.Phys.Crosses64k(n) {
		return
	}
	if c.Contiguous && !r.Contiguous {
		return
	}
	if !r.Phys.Aligned(c.Log2Align) {
		return
	}
	return true
}
