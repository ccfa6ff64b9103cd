// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma maps caller buffers for bus-master hardware that carries
// legacy addressing restrictions: 24-bit physical addressing, no transfer
// across a 64KB segment, no scatter-gather and no bus snooping.  Buffers
// that violate a device constraint are transparently substituted with
// pre-validated bounce buffers, and cache flush/invalidate brackets every
// non-coherent transfer.
package dma

import (
	"fmt"
)

// Bus address as seen by the device.  Distinct from CPU virtual addresses;
// the only way to obtain one is through the heap page table or the host
// lock service.
type PhysAddr uint32

const (
	// Legacy bus masters wrap a 16 bit transfer counter; a transfer may
	// not cross a 64KB aligned boundary.
	Log2SegmentBytes        = 16
	SegmentBytes     uint   = 1 << Log2SegmentBytes
	segmentMask      uint32 = 1<<Log2SegmentBytes - 1

	// 24-bit ISA addressing limit.
	IsaMaxAddr PhysAddr = 1<<24 - 1
)

func (a PhysAddr) String() string { return fmt.Sprintf("0x%x", uint32(a)) }

// End returns the last byte address of an n byte transfer starting at a.
func (a PhysAddr) End(n uint) PhysAddr { return a + PhysAddr(n) - 1 }

// Crosses64k is true if [a, a+n) straddles a 64KB aligned boundary.
func (a PhysAddr) Crosses64k(n uint) bool {
	if n == 0 {
		return false
	}
	return uint(uint32(a)&segmentMask)+n > SegmentBytes
}

// Exceeds is true if any byte of an n byte transfer starting at a lies
// above the device limit, or if the end address wraps.
func (a PhysAddr) Exceeds(n uint, max PhysAddr) bool {
	if n == 0 {
		return false
	}
	end := a.End(n)
	return end < a || a > max || end > max
}

// Aligned is true if a satisfies a 1<<log2 byte alignment.
func (a PhysAddr) Aligned(log2 uint) bool { return uint32(a)&(1<<log2-1) == 0 }
