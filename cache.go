// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/elib/cpu"

	"unsafe"
)

// CacheOps are the host's cache maintenance primitives.  Flush writes
// dirty lines back to memory; Invalidate discards cached lines so the next
// CPU read comes from memory.  Ranges handed to either are always whole
// cache lines.
type CacheOps interface {
	// True when bus snooping keeps caches consistent and both
	// operations are no-ops.
	Coherent() bool
	Flush(p unsafe.Pointer, n uint) error
	Invalidate(p unsafe.Pointer, n uint) error
}

// CoherentCache is the tier for hardware whose bus snoops; both
// operations do nothing.
type CoherentCache struct{}

func (CoherentCache) Coherent() bool                       { return true }
func (CoherentCache) Flush(p unsafe.Pointer, n uint) error { return nil }
func (CoherentCache) Invalidate(p unsafe.Pointer, n uint) error {
	return nil
}

// syncer brackets transfers with cache maintenance.  It widens every
// request to the containing cache-line-aligned range itself; flushing a
// misaligned sub-range can corrupt unrelated data sharing a line, so
// caller bounds are never trusted.
type syncer struct {
	ops           CacheOps
	log2LineBytes uint
}

func (s *syncer) init(ops CacheOps) {
	if ops == nil {
		ops = CoherentCache{}
	}
	s.ops = ops
	s.log2LineBytes = cpu.Log2CacheLineBytes
}

func (s *syncer) coherent() bool { return s.ops.Coherent() }

// alignedSpan widens [&b[0], &b[0]+len) to whole cache lines.
func (s *syncer) alignedSpan(b []byte) (p unsafe.Pointer, n uint) {
	line := uintptr(1) << s.log2LineBytes
	lo := uintptr(unsafe.Pointer(&b[0])) &^ (line - 1)
	hi := (uintptr(unsafe.Pointer(&b[0])) + uintptr(len(b)) + line - 1) &^ (line - 1)
	return unsafe.Pointer(uintptr(unsafe.Pointer(&b[0])) &^ (line - 1)), uint(hi - lo)
}

// forDevice runs before the device touches memory: CPU-dirty lines must
// reach memory first, for either direction.
func (s *syncer) forDevice(b []byte, dir Direction) error {
	if s.coherent() || len(b) == 0 {
		return nil
	}
	p, n := s.alignedSpan(b)
	return s.ops.Flush(p, n)
}

// forCPU runs before the CPU reads the result of a device write: cached
// lines covering the buffer are stale and must be invalidated.  Nothing to
// do after a device read.
func (s *syncer) forCPU(b []byte, dir Direction) error {
	if s.coherent() || len(b) == 0 {
		return nil
	}
	if dir != RxDirection {
		return nil
	}
	p, n := s.alignedSpan(b)
	return s.ops.Invalidate(p, n)
}

// CheckCoherency verifies the configured cache ops round-trip a pattern
// through a device-visible buffer.  Intended for init-time self test.
func (m *Main) CheckCoherency(b []byte) error {
	if len(b) == 0 {
		return ErrInvalidParam
	}
	const pattern = 0xaa
	for i := range b {
		b[i] = pattern
	}
	if err := m.cacheSync.forDevice(b, TxDirection); err != nil {
		return ErrCacheSync
	}
	if err := m.cacheSync.forCPU(b, RxDirection); err != nil {
		return ErrCacheSync
	}
	for i := range b {
		if b[i] != pattern {
			return ErrCacheSync
		}
	}
	return nil
}
