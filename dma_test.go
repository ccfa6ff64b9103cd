// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"sync"
	"testing"
	"unsafe"
)

func testMain(t *testing.T, cfg Config) *Main {
	t.Helper()
	if cfg.HeapBytes == 0 {
		cfg.HeapBytes = 1 << 20
	}
	m := &Main{}
	if err := m.Init(cfg); err != nil {
		t.Fatalf("init: %v", err)
	}
	return m
}

func testPages(heapBytes uint, f func(i uint) PhysAddr) (pages []PhysAddr) {
	n := (heapBytes + 1<<defaultLog2HeapPageBytes - 1) >> defaultLog2HeapPageBytes
	pages = make([]PhysAddr, n)
	for i := range pages {
		pages[i] = f(uint(i))
	}
	return
}

// recordingCache counts flush/invalidate calls and verifies every range is
// whole cache lines.
type recordingCache struct {
	t                   *testing.T
	flushes, invalidates uint
	spans               [][2]uintptr
	fail                bool
}

func (c *recordingCache) Coherent() bool { return false }

func (c *recordingCache) note(p unsafe.Pointer, n uint) error {
	if c.fail {
		return ErrCacheSync
	}
	const line = 64
	if uintptr(p)%line != 0 || n%line != 0 {
		c.t.Errorf("cache range %p+%d not line aligned", p, n)
	}
	c.spans = append(c.spans, [2]uintptr{uintptr(p), uintptr(p) + uintptr(n)})
	return nil
}

func (c *recordingCache) Flush(p unsafe.Pointer, n uint) error {
	err := c.note(p, n)
	if err == nil {
		c.flushes++
	}
	return err
}

func (c *recordingCache) Invalidate(p unsafe.Pointer, n uint) error {
	err := c.note(p, n)
	if err == nil {
		c.invalidates++
	}
	return err
}

func (c *recordingCache) contains(b []byte) bool {
	lo := uintptr(unsafe.Pointer(&b[0]))
	hi := lo + uintptr(len(b))
	for _, s := range c.spans {
		if s[0] <= lo && hi <= s[1] {
			return true
		}
	}
	return false
}

// fakeLock is a scriptable host lock service.
type fakeLock struct {
	mu       sync.Mutex
	lockErr  error
	region   func(b []byte) LockedRegion
	next     LockHandle
	held     map[LockHandle]bool
	unlocked []LockHandle
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[LockHandle]bool)}
}

func (f *fakeLock) Lock(b []byte, dir Direction) (r LockedRegion, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lockErr != nil {
		err = f.lockErr
		return
	}
	f.next++
	r = LockedRegion{Phys: 0x2000, Len: uint(len(b)), Contiguous: true, Handle: f.next}
	if f.region != nil {
		r = f.region(b)
		r.Handle = f.next
	}
	f.held[r.Handle] = true
	return
}

func (f *fakeLock) Unlock(h LockHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.held[h] {
		return ErrNotMapped
	}
	delete(f.held, h)
	f.unlocked = append(f.unlocked, h)
	return nil
}

func (f *fakeLock) outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}
