// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"testing"
)

func TestZerocopyLock(t *testing.T) {
	lk := newFakeLock()
	m := testMain(t, Config{Policy: PolicyZerocopy, Lock: lk})

	b := make([]byte, 256)
	mp, err := m.MapTx(b)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !mp.UsesLock() || mp.UsesBounce() {
		t.Errorf("lock %v bounce %v, want locked zerocopy", mp.UsesLock(), mp.UsesBounce())
	}
	if !sameBuffer(mp.Bytes(), b) {
		t.Error("zerocopy mapping does not reference the original")
	}
	if got, want := mp.PhysAddr(), PhysAddr(0x2000); got != want {
		t.Errorf("phys: got %s want %s", got, want)
	}
	if err = m.Unmap(mp); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if lk.outstanding() != 0 {
		t.Errorf("locks outstanding after unmap: %d", lk.outstanding())
	}
}

func TestZerocopyLockFailure(t *testing.T) {
	lk := newFakeLock()
	lk.lockErr = ErrNoMemory
	m := testMain(t, Config{Policy: PolicyZerocopy, Lock: lk})

	mp, err := m.MapTx(make([]byte, 256))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mp.UsesLock() || !mp.UsesBounce() {
		t.Error("lock failure did not fall back to bounce")
	}
	m.Unmap(mp)
	if got := m.Snapshot().LockFallbacks; got != 1 {
		t.Errorf("fallbacks: got %d want 1", got)
	}
}

func TestZerocopyBadRegion(t *testing.T) {
	lk := newFakeLock()
	// Grant a region straddling a 64KB segment.
	lk.region = func(b []byte) LockedRegion {
		return LockedRegion{Phys: 0xfff0, Len: uint(len(b)), Contiguous: true}
	}
	m := testMain(t, Config{Policy: PolicyZerocopy, Lock: lk})

	mp, err := m.MapTx(make([]byte, 256))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if mp.UsesLock() || !mp.UsesBounce() {
		t.Error("unusable locked region not rejected")
	}
	// The useless lock must have been released immediately.
	if lk.outstanding() != 0 {
		t.Errorf("locks outstanding after fallback: %d", lk.outstanding())
	}
	m.Unmap(mp)
	if got := m.Snapshot().LockFallbacks; got != 1 {
		t.Errorf("fallbacks: got %d want 1", got)
	}
}

func TestDeferredUnlock(t *testing.T) {
	lk := newFakeLock()
	m := testMain(t, Config{Policy: PolicyZerocopy, Lock: lk})

	mp, err := m.MapRx(make([]byte, 128))
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !mp.UsesLock() {
		t.Fatal("expected locked mapping")
	}
	if err = m.UnmapFromInterrupt(mp); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	// The handle is gone but the lock is still held until the drain pass.
	if lk.outstanding() != 1 {
		t.Fatalf("lock released in interrupt context")
	}
	n, err := m.DrainDeferred()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 || lk.outstanding() != 0 {
		t.Errorf("drain: released %d, outstanding %d", n, lk.outstanding())
	}
	if got := m.Snapshot().DeferredUnlocks; got != 1 {
		t.Errorf("deferred unlocks: got %d want 1", got)
	}
}

func TestDeferredOverflow(t *testing.T) {
	lk := newFakeLock()
	m := testMain(t, Config{Policy: PolicyZerocopy, Lock: lk, PendingCap: 1})

	for i := 0; i < 2; i++ {
		mp, err := m.MapRx(make([]byte, 128))
		if err != nil {
			t.Fatalf("map %d: %v", i, err)
		}
		if err = m.UnmapFromInterrupt(mp); err != nil {
			t.Fatalf("unmap %d: %v", i, err)
		}
	}
	s := m.Snapshot()
	if s.DeferredOverflows != 1 {
		t.Errorf("overflows: got %d want 1", s.DeferredOverflows)
	}
	n, err := m.DrainDeferred()
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if n != 1 {
		t.Errorf("drained: got %d want 1", n)
	}
	// The dropped token leaks its lock until the host reclaims it.
	if lk.outstanding() != 1 {
		t.Errorf("outstanding: got %d want 1", lk.outstanding())
	}
}

func TestValidateLocked(t *testing.T) {
	c := &conservativeConstraint
	for _, x := range []struct {
		name string
		r    LockedRegion
		n    uint
		ok   bool
	}{
		{"good", LockedRegion{Phys: 0x1000, Len: 256, Contiguous: true}, 256, true},
		{"short", LockedRegion{Phys: 0x1000, Len: 128, Contiguous: true}, 256, false},
		{"crosses", LockedRegion{Phys: 0xfff0, Len: 256, Contiguous: true}, 256, false},
		{"high", LockedRegion{Phys: 0xfffff0, Len: 256, Contiguous: true}, 256, false},
		{"scattered", LockedRegion{Phys: 0x1000, Len: 256}, 256, false},
		{"misaligned", LockedRegion{Phys: 0x1004, Len: 256, Contiguous: true}, 256, false},
	} {
		if got := validateLocked(&x.r, x.n, c); got != x.ok {
			t.Errorf("%s: got %v want %v", x.name, got, x.ok)
		}
	}
}
