// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"testing"
)

func TestCacheTxLifecycle(t *testing.T) {
	rc := &recordingCache{t: t}
	m := testMain(t, Config{Cache: rc})
	b, _, err := m.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	mp, err := m.MapTx(b)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	// Device reads: dirty lines flushed before the transfer, nothing after.
	if rc.flushes != 1 || rc.invalidates != 0 {
		t.Errorf("after map: %d flushes %d invalidates", rc.flushes, rc.invalidates)
	}
	if !rc.contains(mp.Bytes()) {
		t.Error("flushed range does not cover the mapping")
	}
	if err = m.Unmap(mp); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	if rc.invalidates != 0 {
		t.Errorf("tx unmap invalidated: %d", rc.invalidates)
	}
}

func TestCacheRxLifecycle(t *testing.T) {
	rc := &recordingCache{t: t}
	m := testMain(t, Config{Cache: rc})
	b, _, err := m.Alloc(100)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	mp, err := m.MapRx(b)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if rc.flushes != 1 {
		t.Errorf("after map: %d flushes", rc.flushes)
	}
	if err = m.Unmap(mp); err != nil {
		t.Fatalf("unmap: %v", err)
	}
	// Device wrote: stale lines invalidated before the CPU reads.
	if rc.invalidates != 1 {
		t.Errorf("after unmap: %d invalidates", rc.invalidates)
	}
	if got := m.Snapshot().CacheSyncs; got != 2 {
		t.Errorf("syncs: got %d want 2", got)
	}
}

func TestCacheSkipped(t *testing.T) {
	rc := &recordingCache{t: t}
	m := testMain(t, Config{Cache: rc})
	b, _, err := m.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}

	for _, flags := range []MapFlag{MapCoherent, MapNoCacheSync} {
		mp, err := m.MapBuffer(b, RxDirection, flags)
		if err != nil {
			t.Fatalf("map %s: %v", flags, err)
		}
		if err = m.Unmap(mp); err != nil {
			t.Fatalf("unmap %s: %v", flags, err)
		}
	}
	if rc.flushes != 0 || rc.invalidates != 0 {
		t.Errorf("%d flushes %d invalidates, want none", rc.flushes, rc.invalidates)
	}

	// Coherent device classes skip maintenance too.
	mp, err := m.MapWithConstraints(b, RxDirection, "boomerang")
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if !mp.Coherent() {
		t.Error("boomerang mapping not coherent")
	}
	m.Unmap(mp)
	if rc.flushes != 0 || rc.invalidates != 0 {
		t.Errorf("coherent class synced: %d flushes %d invalidates", rc.flushes, rc.invalidates)
	}
}

func TestCacheStreamingSync(t *testing.T) {
	rc := &recordingCache{t: t}
	m := testMain(t, Config{Cache: rc})
	b, _, err := m.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	mp, err := m.MapRx(b)
	if err != nil {
		t.Fatalf("map: %v", err)
	}
	if err = m.SyncForCPU(mp); err != nil {
		t.Fatalf("sync for cpu: %v", err)
	}
	if err = m.SyncForDevice(mp); err != nil {
		t.Fatalf("sync for device: %v", err)
	}
	if rc.flushes != 2 || rc.invalidates != 1 {
		t.Errorf("%d flushes %d invalidates", rc.flushes, rc.invalidates)
	}
	m.Unmap(mp)
	if err = m.SyncForDevice(mp); err != ErrNotMapped {
		t.Errorf("sync on released handle: got %v want %v", err, ErrNotMapped)
	}
}

func TestCacheSyncFailure(t *testing.T) {
	rc := &recordingCache{t: t, fail: true}
	m := testMain(t, Config{Cache: rc})

	// A failed device sync must unwind completely: no handle, no held
	// bounce slot.
	if _, err := m.MapTx(make([]byte, 64)); err != ErrCacheSync {
		t.Fatalf("map: got %v want %v", err, ErrCacheSync)
	}
	s := m.Snapshot()
	if s.ActiveMappings != 0 {
		t.Errorf("active after failure: %d", s.ActiveMappings)
	}
	p := &m.pools[TxDirection]
	if p.nFree != p.cap() {
		t.Errorf("pool leaked: %d/%d free", p.nFree, p.cap())
	}
}

func TestCheckCoherency(t *testing.T) {
	rc := &recordingCache{t: t}
	m := testMain(t, Config{Cache: rc})
	b, _, err := m.Alloc(256)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if err = m.CheckCoherency(b); err != nil {
		t.Fatalf("check coherency: %v", err)
	}
	if err = m.CheckCoherency(nil); err != ErrInvalidParam {
		t.Errorf("nil buffer: got %v want %v", err, ErrInvalidParam)
	}
	rc.fail = true
	if err = m.CheckCoherency(b); err != ErrCacheSync {
		t.Errorf("failing ops: got %v want %v", err, ErrCacheSync)
	}
}
