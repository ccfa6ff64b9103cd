// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/elib"
	"github.com/platinasystems/log"

	"fmt"
	"sync/atomic"
)

type Config struct {
	// Bytes of translatable dma memory; bounce buffers are carved from
	// this region.
	HeapBytes uint

	Log2HeapPageBytes uint

	// Bus address of each heap page, from the host.  Empty means the
	// identity table.  Installed before bounce pools are carved so pool
	// pre-validation sees real addresses.
	PageTable []PhysAddr

	// Buffers per pool per direction.
	TxPoolCap, RxPoolCap uint

	// Size of one bounce buffer; the largest mappable bounced transfer.
	BounceBytes uint

	Policy Policy

	// Device class assumed when the caller names none.
	DeviceClass string

	// Host cache maintenance; nil means coherent hardware.
	Cache CacheOps

	// Host page lock service; nil disables zerocopy resolution.
	Lock LockService

	// Capacity of the deferred unlock queue.
	PendingCap uint
}

// Main owns all subsystem state: heap, constraint table, both bounce
// pools, the cache synchronizer, deferred unlock queue and statistics.
// Everything shared between interrupt and foreground contexts lives here
// so the sharing contract is visible in every signature.
type Main struct {
	Config

	heap        Heap
	constraints constraintTable
	pools       [NDirection]bouncePool
	cacheSync   syncer
	pending     pendingUnlocks
	stats       Stats

	initialized bool
}

const (
	defaultHeapBytes   = 2 << 20
	defaultPoolCap     = 8
	defaultBounceBytes = 2048
)

func (m *Main) Init(cfg Config) (err error) {
	if m.initialized {
		return fmt.Errorf("dma: already initialized")
	}
	if cfg.HeapBytes == 0 {
		cfg.HeapBytes = defaultHeapBytes
	}
	if cfg.TxPoolCap == 0 {
		cfg.TxPoolCap = defaultPoolCap
	}
	if cfg.RxPoolCap == 0 {
		cfg.RxPoolCap = defaultPoolCap
	}
	if cfg.BounceBytes == 0 {
		cfg.BounceBytes = defaultBounceBytes
	}
	m.Config = cfg

	m.constraints.init()
	if err = m.heap.Init(cfg.HeapBytes, cfg.Log2HeapPageBytes); err != nil {
		return
	}
	if len(cfg.PageTable) > 0 {
		if err = m.heap.SetPageTable(cfg.PageTable); err != nil {
			return
		}
	}
	m.cacheSync.init(cfg.Cache)
	m.pending.init(cfg.PendingCap)

	// Pools validate against the strictest registered class once; no
	// per-checkout validation ever happens after this.
	strict := m.constraints.strictest()
	if err = m.pools[TxDirection].init(&m.heap, "tx", cfg.TxPoolCap, cfg.BounceBytes, &strict); err != nil {
		return
	}
	if err = m.pools[RxDirection].init(&m.heap, "rx", cfg.RxPoolCap, cfg.BounceBytes, &strict); err != nil {
		return
	}
	m.constraints.seal()
	m.initialized = true
	log.Print("dma", "info", "init: policy ", m.Policy,
		", tx pool ", cfg.TxPoolCap, ", rx pool ", cfg.RxPoolCap,
		", bounce ", cfg.BounceBytes, " bytes")
	return
}

// Exit logs leaked handles; it does not tear the heap down since
// outstanding hardware transfers may still reference it.
func (m *Main) Exit() {
	if n := atomic.LoadUint64(&m.stats.ActiveMappings); n > 0 {
		log.Print("dma", "warn", "exit with ", n, " active mappings")
	}
	log.Print("dma", "info", "exit: ", m.Snapshot())
}

// SetPageTable installs the host's bus address for each heap page.
// Install before any mapping; translations already handed out are not
// revised.
func (m *Main) SetPageTable(pages []PhysAddr) error { return m.heap.SetPageTable(pages) }

// Alloc carves an n byte buffer from the translatable dma region.
// Buffers obtained here are candidates for direct mapping; any other
// buffer always bounces.
func (m *Main) Alloc(n uint) (b []byte, id elib.Index, err error) {
	if !m.initialized || n == 0 {
		err = ErrInvalidParam
		return
	}
	b, id, _ = m.heap.Alloc(n)
	b = b[:n]
	return
}

func (m *Main) Free(id elib.Index) { m.heap.Free(id) }

// Check classifies a buffer against a device class without mapping it.
func (m *Main) Check(b []byte, deviceClass string) (CheckResult, error) {
	return m.heap.Check(b, m.constraints.get(deviceClass))
}

func (m *Main) PoolString(dir Direction) string { return m.pools[dir].String() }
