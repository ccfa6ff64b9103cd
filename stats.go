// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sync/atomic"
)

// Stats counts subsystem activity.  Counters are monotonic except
// ActiveMappings which tracks outstanding handles.  Updated with atomic
// increments from any context; read via Snapshot.
type Stats struct {
	TotalMappings  uint64
	ActiveMappings uint64
	DirectMappings uint64
	BounceMappings uint64
	CacheSyncs     uint64
	MappingErrors  uint64
	TxMappings     uint64
	RxMappings     uint64

	// Pool exhaustion and lock-service fallbacks.
	NoBounce      uint64
	LockFallbacks uint64

	// Checker verdicts on caller buffers.
	Violations64k        uint64
	ViolationsLimit      uint64
	ViolationsAlignment  uint64
	ViolationsContiguity uint64

	DeferredUnlocks   uint64
	DeferredOverflows uint64
}

func count(c *uint64)   { atomic.AddUint64(c, 1) }
func uncount(c *uint64) { atomic.AddUint64(c, ^uint64(0)) }

// Snapshot returns a consistent-enough copy for a metrics collector; each
// field is read atomically.
func (m *Main) Snapshot() (s Stats) {
	src := &m.stats
	s.TotalMappings = atomic.LoadUint64(&src.TotalMappings)
	s.ActiveMappings = atomic.LoadUint64(&src.ActiveMappings)
	s.DirectMappings = atomic.LoadUint64(&src.DirectMappings)
	s.BounceMappings = atomic.LoadUint64(&src.BounceMappings)
	s.CacheSyncs = atomic.LoadUint64(&src.CacheSyncs)
	s.MappingErrors = atomic.LoadUint64(&src.MappingErrors)
	s.TxMappings = atomic.LoadUint64(&src.TxMappings)
	s.RxMappings = atomic.LoadUint64(&src.RxMappings)
	s.NoBounce = atomic.LoadUint64(&src.NoBounce)
	s.LockFallbacks = atomic.LoadUint64(&src.LockFallbacks)
	s.Violations64k = atomic.LoadUint64(&src.Violations64k)
	s.ViolationsLimit = atomic.LoadUint64(&src.ViolationsLimit)
	s.ViolationsAlignment = atomic.LoadUint64(&src.ViolationsAlignment)
	s.ViolationsContiguity = atomic.LoadUint64(&src.ViolationsContiguity)
	s.DeferredUnlocks = atomic.LoadUint64(&src.DeferredUnlocks)
	s.DeferredOverflows = atomic.LoadUint64(&src.DeferredOverflows)
	return
}

// ClearStats zeroes every counter except ActiveMappings, which still
// tracks live handles.
func (m *Main) ClearStats() {
	s := &m.stats
	atomic.StoreUint64(&s.TotalMappings, 0)
	atomic.StoreUint64(&s.DirectMappings, 0)
	atomic.StoreUint64(&s.BounceMappings, 0)
	atomic.StoreUint64(&s.CacheSyncs, 0)
	atomic.StoreUint64(&s.MappingErrors, 0)
	atomic.StoreUint64(&s.TxMappings, 0)
	atomic.StoreUint64(&s.RxMappings, 0)
	atomic.StoreUint64(&s.NoBounce, 0)
	atomic.StoreUint64(&s.LockFallbacks, 0)
	atomic.StoreUint64(&s.Violations64k, 0)
	atomic.StoreUint64(&s.ViolationsLimit, 0)
	atomic.StoreUint64(&s.ViolationsAlignment, 0)
	atomic.StoreUint64(&s.ViolationsContiguity, 0)
	atomic.StoreUint64(&s.DeferredUnlocks, 0)
	atomic.StoreUint64(&s.DeferredOverflows, 0)
}

func (s Stats) String() string {
	return fmt.Sprintf("mappings: %d total, %d active, %d direct, %d bounced; %d cache syncs, %d errors; tx %d, rx %d; exhausted %d, lock fallbacks %d",
		s.TotalMappings, s.ActiveMappings, s.DirectMappings, s.BounceMappings,
		s.CacheSyncs, s.MappingErrors, s.TxMappings, s.RxMappings,
		s.NoBounce, s.LockFallbacks)
}

func (m *Main) countCheck(r *CheckResult) {
	if r.Crosses64k {
		count(&m.stats.Violations64k)
	}
	if r.ExceedsMax {
		count(&m.stats.ViolationsLimit)
	}
	if r.Misaligned {
		count(&m.stats.ViolationsAlignment)
	}
	if r.NotContiguous {
		count(&m.stats.ViolationsContiguity)
	}
}
