// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/elib"
	"github.com/platinasystems/elib/elog"
	"github.com/platinasystems/log"
)

type MapFlag uint32

const (
	// Skip cache maintenance; the mapping is known coherent.
	MapCoherent, Log2MapCoherent MapFlag = 1 << iota, iota
	// Always use a bounce buffer even for safe originals.
	MapForceBounce, Log2MapForceBounce
	// Caller takes responsibility for cache sync.
	MapNoCacheSync, Log2MapNoCacheSync
	// Try the lock service before falling back to bounce.
	MapZerocopyPreferred, Log2MapZerocopyPreferred
)

var mapFlagStrings = [...]string{
	Log2MapCoherent:          "coherent",
	Log2MapForceBounce:       "force-bounce",
	Log2MapNoCacheSync:       "no-cache-sync",
	Log2MapZerocopyPreferred: "zerocopy-preferred",
}

func (f MapFlag) String() string { return elib.FlagStringer(mapFlagStrings[:], elib.Word(f)) }

type mapState uint8

const (
	mapUnmapped mapState = iota
	mapMapping
	mapMapped
	mapUnmapping
	mapReleased
)

var mapStateStrings = [...]string{
	mapUnmapped:  "unmapped",
	mapMapping:   "mapping",
	mapMapped:    "mapped",
	mapUnmapping: "unmapping",
	mapReleased:  "released",
}

func (s mapState) String() string { return elib.Stringer(mapStateStrings[:], int(s)) }

const mappingMagic = 0x444d4150 // "DMAP"

// Mapping is one live translation of a caller buffer to a bus address.
// Exclusively owned by its caller from Map until Unmap.  The resolved
// range never crosses a 64KB boundary and never exceeds the device limit;
// a mapping violating either is never returned.
type Mapping struct {
	main *Main

	// Caller's buffer and the buffer the device sees; identical unless
	// bounced.
	orig   []byte
	mapped []byte

	phys  PhysAddr
	dir   Direction
	flags MapFlag

	usesBounce bool
	bounceSlot uint

	usesLock bool
	locked   LockedRegion

	coherent bool

	state mapState
	magic uint32
}

func (p *Mapping) valid() bool { return p != nil && p.magic == mappingMagic && p.state == mapMapped }

// PhysAddr is the bus address the device transfers against.
func (p *Mapping) PhysAddr() PhysAddr { return p.phys }

// Bytes is the buffer the device sees: the original, or the bounce copy.
func (p *Mapping) Bytes() []byte { return p.mapped }

func (p *Mapping) Len() uint            { return uint(len(p.orig)) }
func (p *Mapping) Direction() Direction { return p.dir }
func (p *Mapping) UsesBounce() bool     { return p.usesBounce }
func (p *Mapping) UsesLock() bool       { return p.usesLock }
func (p *Mapping) Coherent() bool       { return p.coherent }

// Valid reports whether the handle is live and internally consistent.
func (p *Mapping) Valid() bool {
	if !p.valid() {
		return false
	}
	if len(p.mapped) == 0 {
		return false
	}
	if p.usesBounce && &p.mapped[0] == &p.orig[0] {
		return false
	}
	return true
}

// MapTx maps a buffer the device will read.
func (m *Main) MapTx(b []byte) (*Mapping, error) { return m.MapBuffer(b, TxDirection, 0) }

// MapRx maps a buffer the device will write.
func (m *Main) MapRx(b []byte) (*Mapping, error) { return m.MapBuffer(b, RxDirection, 0) }

// MapBuffer maps a buffer for the given direction under the default
// device class.
func (m *Main) MapBuffer(b []byte, dir Direction, flags MapFlag) (*Mapping, error) {
	return m.mapWith(b, dir, flags, m.constraints.get(m.DeviceClass))
}

// MapWithConstraints maps under a named device class.  The resolved
// address is validated against that class; a violation falls back to a
// bounce buffer, and a bounce that still violates is a configuration
// defect reported as ErrBoundary.
func (m *Main) MapWithConstraints(b []byte, dir Direction, deviceClass string) (*Mapping, error) {
	return m.mapWith(b, dir, 0, m.constraints.get(deviceClass))
}

func (m *Main) mapFailed(err error) error {
	count(&m.stats.MappingErrors)
	return err
}

func (m *Main) mapWith(b []byte, dir Direction, flags MapFlag, c *Constraint) (mp *Mapping, err error) {
	if !m.initialized || len(b) == 0 || dir < 0 || dir >= NDirection {
		return nil, m.mapFailed(ErrInvalidParam)
	}

	r, err := m.heap.Check(b, c)
	if err != nil {
		return nil, m.mapFailed(err)
	}
	m.countCheck(&r)

	mp = &Mapping{
		main:     m,
		orig:     b,
		dir:      dir,
		flags:    flags,
		coherent: c.Coherent || flags&MapCoherent != 0,
		state:    mapMapping,
	}

	forceBounce := flags&MapForceBounce != 0 || m.Policy == PolicyBounceAlways
	usesBounce := forceBounce || r.NeedsBounce

	// Zerocopy resolution: a buffer the page table cannot prove safe may
	// still be drivable if the host locks it in place.  The service can
	// refuse, or grant a region the device cannot drive; either way the
	// fallback is a bounce, never an error to the caller.
	if usesBounce && !forceBounce && m.Lock != nil &&
		(m.Policy == PolicyZerocopy || flags&MapZerocopyPreferred != 0) {
		lr, e := m.Lock.Lock(b, dir)
		switch {
		case e != nil:
			count(&m.stats.LockFallbacks)
		case !validateLocked(&lr, uint(len(b)), c):
			if e = m.Lock.Unlock(lr.Handle); e != nil {
				log.Print("dma", "err", "unlock after constraint fallback: ", e)
			}
			count(&m.stats.LockFallbacks)
		default:
			mp.locked = lr
			mp.usesLock = true
			usesBounce = false
		}
	}

	switch {
	case usesBounce:
		pool := &m.pools[dir]
		slot, ok := pool.acquire(uint(len(b)))
		if !ok {
			count(&m.stats.NoBounce)
			return nil, m.mapFailed(ErrNoBounce)
		}
		bb := pool.buf(slot)
		mp.usesBounce = true
		mp.bounceSlot = slot
		mp.mapped = bb.b[:len(b)]
		mp.phys = bb.phys
		if dir == TxDirection {
			copy(mp.mapped, b)
		}
	case mp.usesLock:
		mp.mapped = b
		mp.phys = mp.locked.Phys
	default:
		mp.mapped = b
		mp.phys = r.Phys
	}

	// The invariant every caller relies on.  A violation here means a
	// mis-validated pool or lock service and is a logic defect, not a
	// recoverable condition.
	n := uint(len(b))
	if mp.phys.Crosses64k(n) || mp.phys.Exceeds(n, c.MaxAddr) {
		log.Print("dma", "err", "resolved range ", mp.phys, "+", n,
			" violates ", c.Name, " after fallback")
		m.undo(mp)
		return nil, m.mapFailed(ErrBoundary)
	}

	if !mp.coherent && flags&MapNoCacheSync == 0 {
		if e := m.cacheSync.forDevice(mp.mapped, dir); e != nil {
			m.undo(mp)
			return nil, m.mapFailed(ErrCacheSync)
		}
		count(&m.stats.CacheSyncs)
	}

	count(&m.stats.TotalMappings)
	count(&m.stats.ActiveMappings)
	if mp.usesBounce {
		count(&m.stats.BounceMappings)
	} else {
		count(&m.stats.DirectMappings)
	}
	if dir == TxDirection {
		count(&m.stats.TxMappings)
	} else {
		count(&m.stats.RxMappings)
	}

	mp.state = mapMapped
	mp.magic = mappingMagic
	if elog.Enabled() {
		elog.F("dma map %s %s %d bytes bounce %v", dir, mp.phys, n, mp.usesBounce)
	}
	return mp, nil
}

// undo releases whatever mapWith acquired so a failed map leaves no
// partial state behind.
func (m *Main) undo(mp *Mapping) {
	if mp.usesBounce {
		m.pools[mp.dir].release(mp.bounceSlot)
		mp.usesBounce = false
	}
	if mp.usesLock {
		if e := m.Lock.Unlock(mp.locked.Handle); e != nil {
			log.Print("dma", "err", "unlock during unwind: ", e)
		}
		mp.usesLock = false
	}
	mp.state = mapUnmapped
}

// Unmap destroys a handle: sync for CPU, copy a bounced receive back to
// the original, release the bounce slot or the page lock.  Exactly once
// per handle; a second call is a caller bug and reports ErrNotMapped.
func (m *Main) Unmap(mp *Mapping) error { return m.unmap(mp, false) }

// UnmapFromInterrupt is Unmap for interrupt-equivalent context: the page
// lock, if any, is queued for the next DrainDeferred pass instead of being
// released inline.
func (m *Main) UnmapFromInterrupt(mp *Mapping) error { return m.unmap(mp, true) }

func (m *Main) unmap(mp *Mapping, fromInterrupt bool) (err error) {
	if !mp.valid() {
		count(&m.stats.MappingErrors)
		return ErrNotMapped
	}
	mp.state = mapUnmapping

	if !mp.coherent && mp.flags&MapNoCacheSync == 0 {
		if e := m.cacheSync.forCPU(mp.mapped, mp.dir); e != nil {
			// Teardown continues; holding resources would be worse
			// than an unsynchronized read.
			err = ErrCacheSync
		} else {
			count(&m.stats.CacheSyncs)
		}
	}

	if mp.usesBounce {
		if mp.dir == RxDirection {
			copy(mp.orig, mp.mapped)
		}
		if e := m.pools[mp.dir].release(mp.bounceSlot); e != nil && err == nil {
			err = e
		}
	}

	if mp.usesLock {
		if fromInterrupt {
			if !m.pending.add(mp.locked.Handle) {
				count(&m.stats.DeferredOverflows)
			}
		} else if e := m.Lock.Unlock(mp.locked.Handle); e != nil {
			log.Print("dma", "err", "unlock: ", e)
			if err == nil {
				err = e
			}
		}
	}

	uncount(&m.stats.ActiveMappings)
	mp.magic = 0
	mp.state = mapReleased
	if elog.Enabled() {
		elog.F("dma unmap %s %s", mp.dir, mp.phys)
	}
	return
}

// SyncForDevice republishes CPU writes to the device for a live streaming
// mapping.  Callable any number of times between Map and Unmap.
func (m *Main) SyncForDevice(mp *Mapping) error {
	if !mp.valid() {
		count(&m.stats.MappingErrors)
		return ErrNotMapped
	}
	if mp.coherent || mp.flags&MapNoCacheSync != 0 {
		return nil
	}
	if err := m.cacheSync.forDevice(mp.mapped, mp.dir); err != nil {
		return ErrCacheSync
	}
	count(&m.stats.CacheSyncs)
	return nil
}

// SyncForCPU makes device writes visible to the CPU for a live streaming
// mapping.
func (m *Main) SyncForCPU(mp *Mapping) error {
	if !mp.valid() {
		count(&m.stats.MappingErrors)
		return ErrNotMapped
	}
	if mp.coherent || mp.flags&MapNoCacheSync != 0 {
		return nil
	}
	if err := m.cacheSync.forCPU(mp.mapped, mp.dir); err != nil {
		return ErrCacheSync
	}
	count(&m.stats.CacheSyncs)
	return nil
}
