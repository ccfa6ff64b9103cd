// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/log"
)

// pendingUnlocks queues lock handles whose release could not happen where
// the unmap ran.  The lock service is not callable from
// interrupt-equivalent context, so an interrupt unmap enqueues a token here
// and the next foreground pass discharges it.  Fixed capacity ring; the
// enqueue path never allocates.
type pendingUnlocks struct {
	sect    critical
	ring    []LockHandle
	rd, wr  uint
	n       uint
	dropped uint
}

func (q *pendingUnlocks) init(cap uint) {
	if cap == 0 {
		cap = 64
	}
	q.ring = make([]LockHandle, cap)
}

// add enqueues a token.  A full ring means the caller outran the drain
// pass; the token is counted as dropped and the lock leaks until the host
// reclaims it.
func (q *pendingUnlocks) add(h LockHandle) (ok bool) {
	q.sect.enter()
	if q.n < uint(len(q.ring)) {
		q.ring[q.wr] = h
		q.wr = (q.wr + 1) % uint(len(q.ring))
		q.n++
		ok = true
	} else {
		q.dropped++
	}
	q.sect.leave()
	return
}

func (q *pendingUnlocks) take() (h LockHandle, ok bool) {
	q.sect.enter()
	if q.n > 0 {
		h = q.ring[q.rd]
		q.rd = (q.rd + 1) % uint(len(q.ring))
		q.n--
		ok = true
	}
	q.sect.leave()
	return
}

// DrainDeferred discharges unlock obligations queued by
// interrupt-initiated unmaps.  Call from foreground context only; this is
// the one place the lock service is invoked on their behalf.
func (m *Main) DrainDeferred() (n int, err error) {
	for {
		h, ok := m.pending.take()
		if !ok {
			return
		}
		if e := m.Lock.Unlock(h); e != nil {
			log.Print("dma", "err", "deferred unlock ", h, ": ", e)
			err = e
			continue
		}
		count(&m.stats.DeferredUnlocks)
		n++
	}
}
