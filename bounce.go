// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/elib"
	"github.com/platinasystems/log"

	"fmt"
)

// One pre-validated buffer in a bounce pool.  Its bus address is computed
// once at pool init and is stable for the life of the process.
type bounceBuf struct {
	b    []byte
	id   elib.Index
	phys PhysAddr
}

// Fixed capacity pool of bounce buffers.  Separate instances serve
// transmit and receive so the two directions cannot starve each other.
// Buffers are never resized or individually freed, only checked out and
// returned.
type bouncePool struct {
	name string

	bufs     []bounceBuf
	bufBytes uint

	// Free slot bitmap and count.  Mutation happens inside a short
	// critical section; no allocation, copying or resolver calls there.
	free  elib.Bitmap
	nFree uint

	sect critical
}

// init carves and validates every buffer up front against the strictest
// known constraint, so acquire never re-validates.
func (p *bouncePool) init(h *Heap, name string, n, bufBytes uint, c *Constraint) (err error) {
	if n == 0 || bufBytes == 0 {
		return ErrInvalidParam
	}
	p.name = name
	p.bufBytes = bufBytes
	p.bufs = make([]bounceBuf, n)
	for i := uint(0); i < n; i++ {
		b, id, _, phys, e := h.AllocConstrained(bufBytes, c)
		if e != nil {
			return fmt.Errorf("%s pool buffer %d: %v", name, i, e)
		}
		// The pool invariant: every buffer independently satisfies
		// the strictest constraint at all times.
		if phys.Crosses64k(bufBytes) || phys.Exceeds(bufBytes, c.MaxAddr) || !phys.Aligned(c.Log2Align) {
			return fmt.Errorf("%s pool buffer %d at %s fails %s", name, i, phys, c.Name)
		}
		p.bufs[i] = bounceBuf{b: b[:bufBytes], id: id, phys: phys}
		p.free = p.free.Set(i)
	}
	p.nFree = n
	return
}

func (p *bouncePool) cap() uint { return uint(len(p.bufs)) }

// acquire checks out the lowest free slot.  An empty pool or an oversized
// request returns ok false; callers must treat that as a hard mapping
// failure, never as a reason to hand out an unsafe direct mapping.
func (p *bouncePool) acquire(minSize uint) (slot uint, ok bool) {
	if minSize == 0 || minSize > p.bufBytes {
		return
	}
	p.sect.enter()
	if p.nFree > 0 {
		x := ^uint(0)
		if ok = p.free.Next(&x); ok {
			slot = x
			p.free = p.free.AndNotx(slot)
			p.nFree--
		}
	}
	p.sect.leave()
	return
}

// release returns a slot.  Releasing a slot that was never checked out is
// rejected so a misbehaving caller cannot corrupt the free list.
func (p *bouncePool) release(slot uint) error {
	if slot >= p.cap() {
		return ErrInvalidParam
	}
	p.sect.enter()
	if p.free.Get(slot) {
		p.sect.leave()
		log.Print("dma", "err", p.name, " pool: double release of slot ", slot)
		return ErrInvalidParam
	}
	p.free = p.free.Set(slot)
	p.nFree++
	p.sect.leave()
	return nil
}

func (p *bouncePool) buf(slot uint) *bounceBuf { return &p.bufs[slot] }

func (p *bouncePool) String() string {
	p.sect.enter()
	defer p.sect.leave()
	return fmt.Sprintf("%s: %d/%d free, %d byte buffers", p.name, p.nFree, p.cap(), p.bufBytes)
}
