// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"github.com/platinasystems/elib"

	"fmt"
	"sync"
)

// Heap is the region of memory the subsystem can translate to bus
// addresses.  Virtual addresses inside the heap resolve through a page
// table; anything outside is untranslatable and must bounce.  Bounce
// buffers themselves are carved from the heap at init.
type Heap struct {
	mu  sync.Mutex
	mem elib.MemHeap

	// Bus address of each heap page.  Pages need not be physically
	// adjacent; the checker detects breaks.
	log2BytesPerPage uint
	pages            []PhysAddr

	heapBytes   uint
	initialized bool

	// Rejected allocations parked here until the winner is found.
	scratch []elib.Index
}

const defaultLog2HeapPageBytes = 12

func (h *Heap) Init(heapBytes uint, log2BytesPerPage uint) (err error) {
	if heapBytes == 0 {
		return ErrInvalidParam
	}
	if log2BytesPerPage == 0 {
		log2BytesPerPage = defaultLog2HeapPageBytes
	}
	if err = h.mem.Init(heapBytes); err != nil {
		return
	}
	heapBytes = uint(elib.Word(heapBytes).RoundCacheLine())
	h.log2BytesPerPage = log2BytesPerPage
	h.heapBytes = heapBytes
	// Identity table until the host installs real bus addresses.
	nPages := (heapBytes + 1<<log2BytesPerPage - 1) >> log2BytesPerPage
	h.pages = make([]PhysAddr, nPages)
	for i := range h.pages {
		h.pages[i] = PhysAddr(uint(i) << log2BytesPerPage)
	}
	h.initialized = true
	return
}

// SetPageTable installs host-supplied bus addresses for each heap page.
func (h *Heap) SetPageTable(pages []PhysAddr) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.initialized {
		return fmt.Errorf("heap not initialized")
	}
	if len(pages) != len(h.pages) {
		return fmt.Errorf("page table: have %d pages, want %d", len(pages), len(h.pages))
	}
	copy(h.pages, pages)
	return nil
}

func (h *Heap) pageBytes() uint { return 1 << h.log2BytesPerPage }

// physAddress translates a heap offset to a bus address.  Callers must
// have verified the offset is in range.
func (h *Heap) physAddress(o uint) PhysAddr {
	l := h.log2BytesPerPage
	return h.pages[o>>l] + PhysAddr(o&(1<<l-1))
}

// contiguous is true if heap span [o, o+n) is physically contiguous.
func (h *Heap) contiguous(o, n uint) bool {
	l := h.log2BytesPerPage
	first, last := o>>l, (o+n-1)>>l
	for p := first; p < last; p++ {
		if h.pages[p+1] != h.pages[p]+PhysAddr(h.pageBytes()) {
			return false
		}
	}
	return true
}

// offsetOf locates a buffer within the heap.  Buffers from anywhere else
// return ok false.
func (h *Heap) offsetOf(b []byte) (o uint, ok bool) {
	if len(b) == 0 {
		return
	}
	o = h.mem.Offset(b)
	ok = h.mem.OffsetValid(o) && h.mem.OffsetValid(o+uint(len(b))-1)
	return
}

// InHeap reports whether b was allocated from the dma heap.
func (h *Heap) InHeap(b []byte) (ok bool) {
	h.mu.Lock()
	_, ok = h.offsetOf(b)
	h.mu.Unlock()
	return
}

// Alloc carves n bytes from the heap.  Offsets are cache line aligned
// which covers every device alignment the constraint table carries.
func (h *Heap) Alloc(n uint) (b []byte, id elib.Index, offset uint) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, id, offset, _ = h.mem.Get(n)
	return
}

func (h *Heap) Free(id elib.Index) {
	h.mu.Lock()
	h.mem.Put(id)
	h.mu.Unlock()
}

// AllocConstrained carves n bytes whose bus address range satisfies c.
// Chunks that fail the check are parked and retried, then returned to the
// heap, the way page-spanning rejects are handled for paged physical
// memory.
func (h *Heap) AllocConstrained(n uint, c *Constraint) (b []byte, id elib.Index, offset uint, phys PhysAddr, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.scratch = h.scratch[:0]
	for {
		b, id, offset, _ = h.mem.Get(n)
		r := h.check(offset, n, c)
		if !r.NeedsBounce {
			phys = r.Phys
			break
		}
		h.scratch = append(h.scratch, id)
		if len(h.scratch) > 4096 {
			err = fmt.Errorf("no %d byte chunk satisfies %s", n, c.Name)
			break
		}
	}
	for _, x := range h.scratch {
		h.mem.Put(x)
	}
	if err != nil {
		b, id, offset = nil, elib.MaxIndex, 0
	}
	return
}

// check classifies heap span [o, o+n) against c.  Pure; produced fresh on
// every call.
func (h *Heap) check(o, n uint, c *Constraint) (r CheckResult) {
	r.InHeap = true
	r.Phys = h.physAddress(o)
	r.Crosses64k = r.Phys.Crosses64k(n)
	r.ExceedsMax = r.Phys.Exceeds(n, c.MaxAddr) || n > c.MaxSegmentBytes
	r.NotContiguous = c.Contiguous && !h.contiguous(o, n)
	r.Misaligned = !r.Phys.Aligned(c.Log2Align)
	r.NeedsBounce = r.Crosses64k || r.ExceedsMax || r.NotContiguous || r.Misaligned
	return
}

// CheckResult classifies one (buffer, length) pair against a device
// constraint.  Never cached across calls for caller buffers; the bus
// address of an arbitrary buffer is only trusted for the instant of the
// check.
type CheckResult struct {
	// Bus address of the first byte; valid only when InHeap.
	Phys PhysAddr

	// Buffer lies inside the dma heap and is translatable.
	InHeap bool

	Crosses64k    bool
	ExceedsMax    bool
	NotContiguous bool
	Misaligned    bool

	// Any single violation above.
	NeedsBounce bool
}

func (r *CheckResult) String() string {
	s := fmt.Sprintf("phys %s", r.Phys)
	if !r.InHeap {
		s += ", not in heap"
	}
	if r.Crosses64k {
		s += ", crosses 64k"
	}
	if r.ExceedsMax {
		s += ", exceeds device limit"
	}
	if r.NotContiguous {
		s += ", not contiguous"
	}
	if r.Misaligned {
		s += ", misaligned"
	}
	if r.NeedsBounce {
		s += ", needs bounce"
	}
	return s
}

// Check classifies a caller buffer against a device constraint.  Buffers
// outside the dma heap have no trustworthy bus address and always need a
// bounce.  Zero length buffers are invalid, never silently accepted.
func (h *Heap) Check(b []byte, c *Constraint) (r CheckResult, err error) {
	if len(b) == 0 || c == nil {
		err = ErrInvalidParam
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	o, ok := h.offsetOf(b)
	if !ok {
		r.NeedsBounce = true
		return
	}
	r = h.check(o, uint(len(b)), c)
	return
}

func (h *Heap) String() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mem.String()
}
