// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"strings"
	"sync"
)

// Constraint describes the addressing rules of one device class.  Read-only
// after subsystem init.
type Constraint struct {
	Name string

	// Highest bus address the device can drive.
	MaxAddr PhysAddr

	// Largest single contiguous transfer.
	MaxSegmentBytes uint

	// Buffers must start on a 1<<Log2Align byte boundary.
	Log2Align uint

	// Device has no scatter-gather; the whole transfer must be
	// physically contiguous.
	Contiguous bool

	// Bus snooping keeps CPU caches consistent; no explicit sync needed.
	Coherent bool
}

func (c *Constraint) String() string {
	return fmt.Sprintf("%s: max %s, segment %d, align %d, contiguous %v, coherent %v",
		c.Name, c.MaxAddr, c.MaxSegmentBytes, uint(1)<<c.Log2Align, c.Contiguous, c.Coherent)
}

// Most conservative descriptor the subsystem knows; used when no device
// class is named and to pre-validate bounce buffers so that no per-checkout
// validation is ever needed.
var conservativeConstraint = Constraint{
	Name:            "default",
	MaxAddr:         IsaMaxAddr,
	MaxSegmentBytes: SegmentBytes,
	Log2Align:       4,
	Contiguous:      true,
}

// Built-in device classes.
var builtinConstraints = []Constraint{
	{Name: "3c509b", MaxAddr: IsaMaxAddr, MaxSegmentBytes: SegmentBytes, Log2Align: 2, Contiguous: true},
	{Name: "3c589", MaxAddr: IsaMaxAddr, MaxSegmentBytes: SegmentBytes, Log2Align: 4, Contiguous: true},
	{Name: "3c515tx", MaxAddr: IsaMaxAddr, MaxSegmentBytes: SegmentBytes, Log2Align: 3, Contiguous: true},
	{Name: "boomerang", MaxAddr: ^PhysAddr(0), MaxSegmentBytes: SegmentBytes, Log2Align: 4, Contiguous: true, Coherent: true},
	{Name: "vortex", MaxAddr: ^PhysAddr(0), MaxSegmentBytes: SegmentBytes, Log2Align: 4, Contiguous: true, Coherent: true},
}

type constraintTable struct {
	mu     sync.Mutex
	byName map[string]*Constraint
	sealed bool
}

func (t *constraintTable) init() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byName != nil {
		return
	}
	t.byName = make(map[string]*Constraint)
	for i := range builtinConstraints {
		c := builtinConstraints[i]
		t.byName[c.Name] = &c
	}
}

// seal makes the table read-only; called once pools have been validated.
func (t *constraintTable) seal() {
	t.mu.Lock()
	t.sealed = true
	t.mu.Unlock()
}

func (t *constraintTable) add(c Constraint) error {
	if c.Name == "" || c.MaxSegmentBytes == 0 {
		return ErrInvalidParam
	}
	t.init()
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sealed {
		return fmt.Errorf("constraint %s: table is read-only after init", c.Name)
	}
	name := strings.ToLower(c.Name)
	if _, ok := t.byName[name]; ok {
		return fmt.Errorf("constraint %s: already registered", name)
	}
	c.Name = name
	t.byName[name] = &c
	return nil
}

func (t *constraintTable) get(name string) (c *Constraint) {
	if name == "" {
		return &conservativeConstraint
	}
	t.mu.Lock()
	c = t.byName[strings.ToLower(name)]
	t.mu.Unlock()
	if c == nil {
		c = &conservativeConstraint
	}
	return
}

// strictest folds every registered class into the tightest combined
// descriptor.  Bounce buffers validated against this satisfy any class.
func (t *constraintTable) strictest() (s Constraint) {
	s = conservativeConstraint
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.byName {
		if c.MaxAddr < s.MaxAddr {
			s.MaxAddr = c.MaxAddr
		}
		if c.MaxSegmentBytes < s.MaxSegmentBytes {
			s.MaxSegmentBytes = c.MaxSegmentBytes
		}
		if c.Log2Align > s.Log2Align {
			s.Log2Align = c.Log2Align
		}
		s.Contiguous = s.Contiguous || c.Contiguous
		s.Coherent = s.Coherent && c.Coherent
	}
	s.Name = "strictest"
	return
}

// RegisterConstraint adds a device class before Init; the table is
// read-only once pools have been validated against it.
func (m *Main) RegisterConstraint(c Constraint) error { return m.constraints.add(c) }

// Constraint returns the descriptor for a device class name, falling back
// to the conservative default for unknown names.
func (m *Main) Constraint(name string) *Constraint { return m.constraints.get(name) }
