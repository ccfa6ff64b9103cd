// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"sync"
)

// critical is the short mutual-exclusion guard shared by any context that
// can touch pool free lists.  Sections are bounded and constant time; no
// section body allocates, copies buffer data or calls the lock service.
// On the original target this was an interrupt disable/restore pair.
type critical struct {
	mu sync.Mutex
}

func (c *critical) enter() { c.mu.Lock() }
func (c *critical) leave() { c.mu.Unlock() }
