// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Dmabench drives concurrent map/unmap traffic through a dma mapping
// subsystem and reports the counters.  Pool exhaustion backs the worker
// off instead of failing the run.
package main

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/platinasystems/dma"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"
)

const usage = `usage: dmabench [-foreign] [-bounce-always] [-workers N]
	[-bytes N] [-seconds N] [-class NAME]`

type bench struct {
	main    *dma.Main
	class   string
	bytes   uint
	foreign bool
}

func main() {
	if err := Main(os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, "dmabench: ", err)
		os.Exit(1)
	}
}

func Main(cmdline ...string) error {
	flag, cmdline := flags.New(cmdline, "-foreign", "-bounce-always")
	parm, cmdline := parms.New(cmdline, "-workers", "-bytes", "-seconds", "-class")
	if len(cmdline) != 0 {
		return fmt.Errorf("%v: unexpected\n%s", cmdline, usage)
	}

	workers, bytes, seconds := uint64(4), uint64(1024), uint64(10)
	for _, x := range []struct {
		name string
		p    *uint64
	}{
		{"-workers", &workers},
		{"-bytes", &bytes},
		{"-seconds", &seconds},
	} {
		if s := parm.ByName[x.name]; len(s) > 0 {
			u, err := strconv.ParseUint(s, 0, 32)
			if err != nil {
				return fmt.Errorf("%s %s: %v", x.name, s, err)
			}
			*x.p = u
		}
	}

	cfg := dma.Config{
		// One pool buffer per worker and direction keeps exhaustion
		// rare but reachable.
		TxPoolCap:   uint(workers),
		RxPoolCap:   uint(workers),
		BounceBytes: uint(bytes),
	}
	if flag.ByName["-bounce-always"] {
		cfg.Policy = dma.PolicyBounceAlways
	}

	b := &bench{
		main:    &dma.Main{},
		class:   parm.ByName["-class"],
		bytes:   uint(bytes),
		foreign: flag.ByName["-foreign"],
	}
	if err := b.main.Init(cfg); err != nil {
		return err
	}
	defer b.main.Exit()

	stop := time.After(time.Duration(seconds) * time.Second)
	done := make(chan struct{})
	go func() {
		<-stop
		close(done)
	}()

	var wg sync.WaitGroup
	for w := uint64(0); w < workers; w++ {
		wg.Add(1)
		go func(dir dma.Direction) {
			defer wg.Done()
			b.worker(dir, done)
		}(dma.Direction(w % 2))
	}
	wg.Wait()

	fmt.Println(b.main.Snapshot())
	fmt.Println(b.main.PoolString(dma.TxDirection))
	fmt.Println(b.main.PoolString(dma.RxDirection))
	return nil
}

func (b *bench) worker(dir dma.Direction, done chan struct{}) {
	bo := &backoff.Backoff{
		Min:    100 * time.Microsecond,
		Max:    10 * time.Millisecond,
		Factor: 2,
		Jitter: true,
	}

	var buf []byte
	if b.foreign {
		buf = make([]byte, b.bytes)
	} else {
		x, _, err := b.main.Alloc(b.bytes)
		if err != nil {
			fmt.Fprintln(os.Stderr, "alloc: ", err)
			return
		}
		buf = x
	}

	for {
		select {
		case <-done:
			return
		default:
		}
		mp, err := b.main.MapWithConstraints(buf, dir, b.class)
		if err == dma.ErrNoBounce {
			time.Sleep(bo.Duration())
			continue
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, "map: ", err)
			return
		}
		bo.Reset()
		if dir == dma.TxDirection {
			mp.Bytes()[0]++
		}
		if err = b.main.Unmap(mp); err != nil {
			fmt.Fprintln(os.Stderr, "unmap: ", err)
			return
		}
	}
}
