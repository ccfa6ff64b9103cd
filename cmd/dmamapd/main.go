// Copyright 2018 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Dmamapd owns a dma mapping subsystem and publishes its counters to
// redis.  Writable fields under the assigned hash control it at runtime.
package main

import (
	"fmt"
	"net/rpc"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/platinasystems/atsock"
	"github.com/platinasystems/dma"
	"github.com/platinasystems/flags"
	"github.com/platinasystems/log"
	"github.com/platinasystems/parms"
	"github.com/platinasystems/redis"
	"github.com/platinasystems/redis/publisher"
	"github.com/platinasystems/redis/rpc/args"
	"github.com/platinasystems/redis/rpc/reply"
)

const usage = `usage: dmamapd [-bounce-always] [-heap BYTES] [-bounce BYTES]
	[-tx-pool N] [-rx-pool N] [-class NAME]`

type Info struct {
	mutex sync.Mutex
	rpc   *atsock.RpcServer
	pub   *publisher.Publisher
	main  *dma.Main
	lastu map[string]uint64
}

func main() {
	if err := Main(os.Args[1:]...); err != nil {
		fmt.Fprintln(os.Stderr, "dmamapd: ", err)
		os.Exit(1)
	}
}

func Main(cmdline ...string) error {
	flag, cmdline := flags.New(cmdline, "-bounce-always")
	parm, cmdline := parms.New(cmdline, "-heap", "-bounce",
		"-tx-pool", "-rx-pool", "-class")
	if len(cmdline) != 0 {
		return fmt.Errorf("%v: unexpected\n%s", cmdline, usage)
	}

	cfg := dma.Config{DeviceClass: parm.ByName["-class"]}
	if flag.ByName["-bounce-always"] {
		cfg.Policy = dma.PolicyBounceAlways
	}
	for _, x := range []struct {
		name string
		p    *uint
	}{
		{"-heap", &cfg.HeapBytes},
		{"-bounce", &cfg.BounceBytes},
		{"-tx-pool", &cfg.TxPoolCap},
		{"-rx-pool", &cfg.RxPoolCap},
	} {
		if s := parm.ByName[x.name]; len(s) > 0 {
			u, err := strconv.ParseUint(s, 0, 32)
			if err != nil {
				return fmt.Errorf("%s %s: %v", x.name, s, err)
			}
			*x.p = uint(u)
		}
	}

	if err := redis.IsReady(); err != nil {
		return err
	}

	i := &Info{
		main:  &dma.Main{},
		lastu: make(map[string]uint64),
	}
	if err := i.main.Init(cfg); err != nil {
		return err
	}
	defer i.main.Exit()

	var err error
	if i.pub, err = publisher.New(); err != nil {
		return err
	}
	defer i.pub.Close()

	if i.rpc, err = atsock.NewRpcServer("dmamapd"); err != nil {
		return err
	}
	defer i.rpc.Close()

	rpc.Register(i)
	if err = redis.Assign(redis.DefaultHash+":dma.", "dmamapd", "Info"); err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	log.Print("dmamapd", "info", "running")
	t := time.NewTicker(1 * time.Second)
	td := time.NewTicker(5 * time.Second)
	defer t.Stop()
	defer td.Stop()
	for {
		select {
		case <-sig:
			return nil
		case <-t.C:
			i.update()
		case <-td.C:
			if n, err := i.main.DrainDeferred(); err != nil {
				log.Print("dmamapd", "err", "drain: ", err)
			} else if n > 0 {
				log.Print("dmamapd", "info", "drained ", n, " deferred unlocks")
			}
		}
	}
}

// update publishes counters that changed since the last pass.
func (i *Info) update() {
	s := i.main.Snapshot()
	for _, x := range []struct {
		key string
		v   uint64
	}{
		{"dma.mappings.total", s.TotalMappings},
		{"dma.mappings.active", s.ActiveMappings},
		{"dma.mappings.direct", s.DirectMappings},
		{"dma.mappings.bounced", s.BounceMappings},
		{"dma.mappings.tx", s.TxMappings},
		{"dma.mappings.rx", s.RxMappings},
		{"dma.cache.syncs", s.CacheSyncs},
		{"dma.errors", s.MappingErrors},
		{"dma.bounce.exhausted", s.NoBounce},
		{"dma.lock.fallbacks", s.LockFallbacks},
		{"dma.lock.deferred", s.DeferredUnlocks},
		{"dma.lock.dropped", s.DeferredOverflows},
		{"dma.violations.segment", s.Violations64k},
		{"dma.violations.limit", s.ViolationsLimit},
		{"dma.violations.alignment", s.ViolationsAlignment},
		{"dma.violations.contiguity", s.ViolationsContiguity},
	} {
		i.mutex.Lock()
		if v, ok := i.lastu[x.key]; !ok || v != x.v {
			i.pub.Print(x.key, ": ", x.v)
			i.lastu[x.key] = x.v
		}
		i.mutex.Unlock()
	}
}

// Hset services writes to the assigned redis hash fields.
func (i *Info) Hset(a args.Hset, r *reply.Hset) error {
	switch a.Field {
	case "dma.stats":
		if string(a.Value) != "clear" {
			return fmt.Errorf("hset dma.stats: %q invalid, want clear",
				string(a.Value))
		}
		i.main.ClearStats()
		i.mutex.Lock()
		i.lastu = make(map[string]uint64)
		i.mutex.Unlock()
		*r = 1
		return nil
	default:
		return fmt.Errorf("cannot hset: %s", a.Field)
	}
}
