// gcbench exercises the collector under configurable mutator load and
// serves its Prometheus metrics. Each mutator goroutine allocates
// short-lived garbage plus an occasionally retained, rooted chain, so
// every phase of the collector sees traffic.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fenrir/config"
	"fenrir/gc"
	"fenrir/marker"
	"fenrir/mem"
	"fenrir/object"
	"fenrir/stats"
)

func main() {
	var (
		metricsAddr = flag.String("metrics", ":9464", "prometheus listen address, empty to disable")
		eventDir    = flag.String("events", "./gc_events", "GC event log directory, empty to disable")
		mutators    = flag.Int("mutators", 4, "allocating goroutines")
		duration    = flag.Duration("duration", 0, "stop after this long, 0 to run until interrupted")
		youngEvery  = flag.Duration("young-every", 500*time.Millisecond, "forced young cycle interval")
		fullEvery   = flag.Duration("full-every", 5*time.Second, "forced full cycle interval")
	)
	flag.Parse()

	// ---------------- Runtime ----------------

	cfg := config.FromEnv()
	reg := prometheus.NewRegistry()
	metrics := stats.NewMetrics(reg)

	rt, err := gc.Init(cfg, gc.RuntimeOptions{Metrics: metrics, EventDir: *eventDir})
	if err != nil {
		log.Fatalf("runtime init failed: %v", err)
	}
	defer rt.Shutdown()

	// ---------------- Metrics ----------------

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Printf("metrics server exited: %v", err)
			}
		}()
	}

	// ---------------- Mutators ----------------

	done := make(chan struct{})
	var allocated atomic.Uint64
	var wg sync.WaitGroup
	for i := 0; i < *mutators; i++ {
		wg.Add(1)
		go func(tid uint64) {
			defer wg.Done()
			mutate(rt, tid, done, &allocated)
		}(uint64(i + 1))
	}

	// ---------------- Forced cycles ----------------

	go func() {
		young := time.NewTicker(*youngEvery)
		full := time.NewTicker(*fullEvery)
		defer young.Stop()
		defer full.Stop()
		for {
			select {
			case <-done:
				return
			case <-young.C:
				if err := rt.Collect(gc.Young); err != nil {
					log.Printf("young cycle failed: %v", err)
				}
			case <-full.C:
				if err := rt.Collect(gc.Full); err != nil {
					log.Printf("full cycle failed: %v", err)
				}
			}
		}
	}()

	// ---------------- Reporting ----------------

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				d := rt.Diagnostics()
				fmt.Printf("heap %d/%d KiB | cycles %d (failed %d) | peak pause %v | allocated %d MiB\n",
					d.Heap.Used/1024, d.Heap.Committed/1024,
					d.Cycles.TotalCycles, d.Cycles.FailedCycles,
					d.Cycles.PeakPause, allocated.Load()>>20)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	if *duration > 0 {
		select {
		case <-stop:
		case <-time.After(*duration):
		}
	} else {
		<-stop
	}

	close(done)
	wg.Wait()
	log.Println("shutting down")
}

// mutate allocates until done closes. Most objects die immediately;
// roughly one in eight is linked into a rooted chain that is dropped
// wholesale now and then, giving the young cycles something to promote
// and the full cycles something to reclaim.
func mutate(rt *gc.Runtime, tid uint64, done <-chan struct{}, allocated *atomic.Uint64) {
	rng := rand.New(rand.NewSource(int64(tid)))

	cell, err := rt.AllocateZeroed(tid, 512)
	if err != nil {
		log.Printf("mutator %d: root cell allocation failed: %v", tid, err)
		return
	}
	slot := object.DataStart(cell)
	if _, err := rt.RegisterRoot(slot, marker.RootInternal, fmt.Sprintf("mutator-%d", tid)); err != nil {
		log.Printf("mutator %d: root registration failed: %v", tid, err)
		return
	}

	for {
		select {
		case <-done:
			return
		default:
		}

		size := uintptr(16 + rng.Intn(200))
		addr, err := rt.AllocateZeroed(tid, size)
		if err != nil {
			log.Printf("mutator %d: allocation failed: %v", tid, err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		allocated.Add(uint64(size))

		switch {
		case rng.Intn(1024) == 0:
			// Drop the whole chain.
			mem.WordAt(slot).Store(0)
		case rng.Intn(8) == 0:
			// Retain: link the new object in front of the chain. The
			// head is read through the load barrier so a relocation in
			// progress cannot hand us a stale address.
			head, err := rt.Heal(mem.WordAt(slot))
			if err != nil {
				continue
			}
			mem.WordAt(object.DataStart(addr)).Store(uint64(head))
			mem.WordAt(slot).Store(uint64(addr))
			rt.WriteBarrier(cell, addr)
		}
	}
}
