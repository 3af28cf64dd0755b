// Package config holds the tuning parameters for the collector. Most
// fields have sensible defaults filled in by Default; Validate rejects
// combinations the heap cannot honor.
package config

import (
	"os"
	"runtime"
	"strconv"

	"fenrir/gcerr"
)

const (
	// PageSize is the assumed OS page granularity for region sizing.
	PageSize = 4096

	// MiB is plain mebibytes.
	MiB = 1024 * 1024
)

// Config is passed once at heap construction. It is a plain value; copy
// it freely.
type Config struct {
	// MinHeapSize is the floor the heap never shrinks below.
	MinHeapSize uint64
	// MaxHeapSize is the hard commit limit; allocation past it reports
	// out-of-memory.
	MaxHeapSize uint64

	// SmallRegionSize backs objects below SmallThreshold.
	SmallRegionSize uint64
	// MediumRegionSize backs objects between the thresholds.
	MediumRegionSize uint64
	// SmallThreshold is the largest object a small region accepts.
	SmallThreshold uint64
	// LargeThreshold is the smallest object that gets a dedicated region.
	LargeThreshold uint64

	// TLABMinSize and TLABMaxSize bound adaptive TLAB sizing.
	TLABMinSize uint64
	TLABMaxSize uint64

	// GCTriggerRatio starts a cycle once used/committed crosses it.
	GCTriggerRatio float64

	// TenureThreshold promotes objects surviving this many cycles.
	TenureThreshold uint8

	// Workers is the number of background GC workers.
	Workers int

	// RetryCeiling bounds every hot-path CAS loop. Exceeding it surfaces
	// as a starvation error instead of spinning forever.
	RetryCeiling int

	// NUMAAware requests node-local region placement when available.
	NUMAAware bool
}

// Default returns the baseline configuration.
func Default() Config {
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		workers = 1
	}
	if workers > 4 {
		workers = 4
	}
	return Config{
		MinHeapSize:      16 * MiB,
		MaxHeapSize:      256 * MiB,
		SmallRegionSize:  2 * MiB,
		MediumRegionSize: 32 * MiB,
		SmallThreshold:   256,
		LargeThreshold:   4096,
		TLABMinSize:      8 * 1024,
		TLABMaxSize:      1 * MiB,
		GCTriggerRatio:   0.75,
		TenureThreshold:  9,
		Workers:          workers,
		RetryCeiling:     1 << 14,
		NUMAAware:        false,
	}
}

// Validate rejects configurations the heap cannot honor.
func (c Config) Validate() error {
	if c.MaxHeapSize == 0 {
		return gcerr.New(gcerr.KindConfiguration, "max heap size must be non-zero")
	}
	if c.MinHeapSize > c.MaxHeapSize {
		return gcerr.New(gcerr.KindConfiguration,
			"min heap size %d exceeds max heap size %d", c.MinHeapSize, c.MaxHeapSize)
	}
	if c.SmallRegionSize%PageSize != 0 || c.MediumRegionSize%PageSize != 0 {
		return gcerr.New(gcerr.KindConfiguration, "region sizes must be page aligned")
	}
	if c.SmallRegionSize == 0 || c.MediumRegionSize < c.SmallRegionSize {
		return gcerr.New(gcerr.KindConfiguration,
			"medium region size %d must be >= small region size %d",
			c.MediumRegionSize, c.SmallRegionSize)
	}
	if c.SmallThreshold == 0 || c.LargeThreshold <= c.SmallThreshold {
		return gcerr.New(gcerr.KindConfiguration,
			"large threshold %d must exceed small threshold %d",
			c.LargeThreshold, c.SmallThreshold)
	}
	if c.TLABMinSize == 0 || c.TLABMaxSize < c.TLABMinSize {
		return gcerr.New(gcerr.KindConfiguration, "tlab bounds invalid")
	}
	if c.GCTriggerRatio <= 0 || c.GCTriggerRatio >= 1 {
		return gcerr.New(gcerr.KindConfiguration,
			"gc trigger ratio %v outside (0,1)", c.GCTriggerRatio)
	}
	if c.Workers < 1 {
		return gcerr.New(gcerr.KindConfiguration, "worker count must be >= 1")
	}
	if c.RetryCeiling < 1 {
		return gcerr.New(gcerr.KindConfiguration, "retry ceiling must be >= 1")
	}
	return nil
}

// FromEnv overlays FENRIR_* environment overrides on the defaults.
func FromEnv() Config {
	c := Default()
	if v, ok := envBytes("FENRIR_MAX_HEAP"); ok {
		c.MaxHeapSize = v
	}
	if v, ok := envBytes("FENRIR_MIN_HEAP"); ok {
		c.MinHeapSize = v
	}
	if v, ok := envInt("FENRIR_WORKERS"); ok {
		c.Workers = v
	}
	if v, ok := envInt("FENRIR_RETRY_CEILING"); ok {
		c.RetryCeiling = v
	}
	if v := os.Getenv("FENRIR_NUMA"); v == "1" || v == "true" {
		c.NUMAAware = true
	}
	return c
}

func envBytes(key string) (uint64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
