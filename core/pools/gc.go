package pools

import (
	"runtime"
	"runtime/debug"
)

// GCConfig tunes the collector for server workloads. Zero values leave
// the runtime defaults in place.
type GCConfig struct {
	Percent     int   // GOGC target; higher trades memory for fewer cycles
	MemoryLimit int64 // soft heap limit in bytes
}

// ApplyGCConfig installs the tuning. Call once at startup.
func ApplyGCConfig(cfg GCConfig) {
	if cfg.Percent > 0 {
		debug.SetGCPercent(cfg.Percent)
	}
	if cfg.MemoryLimit > 0 {
		debug.SetMemoryLimit(cfg.MemoryLimit)
	}
}

// RuntimeStats is the memory and scheduler view reported alongside
// request counters.
type RuntimeStats struct {
	HeapAlloc   uint64 `json:"heap_alloc"`
	TotalAlloc  uint64 `json:"total_alloc"`
	Sys         uint64 `json:"sys"`
	NumGC       uint32 `json:"num_gc"`
	PauseLastNs uint64 `json:"pause_last_ns"`
	Goroutines  int    `json:"goroutines"`
}

// ReadRuntimeStats samples the runtime counters.
func ReadRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	s := RuntimeStats{
		HeapAlloc:  ms.HeapAlloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
	}
	if ms.NumGC > 0 {
		s.PauseLastNs = ms.PauseNs[(ms.NumGC+255)%256]
	}
	return s
}
