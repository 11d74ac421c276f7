package stability

import "runtime"

// ResourceMetrics is a point-in-time view of process resource usage.
type ResourceMetrics struct {
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64 `json:"heap_sys_bytes"`
	NumGC          uint32 `json:"num_gc"`
}

// ResourceMonitor samples process resource usage.
type ResourceMonitor interface {
	Snapshot() ResourceMetrics
}

type runtimeMonitor struct{}

func newRuntimeMonitor() ResourceMonitor { return runtimeMonitor{} }

func (runtimeMonitor) Snapshot() ResourceMetrics {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return ResourceMetrics{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: stats.HeapAlloc,
		HeapSysBytes:   stats.HeapSys,
		NumGC:          stats.NumGC,
	}
}
