package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

func memStat(f func(*runtime.MemStats) uint64) func() float64 {
	return func() float64 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		return float64(f(&stats))
	}
}

var (
	gcPauseTotal = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "gc_pause_total_ns",
		Help:      "Total GC pause time in nanoseconds.",
	}, memStat(func(s *runtime.MemStats) uint64 { return s.PauseTotalNs }))

	heapAlloc = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "heap_alloc_bytes",
		Help:      "Current heap allocation in bytes.",
	}, memStat(func(s *runtime.MemStats) uint64 { return s.HeapAlloc }))

	heapSys = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "heap_sys_bytes",
		Help:      "Total heap size in bytes.",
	}, memStat(func(s *runtime.MemStats) uint64 { return s.HeapSys }))

	numGC = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "runtime",
		Name:      "gc_cycles_total",
		Help:      "Total number of GC cycles.",
	}, memStat(func(s *runtime.MemStats) uint64 { return uint64(s.NumGC) }))
)

func init() {
	prometheus.MustRegister(gcPauseTotal, heapAlloc, heapSys, numGC)
}
