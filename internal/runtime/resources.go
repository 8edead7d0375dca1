package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	metricUserCPU     = "/cpu/classes/user:cpu-seconds"
	metricGCCPU       = "/cpu/classes/gc/total:cpu-seconds"
	metricHeapObjects = "/memory/classes/heap/objects:bytes"
	metricGoroutines  = "/sched/goroutines:goroutines"

	// defaultSampleInterval bounds how often the process is read; consumers
	// finishing envelopes in between share the cached reading.
	defaultSampleInterval = time.Second
)

// processSampler reads process-wide usage for the consumer stats. One sampler
// is shared by every consumer of a service.
type processSampler struct {
	mu       sync.Mutex
	samples  []metrics.Sample
	interval time.Duration
	now      func() time.Time
	numCPU   float64

	last     ResourceUsage
	lastBusy float64
	haveBusy bool
}

func newProcessSampler() *processSampler {
	return &processSampler{
		samples: []metrics.Sample{
			{Name: metricUserCPU},
			{Name: metricGCCPU},
			{Name: metricHeapObjects},
			{Name: metricGoroutines},
		},
		interval: defaultSampleInterval,
		now:      time.Now,
		numCPU:   float64(runtime.NumCPU()),
	}
}

// Snapshot returns the latest reading, taking a new one once the previous is
// older than the sample interval. CPUPercent is the busy share of all CPUs
// between two readings and stays 0 until there are two.
func (p *processSampler) Snapshot() ResourceUsage {
	if p == nil {
		return ResourceUsage{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if !p.last.SampledAt.IsZero() && now.Sub(p.last.SampledAt) < p.interval {
		return p.last
	}

	metrics.Read(p.samples)
	usage := ResourceUsage{SampledAt: now, Goroutines: runtime.NumGoroutine()}
	var busy float64
	haveBusy := true
	for _, s := range p.samples {
		switch s.Name {
		case metricUserCPU, metricGCCPU:
			if s.Value.Kind() != metrics.KindFloat64 {
				haveBusy = false
				continue
			}
			busy += s.Value.Float64()
		case metricHeapObjects:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.MemoryBytes = s.Value.Uint64()
			}
		case metricGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}

	if haveBusy && p.haveBusy && p.numCPU > 0 {
		if wall := now.Sub(p.last.SampledAt).Seconds(); wall > 0 {
			usage.CPUPercent = max(0, (busy-p.lastBusy)/wall/p.numCPU*100)
		}
	}

	p.last = usage
	p.lastBusy = busy
	p.haveBusy = haveBusy
	return usage
}
