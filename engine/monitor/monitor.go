// Package monitor samples an isolate's resource usage on a fixed
// interval, emitting threshold warnings and tracking peak/final figures.
// Heap figures come from the isolate's own heap statistics; sampling runs
// on a background goroutine between Start and Stop.
package monitor

import (
	"sync"
	"time"

	"ember/engine/events"
	"ember/engine/isolate"
)

// Snapshot is one sample of an execution's resource usage.
type Snapshot struct {
	CPUTimeMs       int64
	WallTimeMs      int64
	HeapUsedBytes   uint64
	HeapLimitBytes  uint64
	CPUPercent      float64
	MemoryPercent   float64
	Timestamp       time.Time
}

// WithinLimits reports whether a snapshot is still inside the given
// ceilings.
func WithinLimits(s Snapshot, cpuLimitMs int64, memLimitBytes uint64) bool {
	return s.CPUTimeMs <= cpuLimitMs && s.HeapUsedBytes <= memLimitBytes
}

// Stats summarizes an execution's resource usage across its lifetime.
type Stats struct {
	PeakCPUMs      int64
	FinalCPUMs     int64
	PeakHeapBytes  uint64
	FinalHeapBytes uint64
	Samples        int
}

// Monitor samples one execution's isolate at a fixed interval. It never
// disposes the isolate itself: when memory usage crosses the critical
// threshold it only signals the execution engine via event, and the
// engine performs the actual dispose.
type Monitor struct {
	mu             sync.Mutex
	executionID    string
	iso            *isolate.Isolate
	startedAt      time.Time
	interval       time.Duration
	cpuLimitMs     int64
	memLimitBytes  uint64
	criticalPct    float64
	bus            *events.Bus
	stopCh         chan struct{}
	doneCh         chan struct{}
	warnedCPU80    bool
	warnedCPU95    bool
	warnedMem80    bool
	warnedMem95    bool
	stats          Stats
}

// New creates a Monitor for one execution. Call Start to begin sampling
// and Stop when the execution completes (successfully or not).
func New(executionID string, iso *isolate.Isolate, intervalMs int, cpuLimitMs int64, memLimitBytes uint64, criticalPercent float64, bus *events.Bus) *Monitor {
	return &Monitor{
		executionID:   executionID,
		iso:           iso,
		interval:      time.Duration(intervalMs) * time.Millisecond,
		cpuLimitMs:    cpuLimitMs,
		memLimitBytes: memLimitBytes,
		criticalPct:   criticalPercent,
		bus:           bus,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins background sampling.
func (m *Monitor) Start() {
	m.startedAt = time.Now()
	go m.loop()
}

func (m *Monitor) loop() {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts sampling and returns the final, finalized Stats.
func (m *Monitor) Stop() Stats {
	select {
	case <-m.stopCh:
	default:
		close(m.stopCh)
	}
	<-m.doneCh
	m.sample() // one last sample for accurate Final* figures
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

func (m *Monitor) sample() {
	snap := m.currentSnapshot()

	m.mu.Lock()
	m.stats.Samples++
	m.stats.FinalCPUMs = snap.CPUTimeMs
	m.stats.FinalHeapBytes = snap.HeapUsedBytes
	if snap.CPUTimeMs > m.stats.PeakCPUMs {
		m.stats.PeakCPUMs = snap.CPUTimeMs
	}
	if snap.HeapUsedBytes > m.stats.PeakHeapBytes {
		m.stats.PeakHeapBytes = snap.HeapUsedBytes
	}
	warnedCPU80, warnedCPU95 := m.warnedCPU80, m.warnedCPU95
	warnedMem80, warnedMem95 := m.warnedMem80, m.warnedMem95
	if snap.CPUPercent >= 95 && !warnedCPU95 {
		m.warnedCPU95 = true
	} else if snap.CPUPercent >= 80 && !warnedCPU80 {
		m.warnedCPU80 = true
	}
	if snap.MemoryPercent >= 95 && !warnedMem95 {
		m.warnedMem95 = true
	} else if snap.MemoryPercent >= 80 && !warnedMem80 {
		m.warnedMem80 = true
	}
	m.mu.Unlock()

	if m.bus == nil {
		return
	}
	if snap.CPUPercent >= 95 && !warnedCPU95 {
		m.bus.Emit(events.ResourceWarning{ExecutionID: m.executionID, Resource: "cpu", Percent: snap.CPUPercent, Severity: events.SeverityHigh})
	} else if snap.CPUPercent >= 80 && !warnedCPU80 {
		m.bus.Emit(events.ResourceWarning{ExecutionID: m.executionID, Resource: "cpu", Percent: snap.CPUPercent, Severity: events.SeverityMedium})
	}
	if snap.MemoryPercent >= 95 && !warnedMem95 {
		m.bus.Emit(events.ResourceWarning{ExecutionID: m.executionID, Resource: "memory", Percent: snap.MemoryPercent, Severity: events.SeverityHigh})
	} else if snap.MemoryPercent >= 80 && !warnedMem80 {
		m.bus.Emit(events.ResourceWarning{ExecutionID: m.executionID, Resource: "memory", Percent: snap.MemoryPercent, Severity: events.SeverityMedium})
	}
	if snap.MemoryPercent >= m.criticalPct {
		m.bus.Emit(events.SecurityViolation{
			ExecutionID: m.executionID,
			Capability:  "memory",
			Detail:      "heap usage reached critical threshold; engine should dispose",
		})
	}
}

func (m *Monitor) currentSnapshot() Snapshot {
	elapsed := time.Since(m.startedAt)
	var heapUsed, heapLimit uint64
	if m.iso != nil && m.iso.V8 != nil {
		stats := m.iso.V8.GetHeapStatistics()
		heapUsed = stats.UsedHeapSize
		heapLimit = stats.HeapSizeLimit
	}
	if heapLimit == 0 {
		heapLimit = m.memLimitBytes
	}

	cpuMs := elapsed.Milliseconds() // approximated as wall time, see engine/timeout

	var cpuPct, memPct float64
	if m.cpuLimitMs > 0 {
		cpuPct = float64(cpuMs) / float64(m.cpuLimitMs) * 100
	}
	limit := m.memLimitBytes
	if limit == 0 {
		limit = heapLimit
	}
	if limit > 0 {
		memPct = float64(heapUsed) / float64(limit) * 100
	}

	return Snapshot{
		CPUTimeMs:      cpuMs,
		WallTimeMs:     elapsed.Milliseconds(),
		HeapUsedBytes:  heapUsed,
		HeapLimitBytes: heapLimit,
		CPUPercent:     cpuPct,
		MemoryPercent:  memPct,
		Timestamp:      time.Now(),
	}
}
