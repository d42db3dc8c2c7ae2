package sepkern

import (
	"sync/atomic"
	"time"
)

// Metrics tracks dispatcher statistics. All counters are atomic so
// external readers can sample while the dispatcher runs.
type Metrics struct {
	// Function invocation counters
	Invocations  atomic.Uint64 // Completed invocations (including trapped)
	Traps        atomic.Uint64 // Invocations that trapped
	FuelConsumed atomic.Uint64 // Cumulative fuel across all invocations
	InvocationNs atomic.Uint64 // Cumulative wall-clock invocation time

	// I/O counters
	IoInOps    atomic.Uint64
	IoOutOps   atomic.Uint64
	IoInBytes  atomic.Uint64
	IoOutBytes atomic.Uint64
	IoErrors   atomic.Uint64

	// Schedule counters
	Waits            atomic.Uint64
	WaitNs           atomic.Uint64
	ScheduleSwitches atomic.Uint64

	StartTime atomic.Int64 // Kernel start timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// ObserveInvocation implements the Observer interface
func (m *Metrics) ObserveInvocation(_ string, fuel uint64, latencyNs uint64, trapped bool) {
	m.Invocations.Add(1)
	m.FuelConsumed.Add(fuel)
	m.InvocationNs.Add(latencyNs)
	if trapped {
		m.Traps.Add(1)
	}
}

// ObserveIoIn implements the Observer interface
func (m *Metrics) ObserveIoIn(bytes uint64, success bool) {
	m.IoInOps.Add(1)
	if success {
		m.IoInBytes.Add(bytes)
	} else {
		m.IoErrors.Add(1)
	}
}

// ObserveIoOut implements the Observer interface
func (m *Metrics) ObserveIoOut(bytes uint64, success bool) {
	m.IoOutOps.Add(1)
	if success {
		m.IoOutBytes.Add(bytes)
	} else {
		m.IoErrors.Add(1)
	}
}

// ObserveWait implements the Observer interface
func (m *Metrics) ObserveWait(durationNs uint64) {
	m.Waits.Add(1)
	m.WaitNs.Add(durationNs)
}

// ObserveScheduleSwitch implements the Observer interface
func (m *Metrics) ObserveScheduleSwitch() {
	m.ScheduleSwitches.Add(1)
}

// FuelRate reports fuel consumed per microsecond of wall time. Fuel is an
// engine-defined abstract cost unit; only this ratio is of diagnostic
// interest.
func FuelRate(fuel uint64, d time.Duration) float64 {
	nanos := d.Nanoseconds()
	if nanos <= 0 {
		return 0
	}
	return float64(fuel) / (float64(nanos) / 1e3)
}

// Snapshot is a point-in-time copy of all counters
type Snapshot struct {
	Invocations  uint64
	Traps        uint64
	FuelConsumed uint64
	InvocationNs uint64

	IoInOps    uint64
	IoOutOps   uint64
	IoInBytes  uint64
	IoOutBytes uint64
	IoErrors   uint64

	Waits            uint64
	WaitNs           uint64
	ScheduleSwitches uint64

	Uptime time.Duration
}

// Snapshot captures the current counter values
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		Invocations:      m.Invocations.Load(),
		Traps:            m.Traps.Load(),
		FuelConsumed:     m.FuelConsumed.Load(),
		InvocationNs:     m.InvocationNs.Load(),
		IoInOps:          m.IoInOps.Load(),
		IoOutOps:         m.IoOutOps.Load(),
		IoInBytes:        m.IoInBytes.Load(),
		IoOutBytes:       m.IoOutBytes.Load(),
		IoErrors:         m.IoErrors.Load(),
		Waits:            m.Waits.Load(),
		WaitNs:           m.WaitNs.Load(),
		ScheduleSwitches: m.ScheduleSwitches.Load(),
		Uptime:           time.Duration(time.Now().UnixNano() - m.StartTime.Load()),
	}
}
