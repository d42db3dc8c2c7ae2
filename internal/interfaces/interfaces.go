// Package interfaces provides internal interface definitions shared by the
// kernel core and its supporting packages. These are separate from the
// public API to avoid circular imports between the root package and
// internal packages.
package interfaces

// Driver is a non-blocking byte-buffer source/sink at the kernel boundary.
//
// Pull copies up to len(buf) bytes of newly arrived data into buf; if
// nothing new is available it leaves buf unchanged and returns nil.
// Push transmits buf in full. Neither call blocks, and implementations
// must not retain buf past the call.
type Driver interface {
	Pull(buf []byte) error
	Push(buf []byte) error
	Close() error
}

// Logger interface for optional logging.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Observer interface for metrics collection. The dispatcher is single
// threaded, but implementations should be thread-safe so external readers
// can sample concurrently.
type Observer interface {
	ObserveInvocation(function string, fuel uint64, latencyNs uint64, trapped bool)
	ObserveIoIn(bytes uint64, success bool)
	ObserveIoOut(bytes uint64, success bool)
	ObserveWait(durationNs uint64)
	ObserveScheduleSwitch()
}
