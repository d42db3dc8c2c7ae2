package sepkern

import (
	"fmt"
	"time"

	"github.com/sepkern/sepkern/internal/interfaces"
)

// maxSaneWait is the real-time hygiene threshold: a Wait above it draws a
// validation warning, not an error.
const maxSaneWait = 10 * time.Second

// KernelConfig exclusively owns all channels, functions, drivers, and
// schedules. Handles are small integer indices into these vectors, used
// uniformly everywhere to avoid aliasing.
type KernelConfig struct {
	Channels  []*Channel
	Functions []*Function
	Drivers   []interfaces.Driver
	Schedules []*Schedule

	// CurrentSchedule indexes the active schedule. Lowering initializes
	// it to 0, the lexicographically first schedule.
	CurrentSchedule int
}

// Validate cross-checks every handle in the configuration and every
// function's sandbox contract. It returns the first error found, is pure,
// and is idempotent. The optional logger only receives hygiene warnings.
func (c *KernelConfig) Validate(log interfaces.Logger) error {
	for _, f := range c.Functions {
		if err := c.validateFunction(f); err != nil {
			return err
		}
	}

	for _, s := range c.Schedules {
		for eidx, entry := range s.Entries() {
			if err := c.validateEntry(s.Name, eidx, entry, log); err != nil {
				return err
			}
		}
	}

	return nil
}

func (c *KernelConfig) validateFunction(f *Function) error {
	if _, err := f.EntryFunc(); err != nil {
		return err
	}

	if f.Consumes >= 0 {
		if f.Consumes >= len(c.Channels) {
			return NewIdxError("validate", ErrCodeInvalidChannelIdx, f.Consumes)
		}
		ch := c.Channels[f.Consumes]
		if _, err := f.GlobalWindow(InputGlobalName, ch.Size()); err != nil {
			return err
		}
	}

	if f.Produces >= 0 {
		if f.Produces >= len(c.Channels) {
			return NewIdxError("validate", ErrCodeInvalidChannelIdx, f.Produces)
		}
		ch := c.Channels[f.Produces]
		if _, err := f.GlobalWindow(OutputGlobalName, ch.Size()); err != nil {
			return err
		}
	}

	return nil
}

func (c *KernelConfig) validateEntry(schedName string, eidx int, entry ScheduleEntry, log interfaces.Logger) error {
	switch e := entry.(type) {
	case FunctionInvocation:
		if e.Function < 0 || e.Function >= len(c.Functions) {
			return NewIdxError("validate", ErrCodeInvalidFunctionIdx, e.Function)
		}
	case IoIn:
		if e.FromIo < 0 || e.FromIo >= len(c.Drivers) {
			return NewIdxError("validate", ErrCodeInvalidIoIdx, e.FromIo)
		}
		if e.ToChannel < 0 || e.ToChannel >= len(c.Channels) {
			return NewIdxError("validate", ErrCodeInvalidChannelIdx, e.ToChannel)
		}
	case IoOut:
		if e.FromChannel < 0 || e.FromChannel >= len(c.Channels) {
			return NewIdxError("validate", ErrCodeInvalidChannelIdx, e.FromChannel)
		}
		if e.ToIo < 0 || e.ToIo >= len(c.Drivers) {
			return NewIdxError("validate", ErrCodeInvalidIoIdx, e.ToIo)
		}
	case Wait:
		if e.Duration > maxSaneWait && log != nil {
			log.Warnf("schedule %q entry %d waits %v, longer than %v", schedName, eidx, e.Duration, maxSaneWait)
		}
	case SwitchSchedule:
		if e.Target < 0 || e.Target >= len(c.Schedules) {
			return NewIdxError("validate", ErrCodeInvalidScheduleIdx, e.Target)
		}
	default:
		return NewError("validate", ErrCodeBlueprint,
			fmt.Sprintf("schedule %q entry %d has unknown kind %T", schedName, eidx, entry))
	}

	return nil
}

// Close releases all drivers. Channels and functions are dropped with the
// configuration itself.
func (c *KernelConfig) Close() error {
	var first error
	for _, d := range c.Drivers {
		if err := d.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
