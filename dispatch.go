package sepkern

import (
	"context"
	"time"

	"github.com/sepkern/sepkern/internal/interfaces"
)

// KernelOptions configures a Kernel
type KernelOptions struct {
	Logger   interfaces.Logger   // may be nil
	Observer interfaces.Observer // may be nil
}

// Kernel is the dispatcher: the single executor driving channels,
// functions, and drivers according to the active schedule. It is strictly
// cooperative and non-preemptive; no two functions, and no function and
// driver, ever execute simultaneously.
type Kernel struct {
	cfg *KernelConfig
	log interfaces.Logger
	obs interfaces.Observer
}

// NewKernel wraps a validated configuration in a dispatcher
func NewKernel(cfg *KernelConfig, opts *KernelOptions) *Kernel {
	k := &Kernel{cfg: cfg}
	if opts != nil {
		k.log = opts.Logger
		k.obs = opts.Observer
	}
	return k
}

// Config returns the owned configuration
func (k *Kernel) Config() *KernelConfig {
	return k.cfg
}

// Run executes schedule entries until the context is canceled. With no
// schedules configured there is nothing to dispatch and Run refuses to
// start.
func (k *Kernel) Run(ctx context.Context) error {
	if len(k.cfg.Schedules) == 0 {
		return NewError("run", ErrCodeEmptySchedule, "no schedules configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := k.Step(ctx); err != nil {
			return err
		}
	}
}

// Step fetches the next entry of the active schedule and executes it.
// Transient I/O failures and function traps are logged and absorbed; only
// a configuration without schedules, context cancellation, and dangling
// handles (which validation rules out) surface as errors.
func (k *Kernel) Step(ctx context.Context) error {
	if len(k.cfg.Schedules) == 0 {
		return NewError("step", ErrCodeEmptySchedule, "no schedules configured")
	}
	sched := k.cfg.Schedules[k.cfg.CurrentSchedule]

	switch e := sched.NextAction().(type) {
	case FunctionInvocation:
		return k.invokeFunction(e.Function)

	case IoIn:
		if e.FromIo >= len(k.cfg.Drivers) {
			return NewIdxError("step", ErrCodeInvalidIoIdx, e.FromIo)
		}
		if e.ToChannel >= len(k.cfg.Channels) {
			return NewIdxError("step", ErrCodeInvalidChannelIdx, e.ToChannel)
		}
		ch := k.cfg.Channels[e.ToChannel]
		err := k.cfg.Drivers[e.FromIo].Pull(ch.Buf)
		if err != nil && k.log != nil {
			// the schedule does not stall on transient transport failures
			k.log.Errorf("io[%d] -> %q pull failed: %v", e.FromIo, ch.Name, err)
		}
		if k.obs != nil {
			k.obs.ObserveIoIn(uint64(ch.Size()), err == nil)
		}
		return nil

	case IoOut:
		if e.FromChannel >= len(k.cfg.Channels) {
			return NewIdxError("step", ErrCodeInvalidChannelIdx, e.FromChannel)
		}
		if e.ToIo >= len(k.cfg.Drivers) {
			return NewIdxError("step", ErrCodeInvalidIoIdx, e.ToIo)
		}
		ch := k.cfg.Channels[e.FromChannel]
		err := k.cfg.Drivers[e.ToIo].Push(ch.Buf)
		if err != nil && k.log != nil {
			k.log.Errorf("%q -> io[%d] push failed: %v", ch.Name, e.ToIo, err)
		}
		if k.obs != nil {
			k.obs.ObserveIoOut(uint64(ch.Size()), err == nil)
		}
		return nil

	case Wait:
		if k.obs != nil {
			k.obs.ObserveWait(uint64(e.Duration.Nanoseconds()))
		}
		return k.sleep(ctx, e.Duration)

	case SwitchSchedule:
		if e.Target < 0 || e.Target >= len(k.cfg.Schedules) {
			return NewIdxError("step", ErrCodeInvalidScheduleIdx, e.Target)
		}
		k.cfg.CurrentSchedule = e.Target
		k.cfg.Schedules[e.Target].Reset()
		if k.log != nil {
			k.log.Debugf("switched to schedule %q", k.cfg.Schedules[e.Target].Name)
		}
		if k.obs != nil {
			k.obs.ObserveScheduleSwitch()
		}
		return nil
	}

	return NewError("step", ErrCodeBlueprint, "unknown schedule entry kind")
}

// invokeFunction copies input, refuels, calls the entry point, and
// retrieves output. A trap is isolated: memory is restored per the
// function's policy and the schedule continues.
func (k *Kernel) invokeFunction(idx int) error {
	if idx < 0 || idx >= len(k.cfg.Functions) {
		return NewIdxError("step", ErrCodeInvalidFunctionIdx, idx)
	}
	f := k.cfg.Functions[idx]

	if f.Consumes >= 0 {
		if f.Consumes >= len(k.cfg.Channels) {
			return NewIdxError("step", ErrCodeInvalidChannelIdx, f.Consumes)
		}
		ch := k.cfg.Channels[f.Consumes]
		in, err := f.GlobalWindowMut(InputGlobalName, ch.Size())
		if err != nil {
			if k.log != nil {
				k.log.Warnf("skipping %q: no usable input window: %v", f.Name, err)
			}
			return nil
		}
		copy(in, ch.Buf)
	}

	res, err := f.Invoke()
	if err != nil {
		if k.log != nil {
			k.log.Errorf("%q trapped after %d fuel in %v: %v; restoring memory (%s)",
				f.Name, res.FuelConsumed, res.Elapsed, err, f.OnTrap)
		}
		f.RestoreOnTrap()
		if k.obs != nil {
			k.obs.ObserveInvocation(f.Name, res.FuelConsumed, uint64(res.Elapsed.Nanoseconds()), true)
		}
		return nil
	}

	if k.log != nil {
		k.log.Debugf("%q returned %d, consumed %d fuel in %v (%.2f fuel/µs)",
			f.Name, res.Status, res.FuelConsumed, res.Elapsed, FuelRate(res.FuelConsumed, res.Elapsed))
	}
	if k.obs != nil {
		k.obs.ObserveInvocation(f.Name, res.FuelConsumed, uint64(res.Elapsed.Nanoseconds()), false)
	}

	if f.Produces >= 0 {
		if f.Produces >= len(k.cfg.Channels) {
			return NewIdxError("step", ErrCodeInvalidChannelIdx, f.Produces)
		}
		ch := k.cfg.Channels[f.Produces]
		out, err := f.GlobalWindow(OutputGlobalName, ch.Size())
		if err != nil {
			if k.log != nil {
				k.log.Warnf("%q has no usable output window: %v", f.Name, err)
			}
			return nil
		}
		copy(ch.Buf, out)
	}

	return nil
}

// sleep idles for d but wakes on context cancellation
func (k *Kernel) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
