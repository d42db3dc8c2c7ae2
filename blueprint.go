package sepkern

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/sepkern/sepkern/internal/interfaces"
	"github.com/sepkern/sepkern/internal/iodrv"
)

// Blueprint is the declarative configuration a kernel configuration is
// derived from. All four tables are keyed by entity name.
type Blueprint struct {
	Functions map[string]FunctionBlueprint `toml:"functions"`
	Channels  map[string]ChannelBlueprint  `toml:"channels"`
	Schedules map[string][]ScheduleSlot    `toml:"schedules"`
	Io        map[string]IoBlueprint       `toml:"io"`
}

// FunctionBlueprint declares one sandboxed function
type FunctionBlueprint struct {
	// Wasm is the path of the module file
	Wasm string `toml:"wasm"`

	// Consumes names the channel copied into INPUT before each call
	Consumes string `toml:"consumes"`

	// Produces names the channel filled from OUTPUT after each call
	Produces string `toml:"produces"`

	// FuelPerCall is the execution budget of a single invocation
	FuelPerCall uint64 `toml:"fuel_per_call"`

	// OnTimeAbort selects the memory policy applied after a trap:
	// "Reset" (default), "LastCheckPoint", or "Keep"
	OnTimeAbort string `toml:"on_time_abort"`
}

// ChannelBlueprint declares one fixed-size channel
type ChannelBlueprint struct {
	Size int `toml:"size"`
}

// ScheduleSlot is one entry of a schedule. Exactly one of the five entry
// shapes must be present.
type ScheduleSlot struct {
	Function *string `toml:"function"`

	FromChannel *string `toml:"from_channel"`
	ToIo        *string `toml:"to_io"`

	FromIo    *string `toml:"from_io"`
	ToChannel *string `toml:"to_channel"`

	WaitNs *uint64 `toml:"wait_ns"`

	SwitchToSchedule *string `toml:"switch_to_schedule"`
}

// IoBlueprint declares one I/O driver endpoint
type IoBlueprint struct {
	Type    string `toml:"type"`
	Bind    string `toml:"bind"`
	Connect string `toml:"connect"`
}

// LoadBlueprint parses a TOML blueprint file
func LoadBlueprint(path string) (*Blueprint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError("blueprint", ErrCodeBlueprint, err)
	}
	return ParseBlueprint(data)
}

// ParseBlueprint parses an in-memory TOML blueprint
func ParseBlueprint(data []byte) (*Blueprint, error) {
	var bp Blueprint
	if err := toml.Unmarshal(data, &bp); err != nil {
		return nil, WrapError("blueprint", ErrCodeBlueprint, err)
	}
	return &bp, nil
}

// LowerOptions controls blueprint lowering
type LowerOptions struct {
	// Strict fails the whole lowering on any function load error instead
	// of skipping the function with a warning.
	Strict bool

	// Logger receives lowering progress and warnings; may be nil
	Logger interfaces.Logger
}

// sortedKeys establishes the deterministic lexicographic iteration order
// every handle assignment depends on.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Lower validates names, resolves them to integer handles, instantiates
// every component, and assembles the kernel configuration. Handles are
// assigned in lexicographic name order; the first schedule in that order
// becomes the initial active schedule.
func (bp *Blueprint) Lower(opts *LowerOptions) (*KernelConfig, error) {
	if opts == nil {
		opts = &LowerOptions{}
	}
	log := opts.Logger

	cfg := &KernelConfig{}

	// channels
	channelIdx := make(map[string]int, len(bp.Channels))
	for _, name := range sortedKeys(bp.Channels) {
		if name == "" {
			return nil, NewError("lower", ErrCodeBlueprint, "channel with empty name")
		}
		channelIdx[name] = len(cfg.Channels)
		cfg.Channels = append(cfg.Channels, NewChannel(name, bp.Channels[name].Size))
		if log != nil {
			log.Debugf("channel[%d] %q holds %d bytes", channelIdx[name], name, bp.Channels[name].Size)
		}
	}

	// functions
	functionIdx := make(map[string]int, len(bp.Functions))
	for _, name := range sortedKeys(bp.Functions) {
		fbp := bp.Functions[name]

		f, err := LoadFunction(name, fbp.Wasm)
		if err != nil {
			if opts.Strict {
				return nil, err
			}
			if log != nil {
				log.Warnf("skipping function %q: %v", name, err)
			}
			continue
		}

		if fbp.Consumes != "" {
			idx, ok := channelIdx[fbp.Consumes]
			if !ok {
				return nil, NewEntityError("lower", ErrCodeInvalidChannelIdx, fbp.Consumes,
					fmt.Sprintf("function %q consumes unknown channel", name))
			}
			f.Consumes = idx
		}
		if fbp.Produces != "" {
			idx, ok := channelIdx[fbp.Produces]
			if !ok {
				return nil, NewEntityError("lower", ErrCodeInvalidChannelIdx, fbp.Produces,
					fmt.Sprintf("function %q produces unknown channel", name))
			}
			f.Produces = idx
		}

		f.FuelPerCall = fbp.FuelPerCall
		policy, err := ParseOnTimeAbort(fbp.OnTimeAbort)
		if err != nil {
			return nil, err
		}
		f.OnTrap = policy

		functionIdx[name] = len(cfg.Functions)
		cfg.Functions = append(cfg.Functions, f)
	}

	// io drivers
	ioIdx := make(map[string]int, len(bp.Io))
	for _, name := range sortedKeys(bp.Io) {
		ibp := bp.Io[name]
		var (
			driver interfaces.Driver
			err    error
		)
		switch strings.ToLower(ibp.Type) {
		case "udp":
			driver, err = iodrv.NewUDP(ibp.Bind, ibp.Connect, log)
		case "loopback":
			driver = iodrv.NewLoopback()
		default:
			return nil, NewEntityError("lower", ErrCodeBlueprint, name,
				fmt.Sprintf("unknown io driver type %q", ibp.Type))
		}
		if err != nil {
			return nil, WrapError("lower", ErrCodeIoChannelCreation, err)
		}
		ioIdx[name] = len(cfg.Drivers)
		cfg.Drivers = append(cfg.Drivers, driver)
	}

	// schedules, pass 1: translate entries; switch targets may name a
	// schedule that has no handle yet, so they are emitted as
	// placeholders.
	scheduleNames := sortedKeys(bp.Schedules)
	scheduleIdx := make(map[string]int, len(bp.Schedules))
	for _, name := range scheduleNames {
		sequence := make([]ScheduleEntry, 0, len(bp.Schedules[name]))
		for i, slot := range bp.Schedules[name] {
			entry, err := lowerSlot(name, i, slot, functionIdx, channelIdx, ioIdx)
			if err != nil {
				return nil, err
			}
			sequence = append(sequence, entry)
		}
		s, err := NewSchedule(name, sequence)
		if err != nil {
			return nil, err
		}
		scheduleIdx[name] = len(cfg.Schedules)
		cfg.Schedules = append(cfg.Schedules, s)
	}

	// schedules, pass 2: walk each schedule in parallel with its
	// blueprint form and patch the placeholders.
	for _, name := range scheduleNames {
		s := cfg.Schedules[scheduleIdx[name]]
		for i, slot := range bp.Schedules[name] {
			if slot.SwitchToSchedule == nil {
				continue
			}
			sw, ok := s.Entries()[i].(SwitchSchedule)
			if !ok || sw.Target != placeholderScheduleIdx {
				return nil, NewEntityError("lower", ErrCodeBlueprint, name,
					fmt.Sprintf("entry %d should be an unresolved schedule switch", i))
			}
			target, ok := scheduleIdx[*slot.SwitchToSchedule]
			if !ok {
				return nil, NewEntityError("lower", ErrCodeInvalidScheduleIdx, *slot.SwitchToSchedule,
					fmt.Sprintf("schedule %q switches to unknown schedule", name))
			}
			s.Entries()[i] = SwitchSchedule{Target: target}
		}
	}

	// the lexicographically first schedule is the initial one
	cfg.CurrentSchedule = 0

	if log != nil {
		log.Debugf("lowered %d channels, %d functions, %d drivers, %d schedules",
			len(cfg.Channels), len(cfg.Functions), len(cfg.Drivers), len(cfg.Schedules))
	}

	return cfg, nil
}

// lowerSlot resolves one blueprint schedule slot to a schedule entry
func lowerSlot(sched string, i int, slot ScheduleSlot,
	functionIdx, channelIdx, ioIdx map[string]int) (ScheduleEntry, error) {

	shapes := 0
	for _, present := range []bool{
		slot.Function != nil,
		slot.FromChannel != nil || slot.ToIo != nil,
		slot.FromIo != nil || slot.ToChannel != nil,
		slot.WaitNs != nil,
		slot.SwitchToSchedule != nil,
	} {
		if present {
			shapes++
		}
	}
	if shapes > 1 {
		return nil, NewEntityError("lower", ErrCodeBlueprint, sched,
			fmt.Sprintf("entry %d mixes several entry shapes", i))
	}

	switch {
	case slot.Function != nil:
		idx, ok := functionIdx[*slot.Function]
		if !ok {
			return nil, NewEntityError("lower", ErrCodeInvalidFunctionIdx, *slot.Function,
				fmt.Sprintf("schedule %q entry %d invokes unknown function", sched, i))
		}
		return FunctionInvocation{Function: idx}, nil

	case slot.FromChannel != nil || slot.ToIo != nil:
		if slot.FromChannel == nil || slot.ToIo == nil {
			return nil, NewEntityError("lower", ErrCodeBlueprint, sched,
				fmt.Sprintf("entry %d needs both from_channel and to_io", i))
		}
		from, ok := channelIdx[*slot.FromChannel]
		if !ok {
			return nil, NewEntityError("lower", ErrCodeInvalidChannelIdx, *slot.FromChannel,
				fmt.Sprintf("schedule %q entry %d reads unknown channel", sched, i))
		}
		to, ok := ioIdx[*slot.ToIo]
		if !ok {
			return nil, NewEntityError("lower", ErrCodeInvalidIoIdx, *slot.ToIo,
				fmt.Sprintf("schedule %q entry %d writes unknown io", sched, i))
		}
		return IoOut{FromChannel: from, ToIo: to}, nil

	case slot.FromIo != nil || slot.ToChannel != nil:
		if slot.FromIo == nil || slot.ToChannel == nil {
			return nil, NewEntityError("lower", ErrCodeBlueprint, sched,
				fmt.Sprintf("entry %d needs both from_io and to_channel", i))
		}
		from, ok := ioIdx[*slot.FromIo]
		if !ok {
			return nil, NewEntityError("lower", ErrCodeInvalidIoIdx, *slot.FromIo,
				fmt.Sprintf("schedule %q entry %d reads unknown io", sched, i))
		}
		to, ok := channelIdx[*slot.ToChannel]
		if !ok {
			return nil, NewEntityError("lower", ErrCodeInvalidChannelIdx, *slot.ToChannel,
				fmt.Sprintf("schedule %q entry %d writes unknown channel", sched, i))
		}
		return IoIn{FromIo: from, ToChannel: to}, nil

	case slot.WaitNs != nil:
		return Wait{Duration: time.Duration(*slot.WaitNs) * time.Nanosecond}, nil

	case slot.SwitchToSchedule != nil:
		return SwitchSchedule{Target: placeholderScheduleIdx}, nil
	}

	return nil, NewEntityError("lower", ErrCodeBlueprint, sched,
		fmt.Sprintf("entry %d matches no known entry shape", i))
}
