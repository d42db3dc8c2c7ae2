package sepkern

import (
	"fmt"
	"os"
	"time"

	"github.com/bytecodealliance/wasmtime-go/v25"
)

// EntryFunctionName is the parameterless i32-returning entry point every
// function module must export.
const EntryFunctionName = "process"

// MemoryName is the exported linear memory the kernel copies channel data
// into and out of.
const MemoryName = "memory"

// InputGlobalName and OutputGlobalName are the exported i32 globals whose
// values locate the input/output windows inside the module's memory.
const (
	InputGlobalName  = "INPUT"
	OutputGlobalName = "OUTPUT"
)

// OnTimeAbort selects what happens to a function's linear memory after its
// invocation traps (including fuel exhaustion).
type OnTimeAbort int

const (
	// AbortReset restores the memory image captured right after loading
	AbortReset OnTimeAbort = iota

	// AbortLastCheckPoint restores the image captured before the last
	// invocation
	AbortLastCheckPoint

	// AbortKeep leaves the memory exactly as the trapped invocation left
	// it. The module must then treat all of its state as suspect.
	AbortKeep
)

// ParseOnTimeAbort maps a blueprint policy name to its value. The empty
// string selects AbortReset.
func ParseOnTimeAbort(s string) (OnTimeAbort, error) {
	switch s {
	case "", "Reset":
		return AbortReset, nil
	case "LastCheckPoint":
		return AbortLastCheckPoint, nil
	case "Keep":
		return AbortKeep, nil
	}
	return AbortReset, NewEntityError("parse", ErrCodeBlueprint, s, "unknown on_time_abort policy")
}

func (p OnTimeAbort) String() string {
	switch p {
	case AbortReset:
		return "Reset"
	case AbortLastCheckPoint:
		return "LastCheckPoint"
	case AbortKeep:
		return "Keep"
	}
	return fmt.Sprintf("OnTimeAbort(%d)", int(p))
}

// Function owns one sandboxed wasm module plus its kernel-side metadata.
// The sandbox engine runs with fuel accounting enabled; FuelPerCall is the
// sole mechanism bounding a single invocation.
type Function struct {
	Name string

	// Consumes is the handle of the channel copied into the module's
	// INPUT window before each invocation, or -1.
	Consumes int

	// Produces is the handle of the channel filled from the module's
	// OUTPUT window after each invocation, or -1.
	Produces int

	FuelPerCall uint64
	OnTrap      OnTimeAbort

	engine   *wasmtime.Engine
	store    *wasmtime.Store
	module   *wasmtime.Module
	instance *wasmtime.Instance
	entry    *wasmtime.Func

	// loadImage is the linear memory captured right after the module's
	// start function ran; checkpoint is captured before each invocation
	// when the policy asks for it.
	loadImage  []byte
	checkpoint []byte
}

// InvokeResult reports one completed (or trapped) entry-point invocation
type InvokeResult struct {
	Status       int32 // informational; never interpreted by the kernel
	FuelConsumed uint64
	Elapsed      time.Duration
}

// newMeteredEngine initializes a wasm engine with fuel accounting enabled
func newMeteredEngine() *wasmtime.Engine {
	config := wasmtime.NewConfig()
	config.SetConsumeFuel(true)
	return wasmtime.NewEngineWithConfig(config)
}

// LoadFunction reads a wasm module, initializes a metered engine, parses
// and links the module with an empty host import set, and runs its start
// function. Any open, parse, link, or start failure surfaces as a
// wasm-load error.
func LoadFunction(name, modulePath string) (*Function, error) {
	wasm, err := os.ReadFile(modulePath)
	if err != nil {
		return nil, WrapError("load", ErrCodeWasmLoad, fmt.Errorf("module %s: %w", modulePath, err))
	}
	return NewFunctionFromWasm(name, wasm)
}

// startFuel bounds the module's start function during instantiation
const startFuel = 1_000_000

// NewFunctionFromWasm is LoadFunction for an in-memory module image
func NewFunctionFromWasm(name string, wasm []byte) (*Function, error) {
	engine := newMeteredEngine()
	store := wasmtime.NewStore(engine)

	module, err := wasmtime.NewModule(engine, wasm)
	if err != nil {
		return nil, WrapError("load", ErrCodeWasmLoad, fmt.Errorf("module %q: %w", name, err))
	}

	// Instantiation runs the module's start function under a fixed
	// budget; a start overrun surfaces as a load error.
	if err := store.SetFuel(startFuel); err != nil {
		return nil, WrapError("load", ErrCodeWasmLoad, err)
	}

	linker := wasmtime.NewLinker(engine)
	instance, err := linker.Instantiate(store, module)
	if err != nil {
		return nil, WrapError("load", ErrCodeWasmLoad, fmt.Errorf("link %q: %w", name, err))
	}

	f := &Function{
		Name:     name,
		Consumes: -1,
		Produces: -1,
		engine:   engine,
		store:    store,
		module:   module,
		instance: instance,
	}

	entry, err := f.EntryFunc()
	if err != nil {
		return nil, err
	}
	f.entry = entry

	if mem := f.memory(); mem != nil {
		f.loadImage = append([]byte(nil), mem.UnsafeData(store)...)
	}

	return f, nil
}

// memory returns the module's exported linear memory, or nil
func (f *Function) memory() *wasmtime.Memory {
	ext := f.instance.GetExport(f.store, MemoryName)
	if ext == nil {
		return nil
	}
	return ext.Memory()
}

// globalOffset resolves an i32-valued global to its current value
func (f *Function) globalOffset(ident string) (int32, error) {
	ext := f.instance.GetExport(f.store, ident)
	if ext == nil {
		return 0, NewEntityError("global", ErrCodeGlobalDoesNotExist, ident,
			fmt.Sprintf("module %q exports no global %q", f.Name, ident))
	}
	g := ext.Global()
	if g == nil {
		return 0, NewEntityError("global", ErrCodeUnexpectedWasmType, ident,
			fmt.Sprintf("export %q of module %q is not a global", ident, f.Name))
	}
	val := g.Get(f.store)
	if val.Kind() != wasmtime.KindI32 {
		return 0, NewEntityError("global", ErrCodeUnexpectedWasmType, ident,
			fmt.Sprintf("global %q of module %q is not i32", ident, f.Name))
	}
	return val.I32(), nil
}

// GlobalWindow exposes the n bytes of linear memory addressed by the
// i32 global ident as a shared view. The returned slice aliases the
// sandbox memory directly and is only valid until the next invocation.
func (f *Function) GlobalWindow(ident string, n int) ([]byte, error) {
	return f.globalWindow(ident, n)
}

// GlobalWindowMut is the exclusive counterpart of GlobalWindow. The
// dispatcher is single-threaded, so exclusivity is by convention, not by
// locking.
func (f *Function) GlobalWindowMut(ident string, n int) ([]byte, error) {
	return f.globalWindow(ident, n)
}

func (f *Function) globalWindow(ident string, n int) ([]byte, error) {
	off, err := f.globalOffset(ident)
	if err != nil {
		return nil, err
	}

	mem := f.memory()
	if mem == nil {
		return nil, NewEntityError("global", ErrCodeNoSuchWasmMemory, MemoryName,
			fmt.Sprintf("module %q exports no memory %q", f.Name, MemoryName))
	}

	data := mem.UnsafeData(f.store)
	if int(off) < 0 || int(off)+n > len(data) {
		return nil, &Error{
			Op:       "global",
			Code:     ErrCodeBufferTooSmall,
			Entity:   ident,
			Idx:      -1,
			Expected: n,
			Got:      len(data) - int(off),
			Msg:      fmt.Sprintf("window of global %q exceeds memory of module %q", ident, f.Name),
		}
	}
	return data[off : int(off)+n], nil
}

// EntryFunc looks up the process entry point and checks its signature,
// distinguishing a missing export from a mismatched one.
func (f *Function) EntryFunc() (*wasmtime.Func, error) {
	ext := f.instance.GetExport(f.store, EntryFunctionName)
	if ext == nil {
		return nil, NewEntityError("entry", ErrCodeWasmLoad, f.Name,
			fmt.Sprintf("module %q does not export %q", f.Name, EntryFunctionName))
	}
	fn := ext.Func()
	if fn == nil {
		return nil, NewEntityError("entry", ErrCodeWasmLoad, f.Name,
			fmt.Sprintf("export %q of module %q is not a function", EntryFunctionName, f.Name))
	}

	ty := fn.Type(f.store)
	results := ty.Results()
	if len(ty.Params()) != 0 || len(results) != 1 || results[0].Kind() != wasmtime.KindI32 {
		return nil, NewEntityError("entry", ErrCodeWasmLoad, f.Name,
			fmt.Sprintf("entry %q of module %q must have signature () -> i32", EntryFunctionName, f.Name))
	}
	return fn, nil
}

// Invoke refuels the store to exactly FuelPerCall and calls the entry
// point. The result carries the returned status, the fuel consumed, and
// the wall-clock duration. A trap (including fuel exhaustion) is returned
// as a trap-coded error; FuelConsumed is still populated.
func (f *Function) Invoke() (InvokeResult, error) {
	if err := f.store.SetFuel(f.FuelPerCall); err != nil {
		return InvokeResult{}, WrapError("invoke", ErrCodeWasmLoad, err)
	}

	if f.OnTrap == AbortLastCheckPoint {
		f.Checkpoint()
	}

	start := time.Now()
	ret, callErr := f.entry.Call(f.store)
	elapsed := time.Since(start)

	consumed := f.FuelPerCall
	if remaining, err := f.store.GetFuel(); err == nil && remaining <= f.FuelPerCall {
		consumed = f.FuelPerCall - remaining
	}

	res := InvokeResult{FuelConsumed: consumed, Elapsed: elapsed}

	if callErr != nil {
		return res, WrapError("invoke", ErrCodeTrap,
			fmt.Errorf("function %q: %w", f.Name, callErr))
	}

	if status, ok := ret.(int32); ok {
		res.Status = status
	}
	return res, nil
}

// Checkpoint captures the current linear memory as the restore point for
// the LastCheckPoint policy
func (f *Function) Checkpoint() {
	mem := f.memory()
	if mem == nil {
		return
	}
	data := mem.UnsafeData(f.store)
	if cap(f.checkpoint) >= len(data) {
		f.checkpoint = f.checkpoint[:len(data)]
		copy(f.checkpoint, data)
		return
	}
	f.checkpoint = append([]byte(nil), data...)
}

// RestoreOnTrap applies the function's OnTimeAbort policy to its linear
// memory after a trapped invocation.
func (f *Function) RestoreOnTrap() {
	switch f.OnTrap {
	case AbortKeep:
		return
	case AbortLastCheckPoint:
		if f.checkpoint != nil {
			f.restoreImage(f.checkpoint)
			return
		}
		// no invocation has run yet; fall back to the load image
		f.restoreImage(f.loadImage)
	case AbortReset:
		f.restoreImage(f.loadImage)
	}
}

func (f *Function) restoreImage(image []byte) {
	mem := f.memory()
	if mem == nil || image == nil {
		return
	}
	data := mem.UnsafeData(f.store)
	n := copy(data, image)
	// memory only grows; anything past the image is zeroed so no state
	// from the trapped run survives
	for i := n; i < len(data); i++ {
		data[i] = 0
	}
}
