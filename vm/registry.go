package vm

import (
	"sync"

	"github.com/dolthub/swiss"
	"go.uber.org/zap"
)

// NameRegistry associates fully-qualified byte strings to arena-owned
// pointers (§3 "Name Registry (map)"). The spec describes, almost verbatim,
// a SIMD-group-of-16 swiss table with 7-bit fingerprints and 0.8 load
// factor; rather than hand-roll an unverifiable reimplementation of that
// exact algorithm, this wraps github.com/dolthub/swiss's real
// implementation and layers the spec's single-writer/concurrent-reader
// discipline on top via sync.RWMutex (§3 "Registry insertion is
// single-writer with exclusive write; readers may traverse concurrently").
type NameRegistry[V any] struct {
	mu sync.RWMutex
	m  *swiss.Map[string, V]
}

func newNameRegistry[V any]() *NameRegistry[V] {
	return &NameRegistry[V]{m: swiss.NewMap[string, V](16)}
}

// Insert is single-writer; duplicate insertion panics (§7 "registry
// duplicate insertion" is a compile-time/misuse panic, not a RuntimeError).
func (r *NameRegistry[V]) Insert(key string, value V) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m.Get(key); ok {
		panic(errDuplicateRegistryInsert)
	}
	r.m.Put(key, value)
	return nil
}

// Find returns the stored pointer and true, or the zero value and false
// (§8 "find-after-insert returns the same pointer... find with a
// non-present key returns null").
func (r *NameRegistry[V]) Find(key string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m.Get(key)
}

func (r *NameRegistry[V]) Count() uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.m.Count()
}

// HostContext holds the three host callables (§4.7): error, print, deinit,
// guarded by a mutex so that native callbacks may fire from many threads.
// Logging is backed by zap (SPEC_FULL.md §10), matching
// wippyai-wasm-runtime's use of zap at its wasm-host call boundary.
type HostContext struct {
	mu     Mutex
	logger *zap.Logger

	OnError func(kind RuntimeErrorKind, message string)
	OnPrint func(s string)
	OnDeinit func()
}

func NewHostContext(logger *zap.Logger) *HostContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostContext{logger: logger}
}

// ReportError invokes the error callback with kind/message (§7: "invoked
// with the kind and message before propagation"), logging it at Warn with
// structured fields first.
func (h *HostContext) ReportError(kind RuntimeErrorKind, message string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Warn("runtime error",
		zap.String("kind", kind.String()),
		zap.String("message", message),
	)
	if h.OnError != nil {
		h.OnError(kind, message)
	}
}

func (h *HostContext) Print(s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OnPrint != nil {
		h.OnPrint(s)
	}
}

// Program owns the arena, the host context, and the function/type
// registries (§3 "Program", §4.7).
type Program struct {
	arena *Arena
	Host  *HostContext

	Functions *NameRegistry[*FunctionRecord]
	Types     *NameRegistry[*TypeContext]

	// useLock is held (read side) for the duration of every call into the
	// program, and taken exclusively (non-blockingly) by Deinit — modeling
	// "programs must not be torn down while in use" (§4.7).
	useLock RWLock
}

func NewProgram(host *HostContext) *Program {
	if host == nil {
		host = NewHostContext(nil)
	}
	return &Program{
		arena:     NewArena(),
		Host:      host,
		Functions: newNameRegistry[*FunctionRecord](),
		Types:     newNameRegistry[*TypeContext](),
	}
}

// RegisterType allocates ctx in the arena and inserts it into the type
// registry keyed by fully-qualified name (§4.6 "types must be registered
// before any function that references them").
func (p *Program) RegisterType(fullyQualified string, ctx TypeContext) (*TypeContext, error) {
	frozen := p.arena.AllocTypeContext(ctx)
	if err := p.Types.Insert(fullyQualified, frozen); err != nil {
		return nil, err
	}
	return frozen, nil
}

func (p *Program) FindFunction(fullyQualified string) (*FunctionRecord, bool) {
	return p.Functions.Find(fullyQualified)
}

func (p *Program) FindType(fullyQualified string) (*TypeContext, bool) {
	return p.Types.Find(fullyQualified)
}

// Deinit takes the program's use lock exclusively without blocking; if any
// call holds it (a call is in flight), deinit panics — "programs must not be
// torn down while in use" (§4.7).
func (p *Program) Deinit() {
	if !p.useLock.TryLock() {
		panic(errProgramInUse)
	}
	defer p.useLock.Unlock()
	p.arena.Reset()
	if p.Host.OnDeinit != nil {
		p.Host.mu.Lock()
		defer p.Host.mu.Unlock()
		p.Host.OnDeinit()
	}
}

// enterCall/exitCall mark the program as in-use for Deinit's benefit; many
// calls may be in flight concurrently (shared lock), but Deinit needs all of
// them drained (exclusive lock) before tearing down the arena.
func (p *Program) enterCall() { p.useLock.RLock() }
func (p *Program) exitCall()  { p.useLock.RUnlock() }
