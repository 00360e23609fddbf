package vm

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// AtomicCounter is a thin cross-platform wrapper, matching the teacher's use
// of atomic.Int32 as a request-in-flight counter (vm/devices.go's
// nonBlockingChan) generalized to int64 and exported for host use.
type AtomicCounter struct {
	v atomic.Int64
}

func (c *AtomicCounter) Add(delta int64) int64 { return c.v.Add(delta) }
func (c *AtomicCounter) Load() int64           { return c.v.Load() }
func (c *AtomicCounter) Store(v int64)         { c.v.Store(v) }

// AtomicFlag is a single boolean test-and-set flag.
type AtomicFlag struct {
	v atomic.Bool
}

func (f *AtomicFlag) TestAndSet() bool { return f.v.Swap(true) }
func (f *AtomicFlag) Clear()           { f.v.Store(false) }
func (f *AtomicFlag) IsSet() bool      { return f.v.Load() }

// Mutex wraps sync.Mutex (plus TryLock); the host context uses it to
// serialize its callbacks (§4.7). Program.Deinit's non-blocking in-use check
// goes through an RWLock, not this type.
type Mutex struct {
	mu sync.Mutex
}

func (m *Mutex) Lock()          { m.mu.Lock() }
func (m *Mutex) Unlock()        { m.mu.Unlock() }
func (m *Mutex) TryLock() bool  { return m.mu.TryLock() }
func (m *Mutex) Addr() uintptr  { return uintptr(unsafe.Pointer(m)) }

// RWLock wraps sync.RWMutex; its address is the ordering key the Sync
// Coordinator sorts lock-sets by (§4.8).
type RWLock struct {
	mu sync.RWMutex
}

func (l *RWLock) Lock()           { l.mu.Lock() }
func (l *RWLock) Unlock()         { l.mu.Unlock() }
func (l *RWLock) RLock()          { l.mu.RLock() }
func (l *RWLock) RUnlock()        { l.mu.RUnlock() }
func (l *RWLock) TryLock() bool   { return l.mu.TryLock() }
func (l *RWLock) TryRLock() bool  { return l.mu.TryRLock() }
func (l *RWLock) Addr() uintptr   { return uintptr(unsafe.Pointer(l)) }

var (
	hashSeedOnce sync.Once
	hashSeed     uint64
)

// processHashSeed lazily initializes a non-zero, pseudo-random, process-wide
// seed (§5) the first time any hash is computed, guarded the way the teacher
// lazily builds its instrToStrMap in vm/bytecode.go's init() — except this
// seed must stay unpredictable across runs rather than deterministic at load
// time, so sync.Once + crypto/rand replaces init().
func processHashSeed() uint64 {
	hashSeedOnce.Do(func() {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			hashSeed = uint64(time.Now().UnixNano()) | 1
			return
		}
		seed := binary.LittleEndian.Uint64(buf[:])
		if seed == 0 {
			seed = 1
		}
		hashSeed = seed
	})
	return hashSeed
}
