package powerpc

import (
	"sync"

	"golang.org/x/exp/slices"

	"github.com/sticks-stuff/dolphin/log"
)

// BreakPoints is the debugger's instruction breakpoint registry. Safe for
// concurrent use; the JIT queries it during compilation, the UI mutates it.
type BreakPoints struct {
	mu        sync.RWMutex
	addrs     map[uint32]struct{}
	onChanged func()
}

func NewBreakPoints() *BreakPoints {
	return &BreakPoints{addrs: make(map[uint32]struct{})}
}

// SetChangedCallback registers fn to run after every mutation. The JIT uses
// this to drop compiled units that span a new breakpoint. Only one subscriber
// is supported.
func (b *BreakPoints) SetChangedCallback(fn func()) {
	b.mu.Lock()
	b.onChanged = fn
	b.mu.Unlock()
}

func (b *BreakPoints) IsAddressBreakPoint(addr uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.addrs[addr]
	return ok
}

func (b *BreakPoints) Add(addr uint32) {
	b.mu.Lock()
	b.addrs[addr] = struct{}{}
	fn := b.onChanged
	b.mu.Unlock()
	log.Debug(log.PowerPCMonitoring, "breakpoint added", "addr", addr)
	if fn != nil {
		fn()
	}
}

func (b *BreakPoints) Remove(addr uint32) {
	b.mu.Lock()
	delete(b.addrs, addr)
	fn := b.onChanged
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (b *BreakPoints) Clear() {
	b.mu.Lock()
	b.addrs = make(map[uint32]struct{})
	fn := b.onChanged
	b.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// List returns the breakpoint addresses in ascending order.
func (b *BreakPoints) List() []uint32 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint32, 0, len(b.addrs))
	for a := range b.addrs {
		out = append(out, a)
	}
	slices.Sort(out)
	return out
}

// MemCheck is a watchpoint over a guest address range, inclusive on both ends.
type MemCheck struct {
	Start uint32
	End   uint32
}

// MemChecks is the watchpoint registry. Any active watchpoint disables the
// fastmem fast path for translated accesses, so the JIT re-derives its code
// generation options whenever the set changes.
type MemChecks struct {
	mu        sync.RWMutex
	checks    []MemCheck
	onChanged func()
}

func NewMemChecks() *MemChecks {
	return &MemChecks{}
}

// SetChangedCallback registers fn to run after every mutation. The JIT uses
// this to recompute its memory options. Only one subscriber is supported.
func (m *MemChecks) SetChangedCallback(fn func()) {
	m.mu.Lock()
	m.onChanged = fn
	m.mu.Unlock()
}

func (m *MemChecks) HasAny() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.checks) > 0
}

func (m *MemChecks) Add(c MemCheck) {
	m.mu.Lock()
	m.checks = append(m.checks, c)
	fn := m.onChanged
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *MemChecks) Remove(c MemCheck) {
	m.mu.Lock()
	m.checks = slices.DeleteFunc(m.checks, func(x MemCheck) bool {
		return x == c
	})
	fn := m.onChanged
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (m *MemChecks) Clear() {
	m.mu.Lock()
	m.checks = nil
	fn := m.onChanged
	m.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Covers reports whether any watchpoint overlaps addr.
func (m *MemChecks) Covers(addr uint32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.checks {
		if addr >= c.Start && addr <= c.End {
			return true
		}
	}
	return false
}
