// Package config holds the persistent emulator configuration consumed by the
// JIT engine. Values are flat booleans with documented defaults; a missing key
// never errors, it reads as its default. Writers fire change callbacks
// synchronously so the engine can re-derive its code generation options.
package config

import (
	"sync"
)

type Option string

const (
	// Master JIT switch and per-category disables, used to bisect
	// miscompiles by forcing instruction categories to the fallback path.
	MainJitOff                  Option = "Debug.JitOff"
	MainJitLoadStoreOff         Option = "Debug.JitLoadStoreOff"
	MainJitLoadStoreLXzOff      Option = "Debug.JitLoadStoreLXzOff"
	MainJitLoadStoreLwzOff      Option = "Debug.JitLoadStoreLwzOff"
	MainJitLoadStoreLbzxOff     Option = "Debug.JitLoadStoreLbzxOff"
	MainJitLoadStoreFloatingOff Option = "Debug.JitLoadStoreFloatingOff"
	MainJitLoadStorePairedOff   Option = "Debug.JitLoadStorePairedOff"
	MainJitFloatingPointOff     Option = "Debug.JitFloatingPointOff"
	MainJitIntegerOff           Option = "Debug.JitIntegerOff"
	MainJitPairedOff            Option = "Debug.JitPairedOff"
	MainJitSystemRegistersOff   Option = "Debug.JitSystemRegistersOff"
	MainJitBranchOff            Option = "Debug.JitBranchOff"
	MainJitRegisterCacheOff     Option = "Debug.JitRegisterCacheOff"

	MainEnableDebugging        Option = "Main.EnableDebugging"
	MainFloatExceptions        Option = "Main.FloatExceptions"
	MainDivideByZeroExceptions Option = "Main.DivideByZeroExceptions"
	MainLowDCBZHack            Option = "Main.LowDCBZHack"
	MainFPRF                   Option = "Main.FPRF"
	MainAccurateNaNs           Option = "Main.AccurateNaNs"
	MainFastmem                Option = "Main.Fastmem"
	MainAccurateCPUCache       Option = "Main.AccurateCPUCache"
	MainJitFollowBranch        Option = "Main.JitFollowBranch"
)

// defaults for options that are on out of the box. Anything absent here
// defaults to false.
var defaults = map[Option]bool{
	MainFastmem:         true,
	MainJitFollowBranch: true,
}

// Store is the process-wide configuration store. Reads and writes may come
// from any thread; change callbacks fire on the writer's thread, so
// subscribers that care (the JIT does) must marshal their refresh themselves.
type Store struct {
	mu        sync.RWMutex
	values    map[Option]bool
	callbacks map[int]func()
	nextID    int
}

func NewStore() *Store {
	return &Store{
		values:    make(map[Option]bool),
		callbacks: make(map[int]func()),
	}
}

// GetBool returns the stored value for o, or its default when unset.
func (s *Store) GetBool(o Option) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.values[o]; ok {
		return v
	}
	return defaults[o]
}

// SetBool stores a value and fires every registered change callback.
// Setting a key to the value it already has is a no-op.
func (s *Store) SetBool(o Option, v bool) {
	s.mu.Lock()
	if cur, ok := s.values[o]; (ok && cur == v) || (!ok && defaults[o] == v) {
		s.mu.Unlock()
		return
	}
	s.values[o] = v
	cbs := s.snapshotCallbacks()
	s.mu.Unlock()

	for _, cb := range cbs {
		cb()
	}
}

// AddChangedCallback registers fn to run after any option changes and returns
// a handle for RemoveChangedCallback.
func (s *Store) AddChangedCallback(fn func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.callbacks[id] = fn
	return id
}

// RemoveChangedCallback deregisters a callback. Removing an unknown handle is
// a no-op.
func (s *Store) RemoveChangedCallback(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.callbacks, id)
}

// snapshotCallbacks must be called with mu held.
func (s *Store) snapshotCallbacks() []func() {
	cbs := make([]func(), 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (s *Store) fireCallbacks() {
	s.mu.RLock()
	cbs := s.snapshotCallbacks()
	s.mu.RUnlock()
	for _, cb := range cbs {
		cb()
	}
}
