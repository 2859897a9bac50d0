package jit

import (
	"fmt"

	"github.com/sticks-stuff/dolphin/common"
	"github.com/sticks-stuff/dolphin/log"
)

// Block linking lets compiled calls jump straight into their compiled
// targets instead of returning through the dispatcher. A guest that recurses
// abnormally can then nest host calls without bound — impossible on the real
// console, fatal on a finite native stack. We reserve headroom under a guard
// region near the stack extent; when the guard trips we disable the
// optimization for good and flush the cache at the next safe point rather
// than crash. Once tripped it stays off: the condition is not expected to
// occur in practice, so there is no adaptive re-arming.

const (
	// SafeStackSize is the headroom kept usable below the fault point so
	// cleanup can still run.
	SafeStackSize = 512 * 1024
	// GuardSize is the extent of the protected region.
	GuardSize = 64 * 1024
	// GuardOffset positions the guard region above the stack base.
	GuardOffset = SafeStackSize - GuardSize
	// MinUnsafeStackSize is the minimum stack that must remain between the
	// guard and the current stack pointer for arming to be worthwhile.
	MinUnsafeStackSize = 192 * 1024
)

// StackGuardStrategy is the platform-specific half of the stack guard. The
// state machine in the engine is platform independent; strategies only know
// how to reserve, protect and restore.
type StackGuardStrategy interface {
	// Arm establishes the guard for the calling thread. An error means the
	// host environment cannot support the optimization; the engine treats
	// it as a non-fatal diagnostic and runs without the optimization.
	Arm() error

	// Disarm removes the guard. Idempotent; safe to call when never armed.
	Disarm()

	// OnFaultDetected undoes the minimum necessary from inside the fault
	// delivery path, where almost no stack remains. Idempotent.
	OnFaultDetected()

	// PostFaultCleanup restores platform guard state at the next safe
	// dispatch boundary, outside the fault path.
	PostFaultCleanup()
}

// PageGuardStrategy protects a page-aligned region of the native stack via
// page protection. Used on hosts with mprotect-style primitives.
type PageGuardStrategy struct {
	stackBounds  func() (base uintptr, size uintptr, err error)
	stackPointer func() uintptr
	pageSize     func() uintptr
	protect      func(addr, size uintptr) error
	unprotect    func(addr, size uintptr) error

	guard uintptr // page-aligned base of the protected region, 0 when disarmed
}

func NewPageGuardStrategy() *PageGuardStrategy {
	return &PageGuardStrategy{
		stackBounds:  common.GetCurrentThreadStack,
		stackPointer: common.CurrentStackPointer,
		pageSize:     common.PageSize,
		protect:      common.ReadProtectMemory,
		unprotect:    common.UnWriteProtectMemory,
	}
}

func (s *PageGuardStrategy) Arm() error {
	stackBase, stackSize, err := s.stackBounds()
	if err != nil {
		return fmt.Errorf("failed to get stack bounds: %w", err)
	}

	stackMiddle := s.stackPointer()
	if stackMiddle < stackBase || stackMiddle >= stackBase+stackSize {
		return fmt.Errorf("failed to get correct stack base (base %#x size %#x sp %#x)",
			stackBase, stackSize, stackMiddle)
	}

	pageSize := s.pageSize()
	if pageSize == 0 {
		return fmt.Errorf("failed to get page size")
	}

	guardAddr := common.AlignUp(stackBase+GuardOffset, pageSize)
	if guardAddr >= stackMiddle || stackMiddle-guardAddr < GuardSize+MinUnsafeStackSize {
		return fmt.Errorf("stack is too small for block linking (size %#x, base %#x, current stack pointer %#x, alignment %#x)",
			stackSize, stackBase, stackMiddle, pageSize)
	}

	if err := s.protect(guardAddr, GuardSize); err != nil {
		return fmt.Errorf("failed to protect stack guard region: %w", err)
	}
	s.guard = guardAddr
	log.Debug(log.JitMonitoring, "stack guard armed", "guard", guardAddr, "size", GuardSize)
	return nil
}

func (s *PageGuardStrategy) Disarm() {
	if s.guard == 0 {
		return
	}
	if err := s.unprotect(s.guard, GuardSize); err != nil {
		log.Warn(log.JitMonitoring, "failed to unprotect stack guard region", "err", err)
	}
	s.guard = 0
}

func (s *PageGuardStrategy) OnFaultDetected() {
	// Keep this path minimal: we may be running with almost no stack.
	s.Disarm()
}

func (s *PageGuardStrategy) PostFaultCleanup() {}

// GuardAddr returns the base of the protected region, 0 when disarmed.
func (s *PageGuardStrategy) GuardAddr() uintptr { return s.guard }

// StackGuaranteeStrategy is for hosts without usable page protection on the
// stack: it asks the OS to deliver its stack-overflow notification early,
// while reserved headroom is still usable, and restores that reservation
// after a fault has been handled.
type StackGuaranteeStrategy struct {
	reserve func(size uintptr) error
	armed   bool
}

func NewStackGuaranteeStrategy(reserve func(size uintptr) error) *StackGuaranteeStrategy {
	return &StackGuaranteeStrategy{reserve: reserve}
}

func (s *StackGuaranteeStrategy) Arm() error {
	if err := s.reserve(SafeStackSize); err != nil {
		return fmt.Errorf("failed to reserve stack headroom: %w", err)
	}
	s.armed = true
	return nil
}

func (s *StackGuaranteeStrategy) Disarm() { s.armed = false }

func (s *StackGuaranteeStrategy) OnFaultDetected() {}

func (s *StackGuaranteeStrategy) PostFaultCleanup() {
	if !s.armed {
		return
	}
	// The reservation is consumed by a delivered overflow; re-establish it.
	if err := s.reserve(SafeStackSize); err != nil {
		log.Warn(log.JitMonitoring, "failed to restore stack guarantee", "err", err)
	}
	s.armed = false
}
