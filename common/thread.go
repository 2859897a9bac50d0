package common

import (
	"unsafe"
)

// DefaultStackSizeAssumption is used when the host gives us no better answer
// for the extent of the current thread's stack.
const DefaultStackSizeAssumption = uintptr(8 << 20)

// CurrentStackPointer returns an address inside the caller's stack frame.
// Good enough as a "somewhere in the live stack" probe; never dereference it
// after the caller returns.
//
//go:noinline
func CurrentStackPointer() uintptr {
	var marker byte
	return uintptr(unsafe.Pointer(&marker))
}

// GetCurrentThreadStack reports the base address and size of the calling
// thread's stack. The default implementation approximates the bounds from the
// current stack pointer and DefaultStackSizeAssumption; hosts with real
// introspection (pthread attrs, VirtualQuery) may replace it.
var GetCurrentThreadStack = func() (base uintptr, size uintptr, err error) {
	sp := CurrentStackPointer()
	size = DefaultStackSizeAssumption
	base = AlignDown(sp, size)
	if base == 0 {
		base = PageSize()
	}
	return base, size, nil
}
