//go:build windows

package common

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

// PageSize returns the host page size in bytes.
func PageSize() uintptr {
	return uintptr(os.Getpagesize())
}

// ReadProtectMemory marks [addr, addr+size) inaccessible. addr must be
// page-aligned.
func ReadProtectMemory(addr uintptr, size uintptr) error {
	var old uint32
	if err := windows.VirtualProtect(addr, size, windows.PAGE_NOACCESS, &old); err != nil {
		return fmt.Errorf("VirtualProtect PAGE_NOACCESS at %#x (+%#x): %w", addr, size, err)
	}
	return nil
}

// UnWriteProtectMemory restores read/write access to [addr, addr+size).
func UnWriteProtectMemory(addr uintptr, size uintptr) error {
	var old uint32
	if err := windows.VirtualProtect(addr, size, windows.PAGE_READWRITE, &old); err != nil {
		return fmt.Errorf("VirtualProtect PAGE_READWRITE at %#x (+%#x): %w", addr, size, err)
	}
	return nil
}

var procSetThreadStackGuarantee = windows.NewLazySystemDLL("kernel32.dll").NewProc("SetThreadStackGuarantee")

// ReserveExtraStackHeadroom asks the OS to raise the stack-overflow exception
// while the given amount of stack is still usable. Windows-only; elsewhere the
// page-guard strategy is used instead.
func ReserveExtraStackHeadroom(size uintptr) error {
	reserve := uint32(size)
	r1, _, err := procSetThreadStackGuarantee.Call(uintptr(unsafe.Pointer(&reserve)))
	if r1 == 0 {
		return fmt.Errorf("SetThreadStackGuarantee(%#x): %w", size, err)
	}
	return nil
}
