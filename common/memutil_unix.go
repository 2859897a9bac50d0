//go:build unix

package common

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// PageSize returns the host page size in bytes.
func PageSize() uintptr {
	return uintptr(os.Getpagesize())
}

// ReadProtectMemory marks [addr, addr+size) inaccessible. addr must be
// page-aligned.
func ReadProtectMemory(addr uintptr, size uintptr) error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Mprotect(region, unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect PROT_NONE at %#x (+%#x): %w", addr, size, err)
	}
	return nil
}

// UnWriteProtectMemory restores read/write access to [addr, addr+size).
func UnWriteProtectMemory(addr uintptr, size uintptr) error {
	region := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("mprotect PROT_READ|PROT_WRITE at %#x (+%#x): %w", addr, size, err)
	}
	return nil
}
