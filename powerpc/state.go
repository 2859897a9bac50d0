// Package powerpc models the guest CPU the JIT translates: architectural
// state, the instruction analyzer that builds decoded windows for the
// compiler, and the debugger's breakpoint and watchpoint registries.
package powerpc

// MSR holds the two translation bits the JIT cares about.
type MSR struct {
	DR bool // data address translation
	IR bool // instruction address translation
}

// State is the guest architectural state. Compiled code mutates it directly;
// only the CPU thread may touch it while code is running.
type State struct {
	PC  uint32
	NPC uint32

	GPR [32]uint32
	FPR [32]uint64 // raw double bits
	LR  uint32
	CTR uint32
	CR  uint32
	XER uint32 // only the carry bit is maintained
	MSR MSR

	// FPSCR summary bits the reference backend maintains
	FPSCRZX bool // zero-divide exception sticky bit

	ExceptionPending bool
}

// XERCarry is the CA bit of the XER register.
const XERCarry uint32 = 1 << 29

// Memory is the guest address space as seen by compiled code. Reads return
// ok=false for unmapped addresses.
type Memory interface {
	Read32(addr uint32) (uint32, bool)
	Write32(addr uint32, v uint32) bool
	Read8(addr uint32) (uint8, bool)
	Write8(addr uint32, v uint8) bool
}

// SimpleRAM is a flat big-endian RAM window starting at Base. It backs tests
// and the CLI; real builds hand the JIT the fastmem arena instead.
type SimpleRAM struct {
	Base uint32
	Data []byte
}

func NewSimpleRAM(base uint32, size int) *SimpleRAM {
	return &SimpleRAM{Base: base, Data: make([]byte, size)}
}

func (r *SimpleRAM) contains(addr uint32, n uint32) bool {
	off := addr - r.Base
	return addr >= r.Base && uint64(off)+uint64(n) <= uint64(len(r.Data))
}

func (r *SimpleRAM) Read32(addr uint32) (uint32, bool) {
	if !r.contains(addr, 4) {
		return 0, false
	}
	off := addr - r.Base
	return uint32(r.Data[off])<<24 | uint32(r.Data[off+1])<<16 | uint32(r.Data[off+2])<<8 | uint32(r.Data[off+3]), true
}

func (r *SimpleRAM) Write32(addr uint32, v uint32) bool {
	if !r.contains(addr, 4) {
		return false
	}
	off := addr - r.Base
	r.Data[off] = byte(v >> 24)
	r.Data[off+1] = byte(v >> 16)
	r.Data[off+2] = byte(v >> 8)
	r.Data[off+3] = byte(v)
	return true
}

func (r *SimpleRAM) Read8(addr uint32) (uint8, bool) {
	if !r.contains(addr, 1) {
		return 0, false
	}
	return r.Data[addr-r.Base], true
}

func (r *SimpleRAM) Write8(addr uint32, v uint8) bool {
	if !r.contains(addr, 1) {
		return false
	}
	r.Data[addr-r.Base] = v
	return true
}
