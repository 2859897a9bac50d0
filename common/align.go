package common

import "encoding/binary"

// AlignUp rounds x up to the next multiple of align. align must be a power of two.
func AlignUp(x uintptr, align uintptr) uintptr {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to a multiple of align. align must be a power of two.
func AlignDown(x uintptr, align uintptr) uintptr {
	return x &^ (align - 1)
}

// ReadBE32 reads a big-endian 32-bit word. Guest instructions and most guest
// data are big-endian.
func ReadBE32(data []byte) uint32 {
	return binary.BigEndian.Uint32(data)
}

// WriteBE32 writes a big-endian 32-bit word.
func WriteBE32(data []byte, v uint32) {
	binary.BigEndian.PutUint32(data, v)
}
