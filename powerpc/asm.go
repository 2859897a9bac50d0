package powerpc

// Hand assemblers for the instruction forms the tests and the demo program
// need. Offsets are byte offsets, already word-aligned.

func EncodeAddi(rd, ra int, simm int16) uint32 {
	return 14<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(simm))
}

func EncodeAddic(rd, ra int, simm int16) uint32 {
	return 12<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(simm))
}

// EncodeAndi emits andi., which always records to cr0.
func EncodeAndi(ra, rs int, uimm uint16) uint32 {
	return 28<<26 | uint32(rs)<<21 | uint32(ra)<<16 | uint32(uimm)
}

func EncodeAddis(rd, ra int, simm int16) uint32 {
	return 15<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(simm))
}

func EncodeAdd(rd, ra, rb int) uint32 {
	return 31<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(rb)<<11 | 266<<1
}

func EncodeMulli(rd, ra int, simm int16) uint32 {
	return 7<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(simm))
}

func EncodeOri(ra, rs int, uimm uint16) uint32 {
	return 24<<26 | uint32(rs)<<21 | uint32(ra)<<16 | uint32(uimm)
}

func EncodeLwz(rd, ra int, d int16) uint32 {
	return 32<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

func EncodeStw(rs, ra int, d int16) uint32 {
	return 36<<26 | uint32(rs)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

func EncodeLbz(rd, ra int, d int16) uint32 {
	return 34<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

func EncodeStb(rs, ra int, d int16) uint32 {
	return 38<<26 | uint32(rs)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

func EncodeLfs(fd, ra int, d int16) uint32 {
	return 48<<26 | uint32(fd)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

func EncodeLfd(fd, ra int, d int16) uint32 {
	return 50<<26 | uint32(fd)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

func EncodeStfs(fs, ra int, d int16) uint32 {
	return 52<<26 | uint32(fs)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

func EncodeStfd(fs, ra int, d int16) uint32 {
	return 54<<26 | uint32(fs)<<21 | uint32(ra)<<16 | uint32(uint16(d))
}

// EncodeB emits b (link=false) or bl (link=true) with a signed byte offset.
func EncodeB(offset int32, link bool) uint32 {
	inst := uint32(18)<<26 | uint32(offset)&0x03FFFFFC
	if link {
		inst |= 1
	}
	return inst
}

// EncodeBc emits a conditional branch. bo=12,bi=0 is "branch if cr0 lt";
// bo=16,bi=0 is "decrement ctr, branch if nonzero".
func EncodeBc(bo, bi int, offset int32) uint32 {
	return 16<<26 | uint32(bo)<<21 | uint32(bi)<<16 | uint32(offset)&0xFFFC
}

// EncodeBlr emits bclr with BO=20 (branch always): the function return.
func EncodeBlr() uint32 {
	return 19<<26 | 20<<21 | 16<<1
}

func EncodeSc() uint32 {
	return 17<<26 | 2
}

func EncodeMtlr(rs int) uint32 {
	// mtspr LR: spr 8, split-field encoded
	return 31<<26 | uint32(rs)<<21 | 8<<16 | 467<<1
}

func EncodeMflr(rd int) uint32 {
	return 31<<26 | uint32(rd)<<21 | 8<<16 | 339<<1
}

func EncodeMtctr(rs int) uint32 {
	return 31<<26 | uint32(rs)<<21 | 9<<16 | 467<<1
}

func EncodeMullw(rd, ra, rb int) uint32 {
	return 31<<26 | uint32(rd)<<21 | uint32(ra)<<16 | uint32(rb)<<11 | 235<<1
}

func EncodeFdiv(fd, fa, fb int) uint32 {
	return 63<<26 | uint32(fd)<<21 | uint32(fa)<<16 | uint32(fb)<<11 | 18<<1
}

func EncodeFadd(fd, fa, fb int) uint32 {
	return 63<<26 | uint32(fd)<<21 | uint32(fa)<<16 | uint32(fb)<<11 | 21<<1
}

func EncodeFmr(fd, fb int) uint32 {
	return 63<<26 | uint32(fd)<<21 | uint32(fb)<<11 | 72<<1
}
