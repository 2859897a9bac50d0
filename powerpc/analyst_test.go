package powerpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBase = uint32(0x80000000)

// program builds a fetcher over a word list laid out at testBase.
func program(words ...uint32) InstructionFetcher {
	return func(addr uint32) (uint32, bool) {
		idx := (addr - testBase) / 4
		if addr < testBase || int(idx) >= len(words) {
			return 0, false
		}
		return words[idx], true
	}
}

func TestDecode(t *testing.T) {
	cases := []struct {
		inst  uint32
		name  string
		flags OpFlag
	}{
		{EncodeAddi(3, 0, 7), "addi", FlagInteger},
		{EncodeAdd(3, 3, 4), "add", FlagInteger},
		{EncodeLwz(3, 1, 0), "lwz", FlagLoadStore},
		{EncodeB(8, false), "b", FlagBranch | FlagEndBlock},
		{EncodeBlr(), "bclr", FlagBranch | FlagEndBlock},
		{EncodeSc(), "sc", FlagSystem | FlagEndBlock},
		{EncodeFdiv(1, 2, 3), "fdiv", FlagFloat | FlagFloatException | FlagFloatDiv},
		{EncodeFadd(1, 2, 3), "fadd", FlagFloat | FlagFloatException},
		{EncodeFmr(1, 2), "fmr", FlagFloat},
		{EncodeMtlr(0), "mtspr", FlagSystem},
		{0xFFFFFFFF, "(invalid)", FlagEndBlock},
	}
	for _, tc := range cases {
		info := Decode(tc.inst)
		assert.Equal(t, tc.name, info.Name)
		assert.Equal(t, tc.flags, info.Flags, tc.name)
	}
}

func TestStaticBranchTarget(t *testing.T) {
	// b +16
	target, ok := StaticBranchTarget(testBase, EncodeB(16, false))
	require.True(t, ok)
	assert.Equal(t, testBase+16, target)

	// b -8
	target, ok = StaticBranchTarget(testBase+32, EncodeB(-8, false))
	require.True(t, ok)
	assert.Equal(t, testBase+24, target)

	// bc +8
	target, ok = StaticBranchTarget(testBase, EncodeBc(12, 0, 8))
	require.True(t, ok)
	assert.Equal(t, testBase+8, target)

	// blr has no static target
	_, ok = StaticBranchTarget(testBase, EncodeBlr())
	assert.False(t, ok)
}

func TestAnalyzeStopsAtBlockEnd(t *testing.T) {
	a := NewAnalyzer()
	ops, err := a.Analyze(testBase, program(
		EncodeAddi(3, 0, 1),
		EncodeAddi(4, 0, 2),
		EncodeBlr(),
		EncodeAddi(5, 0, 3), // unreachable
	), 32)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, "bclr", ops[2].Info.Name)
}

func TestAnalyzeMarksBranchTargets(t *testing.T) {
	a := NewAnalyzer()
	// 0: addi; 4: bc +8 (to 12); 8: addi; 12: addi (branch target); 16: blr
	ops, err := a.Analyze(testBase, program(
		EncodeAddi(3, 0, 1),
		EncodeBc(12, 0, 8),
		EncodeAddi(4, 0, 2),
		EncodeAddi(5, 0, 3),
		EncodeBlr(),
	), 32)
	require.NoError(t, err)
	require.Len(t, ops, 5)
	assert.False(t, ops[2].IsBranchTarget)
	assert.True(t, ops[3].IsBranchTarget)
}

func TestAnalyzeBranchFollowing(t *testing.T) {
	words := []uint32{
		EncodeAddi(3, 0, 1),
		EncodeB(8, false), // to word 3
		EncodeAddi(9, 0, 9), // skipped
		EncodeAddi(4, 0, 2),
		EncodeBlr(),
	}

	a := NewAnalyzer()
	a.SetBranchFollowingEnabled(true)
	ops, err := a.Analyze(testBase, program(words...), 32)
	require.NoError(t, err)
	require.Len(t, ops, 4, "follows through the unconditional branch")
	assert.Equal(t, testBase+12, ops[2].Address)
	assert.True(t, ops[2].IsBranchTarget, "followed-to instruction is a branch target")

	// debugging disables following
	a.SetDebuggingEnabled(true)
	ops, err = a.Analyze(testBase, program(words...), 32)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestAnalyzeEndsWindowAtBreakpoint(t *testing.T) {
	words := []uint32{
		EncodeAddi(3, 0, 1),
		EncodeAddi(4, 0, 2),
		EncodeAddi(5, 0, 3),
		EncodeBlr(),
	}
	a := NewAnalyzer()
	a.SetBreakpointQuery(func(addr uint32) bool { return addr == testBase+8 })

	// the query is consulted only while debugging
	ops, err := a.Analyze(testBase, program(words...), 32)
	require.NoError(t, err)
	assert.Len(t, ops, 4)

	a.SetDebuggingEnabled(true)
	ops, err = a.Analyze(testBase, program(words...), 32)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, testBase+4, ops[1].Address)

	// a window starting on the breakpoint itself still decodes
	ops, err = a.Analyze(testBase+8, program(words...), 32)
	require.NoError(t, err)
	assert.Len(t, ops, 2)
}

func TestAnalyzeExceptionMarking(t *testing.T) {
	words := []uint32{
		EncodeFdiv(1, 2, 3),
		EncodeFadd(4, 5, 6),
		EncodeBlr(),
	}

	a := NewAnalyzer()
	ops, err := a.Analyze(testBase, program(words...), 32)
	require.NoError(t, err)
	assert.False(t, ops[0].CanCauseException)
	assert.False(t, ops[1].CanCauseException)

	a.SetFloatExceptionsEnabled(true)
	ops, _ = a.Analyze(testBase, program(words...), 32)
	assert.True(t, ops[0].CanCauseException)
	assert.True(t, ops[1].CanCauseException)

	// divide fidelity alone only marks divides
	a.SetFloatExceptionsEnabled(false)
	a.SetDivByZeroExceptionsEnabled(true)
	ops, _ = a.Analyze(testBase, program(words...), 32)
	assert.True(t, ops[0].CanCauseException)
	assert.False(t, ops[1].CanCauseException)
}

func TestAnalyzeWindowCap(t *testing.T) {
	words := make([]uint32, 64)
	for i := range words {
		words[i] = EncodeAddi(3, 3, 1)
	}
	a := NewAnalyzer()
	ops, err := a.Analyze(testBase, program(words...), 8)
	require.NoError(t, err)
	assert.Len(t, ops, 8)
}

func TestAnalyzeUnreadable(t *testing.T) {
	a := NewAnalyzer()
	_, err := a.Analyze(0x1000, program(EncodeBlr()), 32)
	assert.Error(t, err)
}

func TestSimpleRAM(t *testing.T) {
	ram := NewSimpleRAM(testBase, 64)
	assert.True(t, ram.Write32(testBase+8, 0xDEADBEEF))
	v, ok := ram.Read32(testBase + 8)
	require.True(t, ok)
	assert.Equal(t, uint32(0xDEADBEEF), v)

	_, ok = ram.Read32(testBase + 64)
	assert.False(t, ok)
	assert.False(t, ram.Write32(testBase-4, 1))
}

func TestBreakPoints(t *testing.T) {
	bp := NewBreakPoints()
	changed := 0
	bp.SetChangedCallback(func() { changed++ })

	assert.False(t, bp.IsAddressBreakPoint(testBase))
	bp.Add(testBase + 8)
	bp.Add(testBase)
	assert.True(t, bp.IsAddressBreakPoint(testBase+8))
	assert.Equal(t, []uint32{testBase, testBase + 8}, bp.List())
	assert.Equal(t, 2, changed)
	bp.Remove(testBase + 8)
	assert.False(t, bp.IsAddressBreakPoint(testBase+8))
	bp.Clear()
	assert.Empty(t, bp.List())
	assert.Equal(t, 4, changed)
}

func TestMemChecks(t *testing.T) {
	mc := NewMemChecks()
	changed := 0
	mc.SetChangedCallback(func() { changed++ })

	assert.False(t, mc.HasAny())
	mc.Add(MemCheck{Start: 0x100, End: 0x1FF})
	assert.True(t, mc.HasAny())
	assert.Equal(t, 1, changed)
	assert.True(t, mc.Covers(0x180))
	assert.False(t, mc.Covers(0x200))

	mc.Remove(MemCheck{Start: 0x100, End: 0x1FF})
	assert.False(t, mc.HasAny())
	assert.Equal(t, 2, changed)
}
