package powerpc

// OpFlag classifies a decoded instruction for the JIT. The flag set is what
// the code generator keys its per-instruction decisions off.
type OpFlag uint32

const (
	FlagEndBlock       OpFlag = 1 << iota // terminates a translation block
	FlagBranch                            // changes control flow
	FlagInteger                           // integer unit
	FlagLoadStore                         // memory access
	FlagLoadStoreFloat                    // FP memory access
	FlagFloat                             // FPU
	FlagFloatException                    // can raise a floating-point exception
	FlagFloatDiv                          // floating-point divide
	FlagSystem                            // system registers / syscall
)

// OpInfo is the static decode record for one instruction form.
type OpInfo struct {
	Name   string
	Flags  OpFlag
	Cycles int32
}

// Opcode field accessors, PowerPC big-endian bit order.
func PrimaryOp(inst uint32) uint32 { return inst >> 26 }
func ExtOp10(inst uint32) uint32   { return (inst >> 1) & 0x3ff }
func ExtOp5(inst uint32) uint32    { return (inst >> 1) & 0x1f }

var primaryTable = map[uint32]*OpInfo{
	7:  {"mulli", FlagInteger, 3},
	12: {"addic", FlagInteger, 1},
	14: {"addi", FlagInteger, 1},
	15: {"addis", FlagInteger, 1},
	16: {"bc", FlagBranch, 1},
	17: {"sc", FlagSystem | FlagEndBlock, 2},
	18: {"b", FlagBranch | FlagEndBlock, 1},
	24: {"ori", FlagInteger, 1},
	28: {"andi.", FlagInteger, 1},
	32: {"lwz", FlagLoadStore, 1},
	34: {"lbz", FlagLoadStore, 1},
	36: {"stw", FlagLoadStore, 1},
	38: {"stb", FlagLoadStore, 1},
	48: {"lfs", FlagLoadStoreFloat, 1},
	50: {"lfd", FlagLoadStoreFloat, 1},
	52: {"stfs", FlagLoadStoreFloat, 1},
	54: {"stfd", FlagLoadStoreFloat, 1},
}

var ext19Table = map[uint32]*OpInfo{
	16:  {"bclr", FlagBranch | FlagEndBlock, 1},
	528: {"bcctr", FlagBranch | FlagEndBlock, 1},
}

var ext31Table = map[uint32]*OpInfo{
	28:  {"and", FlagInteger, 1},
	40:  {"subf", FlagInteger, 1},
	235: {"mullw", FlagInteger, 3},
	266: {"add", FlagInteger, 1},
	339: {"mfspr", FlagSystem, 1},
	444: {"or", FlagInteger, 1},
	467: {"mtspr", FlagSystem, 1},
	491: {"divw", FlagInteger, 19},
}

var ext59Table = map[uint32]*OpInfo{
	18: {"fdivs", FlagFloat | FlagFloatException | FlagFloatDiv, 17},
	20: {"fsubs", FlagFloat | FlagFloatException, 1},
	21: {"fadds", FlagFloat | FlagFloatException, 1},
	25: {"fmuls", FlagFloat | FlagFloatException, 1},
}

var ext63ArithTable = map[uint32]*OpInfo{
	18: {"fdiv", FlagFloat | FlagFloatException | FlagFloatDiv, 31},
	20: {"fsub", FlagFloat | FlagFloatException, 1},
	21: {"fadd", FlagFloat | FlagFloatException, 1},
	25: {"fmul", FlagFloat | FlagFloatException, 1},
}

var ext63Table = map[uint32]*OpInfo{
	72: {"fmr", FlagFloat, 1},
}

var invalidOp = &OpInfo{"(invalid)", FlagEndBlock, 1}

// Decode returns the OpInfo for an instruction word. Unknown encodings decode
// to a block-ending invalid record rather than nil so analysis always
// terminates cleanly.
func Decode(inst uint32) *OpInfo {
	switch op := PrimaryOp(inst); op {
	case 19:
		if info, ok := ext19Table[ExtOp10(inst)]; ok {
			return info
		}
	case 31:
		if info, ok := ext31Table[ExtOp10(inst)]; ok {
			return info
		}
	case 59:
		if info, ok := ext59Table[ExtOp5(inst)]; ok {
			return info
		}
	case 63:
		if info, ok := ext63ArithTable[ExtOp5(inst)]; ok {
			return info
		}
		if info, ok := ext63Table[ExtOp10(inst)]; ok {
			return info
		}
	default:
		if info, ok := primaryTable[op]; ok {
			return info
		}
	}
	return invalidOp
}
