package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/xlab/treeprint"

	"github.com/sticks-stuff/dolphin/powerpc"
)

const shellHelp = `commands:
  step [n]          execute n instructions (default 1)
  go                run until halt or breakpoint
  regs              dump guest registers
  blocks            dump the compiled block cache
  bp <addr>         toggle a breakpoint
  bp list           list breakpoints
  watch <lo> <hi>   add a memory watchpoint
  watch clear       remove all watchpoints
  mem <addr> [n]    dump n words of guest memory (default 4)
  set r<n> <value>  write a GPR
  opts              show the derived code generation options
  flush             clear the compiled block cache
  exit              quit`

// runShell drives the engine interactively, one line per action.
func runShell(s *session) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:      "jit> ",
		HistoryFile: "/tmp/dolphin_jit_history.txt",
	})
	if err != nil {
		return fmt.Errorf("start readline: %w", err)
	}
	defer rl.Close()

	fmt.Printf("debugger shell, entry pc=%#x ('help' for commands)\n", s.state.PC)
	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "help", "?":
			fmt.Println(shellHelp)
		case "step", "s":
			n := 1
			if len(fields) > 1 {
				if v, err := strconv.Atoi(fields[1]); err == nil && v > 0 {
					n = v
				}
			}
			s.shellStep(n)
		case "go", "g", "run":
			s.sys.CPU().ClearStop()
			s.sys.CPU().SetStepping(false)
			if err := s.engine.Run(); err != nil {
				fmt.Printf("run failed: %v\n", err)
				continue
			}
			fmt.Printf("stopped at pc=%#x\n", s.state.PC)
		case "regs", "r":
			s.dumpRegs()
		case "blocks", "b":
			fmt.Print(s.blockTree())
		case "bp":
			s.shellBreakpoint(fields[1:])
		case "watch", "w":
			s.shellWatch(fields[1:])
		case "mem", "m":
			s.shellMem(fields[1:])
		case "set":
			s.shellSet(fields[1:])
		case "opts":
			s.dumpOpts()
		case "flush":
			s.engine.ClearCache()
			fmt.Println("block cache cleared")
		case "exit", "quit", "q":
			return nil
		default:
			fmt.Printf("unknown command %q ('help' for commands)\n", fields[0])
		}
	}
}

func (s *session) shellStep(n int) {
	s.sys.CPU().SetStepping(true)
	defer s.sys.CPU().SetStepping(false)
	for i := 0; i < n; i++ {
		if err := s.engine.SingleStep(); err != nil {
			fmt.Printf("step failed: %v\n", err)
			return
		}
	}
	inst, _ := s.ram.Read32(s.state.PC)
	fmt.Printf("pc=%#x  next: %s\n", s.state.PC, powerpc.Decode(inst).Name)
}

func (s *session) dumpRegs() {
	fmt.Printf("pc=%#x npc=%#x lr=%#x ctr=%#x cr=%#08x\n",
		s.state.PC, s.state.NPC, s.state.LR, s.state.CTR, s.state.CR)
	for i := 0; i < 32; i += 4 {
		fmt.Printf("r%-2d=%08x r%-2d=%08x r%-2d=%08x r%-2d=%08x\n",
			i, s.state.GPR[i], i+1, s.state.GPR[i+1], i+2, s.state.GPR[i+2], i+3, s.state.GPR[i+3])
	}
}

func (s *session) dumpOpts() {
	jo := s.engine.Options()
	snap := s.engine.Snapshot()
	fmt.Printf("fastmem=%t fastmemArena=%t memcheck=%t blocklink=%t\n",
		jo.Fastmem, jo.FastmemArena, jo.Memcheck, jo.EnableBlocklink)
	fmt.Printf("fpExceptions=%t divByZeroExceptions=%t\n",
		jo.FPExceptions, jo.DivByZeroExceptions)
	fmt.Printf("debugging=%t jitOff=%t followBranch=%t accurateCPUCache=%t\n",
		snap.EnableDebugging, snap.JitOff, snap.FollowBranch, snap.AccurateCPUCacheEnabled)
}

// blockTree renders the cache as an address-ordered tree.
func (s *session) blockTree() string {
	tree := treeprint.NewWithRoot(fmt.Sprintf("block cache (%d units)", s.engine.BlockCache().Len()))
	for _, b := range s.engine.BlockCache().Blocks() {
		node := tree.AddBranch(fmt.Sprintf("%#08x", b.Address))
		node.AddNode(fmt.Sprintf("end %#08x", b.EndAddress))
		node.AddNode(fmt.Sprintf("instructions %d", b.NumInstructions))
		node.AddNode(fmt.Sprintf("cycles %d", b.Cycles))
		if b.LinkAllowed {
			node.AddNode("linkable")
		}
	}
	return tree.String()
}

func (s *session) shellBreakpoint(args []string) {
	if len(args) == 1 && args[0] == "list" {
		for _, addr := range s.bps.List() {
			fmt.Printf("  %#x\n", addr)
		}
		return
	}
	if len(args) != 1 {
		fmt.Println("usage: bp <addr> | bp list")
		return
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	if s.bps.IsAddressBreakPoint(addr) {
		s.bps.Remove(addr)
		fmt.Printf("breakpoint removed at %#x\n", addr)
	} else {
		s.bps.Add(addr)
		fmt.Printf("breakpoint set at %#x\n", addr)
	}
}

func (s *session) shellWatch(args []string) {
	switch {
	case len(args) == 1 && args[0] == "clear":
		s.mcs.Clear()
		fmt.Println("watchpoints cleared")
	case len(args) == 2:
		lo, err1 := parseAddr(args[0])
		hi, err2 := parseAddr(args[1])
		if err1 != nil || err2 != nil || hi < lo {
			fmt.Println("usage: watch <lo> <hi>")
			return
		}
		s.mcs.Add(powerpc.MemCheck{Start: lo, End: hi})
		fmt.Printf("watchpoint on [%#x, %#x]\n", lo, hi)
	default:
		fmt.Println("usage: watch <lo> <hi> | watch clear")
	}
}

func (s *session) shellMem(args []string) {
	if len(args) < 1 {
		fmt.Println("usage: mem <addr> [words]")
		return
	}
	addr, err := parseAddr(args[0])
	if err != nil {
		fmt.Println(err)
		return
	}
	words := 4
	if len(args) > 1 {
		if v, err := strconv.Atoi(args[1]); err == nil && v > 0 {
			words = v
		}
	}
	for i := 0; i < words; i++ {
		a := addr + uint32(i)*4
		v, ok := s.ram.Read32(a)
		if !ok {
			fmt.Printf("%#08x  <unmapped>\n", a)
			return
		}
		fmt.Printf("%#08x  %08x  %s\n", a, v, powerpc.Decode(v).Name)
	}
}

func (s *session) shellSet(args []string) {
	if len(args) != 2 || !strings.HasPrefix(args[0], "r") {
		fmt.Println("usage: set r<n> <value>")
		return
	}
	reg, err := strconv.Atoi(args[0][1:])
	if err != nil || reg < 0 || reg > 31 {
		fmt.Println("usage: set r<n> <value>")
		return
	}
	val, err := parseAddr(args[1])
	if err != nil {
		fmt.Println(err)
		return
	}
	s.state.GPR[reg] = val
	fmt.Printf("r%d = %#x\n", reg, val)
}

func parseAddr(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("bad address %q", s)
	}
	return uint32(v), nil
}
