// dolphin-jit runs guest PowerPC images through the recompiler control plane
// with the caching interpreter backend, either straight through or under an
// interactive debugger shell.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sticks-stuff/dolphin/config"
	"github.com/sticks-stuff/dolphin/core"
	"github.com/sticks-stuff/dolphin/jit"
	"github.com/sticks-stuff/dolphin/jit/cachedinterp"
	"github.com/sticks-stuff/dolphin/log"
	"github.com/sticks-stuff/dolphin/powerpc"
)

var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)

// haltAddress is the return target of the outermost guest frame; a sc stub
// lives there so falling off the program halts cleanly.
const haltAddress = 0x00ff0000

type session struct {
	sys     *core.System
	cfg     *config.Store
	ram     *powerpc.SimpleRAM
	state   *powerpc.State
	bps     *powerpc.BreakPoints
	mcs     *powerpc.MemChecks
	backend *cachedinterp.Backend
	engine  *jit.Engine

	stopWatch func()
}

type sessionFlags struct {
	logLevel     string
	debugModules string
	configPath   string
	watchConfig  bool
	imagePath    string
	loadBase     uint32
	entry        uint32
	ramSize      int
	blockBudget  int
	fastmemArena bool
}

func newSession(f *sessionFlags) (*session, error) {
	log.InitLogger(f.logLevel)
	log.EnableModules(f.debugModules)

	s := &session{
		sys:     core.NewSystem(),
		cfg:     config.NewStore(),
		ram:     powerpc.NewSimpleRAM(0, f.ramSize),
		state:   &powerpc.State{},
		bps:     powerpc.NewBreakPoints(),
		mcs:     powerpc.NewMemChecks(),
		backend: cachedinterp.New(),
	}

	if f.configPath != "" {
		if err := s.cfg.LoadFile(f.configPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		if f.watchConfig {
			stop, err := s.cfg.Watch(f.configPath)
			if err != nil {
				return nil, fmt.Errorf("watch config: %w", err)
			}
			s.stopWatch = stop
		}
	}

	// sc in the guest means the program is done
	s.backend.OnSyscall = func(st *powerpc.State) {
		s.sys.CPU().RequestStop()
	}

	var err error
	s.engine, err = jit.NewEngine(jit.Params{
		System:      s.sys,
		Config:      s.cfg,
		Memory:      s.ram,
		State:       s.state,
		BreakPoints: s.bps,
		MemChecks:   s.mcs,
		Backend:     s.backend,
	},
		jit.WithFastmemArena(f.fastmemArena),
		jit.WithBlockBudget(f.blockBudget),
	)
	if err != nil {
		return nil, err
	}

	if f.imagePath != "" {
		if err := s.loadImage(f.imagePath, f.loadBase); err != nil {
			s.Close()
			return nil, err
		}
		s.state.PC = f.entry
	} else {
		s.loadDemoProgram()
		s.state.PC = 0x1000
	}
	s.state.LR = haltAddress
	s.ram.Write32(haltAddress, powerpc.EncodeSc())
	return s, nil
}

// loadImage copies a raw big-endian instruction image into guest RAM.
func (s *session) loadImage(path string, base uint32) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	if len(data)%4 != 0 {
		return fmt.Errorf("load image: size %d is not a multiple of 4", len(data))
	}
	for i := 0; i+4 <= len(data); i += 4 {
		v := uint32(data[i])<<24 | uint32(data[i+1])<<16 | uint32(data[i+2])<<8 | uint32(data[i+3])
		if !s.ram.Write32(base+uint32(i), v) {
			return fmt.Errorf("load image: address %#x outside guest RAM", base+uint32(i))
		}
	}
	log.Info(log.CoreMonitoring, "image loaded", "path", path, "base", base, "bytes", len(data))
	return nil
}

// loadDemoProgram fills RAM with a small factorial kernel: r3 = 7!.
func (s *session) loadDemoProgram() {
	prog := []uint32{
		powerpc.EncodeAddi(3, 0, 1), // acc = 1
		powerpc.EncodeAddi(4, 0, 7), // n = 7
		powerpc.EncodeMtctr(4),
		powerpc.EncodeMullw(3, 3, 4), // loop: acc *= n
		powerpc.EncodeAddi(4, 4, -1),
		powerpc.EncodeBc(16, 0, -8), // bdnz loop
		powerpc.EncodeBlr(),
	}
	for i, inst := range prog {
		s.ram.Write32(0x1000+uint32(i)*4, inst)
	}
	log.Info(log.CoreMonitoring, "demo program loaded", "entry", 0x1000)
}

func (s *session) Close() {
	if s.stopWatch != nil {
		s.stopWatch()
	}
	s.engine.Close()
}

func (s *session) run() error {
	if err := s.engine.Run(); err != nil {
		return err
	}
	stats := s.backend.Stats()
	fmt.Printf("halted at pc=%#x\n", s.state.PC)
	fmt.Printf("  r3=%#x r4=%#x r5=%#x lr=%#x ctr=%#x\n",
		s.state.GPR[3], s.state.GPR[4], s.state.GPR[5], s.state.LR, s.state.CTR)
	fmt.Printf("  blocks cached=%d compiled=%d fallback=%d merged=%d\n",
		s.engine.BlockCache().Len(), stats.Compiled, stats.Fallback, stats.Merged)
	return nil
}

func main() {
	f := &sessionFlags{}

	rootCmd := &cobra.Command{
		Use:     "dolphin-jit",
		Short:   "PowerPC recompiler control plane runner",
		Version: fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildTime),
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "Log level (trace|debug|info|warn|error)")
	rootCmd.PersistentFlags().StringVar(&f.debugModules, "debug-modules", "", "Comma-separated modules for trace/debug logs, or 'all'")
	rootCmd.PersistentFlags().StringVar(&f.configPath, "config", "", "JSON config file of option overrides")
	rootCmd.PersistentFlags().BoolVar(&f.watchConfig, "watch-config", false, "Reload the config file on change")
	rootCmd.PersistentFlags().StringVar(&f.imagePath, "image", "", "Raw big-endian guest image (built-in demo when empty)")
	rootCmd.PersistentFlags().Uint32Var(&f.loadBase, "base", 0x1000, "Guest load address for the image")
	rootCmd.PersistentFlags().Uint32Var(&f.entry, "entry", 0x1000, "Guest entry point")
	rootCmd.PersistentFlags().IntVar(&f.ramSize, "ram", 16<<20, "Guest RAM size in bytes")
	rootCmd.PersistentFlags().BoolVar(&f.fastmemArena, "fastmem-arena", false, "Declare a mapped fastmem arena")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the guest image until it halts",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(f)
			if err != nil {
				return err
			}
			defer s.Close()
			return s.run()
		},
	}
	runCmd.Flags().IntVar(&f.blockBudget, "blocks", 0, "Stop after this many executed blocks (0 = unlimited)")

	debugCmd := &cobra.Command{
		Use:   "debug",
		Short: "Interactive debugger shell over the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := newSession(f)
			if err != nil {
				return err
			}
			defer s.Close()
			return runShell(s)
		},
	}

	rootCmd.AddCommand(runCmd, debugCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
