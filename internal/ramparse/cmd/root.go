package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"ramparse/internal/ramparse/log"
	"ramparse/internal/ui/colorize"
)

var stopProfiles func()

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Snapshot layout file (YAML)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().StringArray("segment", nil, "Memory segment as file@start[:end], repeatable")
	rootCmd.PersistentFlags().String("arch", "", "Architecture: arm, arm-lpae or arm64")
	rootCmd.PersistentFlags().String("vmlinux", "", "Kernel image with symbols")
	rootCmd.PersistentFlags().String("gdb", "", "Debugger used for type information")
	rootCmd.PersistentFlags().Bool("no-gdb", false, "Do not start a debugger; use symbols from the layout and vmlinux only")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.PersistentFlags().String("memprofile", "", "Write memory profile to file")
}

var rootCmd = &cobra.Command{
	Use:   "ramparse",
	Short: "Postmortem analyzer for ARM Linux ramdumps",
	Long: `Ramparse reads the physical memory captured from a crashed ARM or ARM64
Linux system and reconstructs kernel state from it: address translation through
the kernel page tables, kernel lists and trees, tasks and their call stacks.`,
	Example: `
# Describe a dump
ramparse -c dump.yaml info

# Backtraces of every task
ramparse -c dump.yaml backtrace --all

# Ad hoc segments without a layout file
ramparse --arch arm64 --segment DDRCS0.BIN@0x80000000 --vmlinux vmlinux tasks
  `,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debug, _ := cmd.Flags().GetBool("debug")
		log.Setup(debug)

		noColor, _ := cmd.Flags().GetBool("no-color")
		if noColor || !term.IsTerminal(os.Stdout.Fd()) {
			os.Setenv(colorize.EnvNoColor, "1")
		}
		return startProfiles(cmd)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if stopProfiles != nil {
			stopProfiles()
		}
	},
}

func startProfiles(cmd *cobra.Command) error {
	var stops []func()
	cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %v", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("could not start CPU profile: %v", err)
		}
		stops = append(stops, func() {
			pprof.StopCPUProfile()
			f.Close()
		})
	}
	memprofile, _ := cmd.Flags().GetString("memprofile")
	if memprofile != "" {
		stops = append(stops, func() {
			f, err := os.Create(memprofile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
				return
			}
			defer f.Close()
			if err := pprof.WriteHeapProfile(f); err != nil {
				fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
			}
		})
	}
	stopProfiles = func() {
		for _, stop := range stops {
			stop()
		}
	}
	return nil
}

func colorEnabled() bool {
	return os.Getenv(colorize.EnvNoColor) == ""
}

func Execute() {
	var err error
	// fang renders help and errors for terminals; pipes get plain cobra.
	if term.IsTerminal(os.Stdout.Fd()) {
		err = fang.Execute(
			context.Background(),
			rootCmd,
			fang.WithNotifySignal(os.Interrupt),
		)
	} else {
		err = rootCmd.Execute()
	}
	_ = log.Close()
	if err != nil {
		os.Exit(1)
	}
}
