package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"ramparse/internal/config"
	"ramparse/internal/disasm"
	"ramparse/internal/ramdump"
	"ramparse/internal/ramparse/styles"
	"ramparse/internal/ui/colorize"
	"ramparse/internal/unwind"
)

var backtraceCmd = &cobra.Command{
	Use:     "backtrace",
	Aliases: []string{"bt"},
	Short:   "Unwind kernel call stacks",
	Long: `Unwind a task from the registers saved at its last context switch, or an
arbitrary frame given as --pc/--sp/--fp/--lr.`,
	Example: `
ramparse -c dump.yaml backtrace --task 1
ramparse -c dump.yaml backtrace --all
ramparse -c dump.yaml backtrace --pc 0xc0101234 --sp 0xc1a01e80 --fp 0xc1a01ea4 --disasm 4
  `,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		out := cmd.OutOrStdout()
		all, _ := cmd.Flags().GetBool("all")
		taskArg, _ := cmd.Flags().GetString("task")

		if all || taskArg != "" {
			tasks, walkErr := collectTasks(s.dump)
			if taskArg != "" {
				tasks = lo.Filter(tasks, func(r taskResult, _ int) bool { return matchTask(r.task, taskArg) })
				if len(tasks) == 0 {
					return errors.Errorf("no task matches %q", taskArg)
				}
			}
			for _, r := range tasks {
				fmt.Fprintf(out, "%s\n", styles.Render(colorEnabled(), styles.Title,
					fmt.Sprintf("%s (pid %d) task 0x%x", r.task.Comm, r.task.PID, r.task.Addr)))
				if r.err != nil {
					fmt.Fprintf(out, "  %s\n\n", styles.Render(colorEnabled(), styles.Failure, r.err.Error()))
					continue
				}
				bt, err := s.dump.TaskBacktrace(r.task)
				if err != nil {
					fmt.Fprintf(out, "  %s\n\n", styles.Render(colorEnabled(), styles.Failure, err.Error()))
					continue
				}
				s.printBacktrace(cmd, out, bt)
			}
			return warnPartial("task list", walkErr)
		}

		var f unwind.Frame
		var b unwind.Bounds
		for _, reg := range []struct {
			name string
			dst  *uint64
		}{{"pc", &f.PC}, {"sp", &f.SP}, {"fp", &f.FP}, {"lr", &f.LR}, {"stack-low", &b.Low}, {"stack-high", &b.High}} {
			v, _ := cmd.Flags().GetString(reg.name)
			if v == "" {
				continue
			}
			if *reg.dst, err = parseAddress(s.dump.Oracle(), v); err != nil {
				return errors.Wrapf(err, "--%s", reg.name)
			}
		}
		if f.PC == 0 || f.SP == 0 {
			return errors.New("give --task, --all, or at least --pc and --sp")
		}
		b = b.Complete(s.dump.Options().ThreadSize)
		s.printBacktrace(cmd, out, s.dump.Backtrace(f, b))
		return nil
	},
}

func matchTask(t ramdump.Task, arg string) bool {
	if pid, err := strconv.ParseUint(arg, 10, 32); err == nil && uint32(pid) == t.PID {
		return true
	}
	if v, err := config.ParseHex(arg); err == nil && strings.HasPrefix(arg, "0x") && uint64(v) == t.Addr {
		return true
	}
	return t.Comm == arg
}

func (s *session) printBacktrace(cmd *cobra.Command, out io.Writer, bt *unwind.Backtrace) {
	color := colorEnabled()
	window, _ := cmd.Flags().GetInt("disasm")
	source, _ := cmd.Flags().GetBool("source")
	for i, f := range bt.Frames() {
		sym := styles.Render(color, styles.Symbol, s.dump.Describe(f.PC))
		fmt.Fprintf(out, "%s %s %s  %s\n",
			styles.Render(color, styles.Index, fmt.Sprintf("#%-2d", i)),
			styles.Render(color, styles.Address, fmt.Sprintf("0x%x", f.PC)),
			sym,
			styles.Render(color, styles.Muted, fmt.Sprintf("sp=0x%x fp=0x%x", f.SP, f.FP)))
		if source && s.gdb != nil {
			if line, ok := s.gdb.LineInfo(f.PC); ok {
				fmt.Fprintf(out, "      %s\n", styles.Render(color, styles.Module, line))
			}
		}
		if window > 0 {
			for _, line := range s.disassemble(f.PC, window) {
				fmt.Fprintf(out, "      %s\n", line)
			}
		}
	}
	if err := bt.Err(); err != nil {
		fmt.Fprintf(out, "   %s\n\n", styles.Render(color, styles.Failure, err.Error()))
	}
}

// disassemble decodes window instructions either side of pc, from the dump
// or, when the text was not captured, from vmlinux.
func (s *session) disassemble(pc uint64, window int) []string {
	start := pc - uint64(window)*4
	n := uint64(2*window+1) * 4
	code, err := s.dump.ReadVirt(start, n)
	if err != nil && s.elf != nil {
		if b, ok := s.elf.ReadVA(start, int(n)); ok {
			code, err = b, nil
		}
	}
	if err != nil {
		return []string{"(code not available)"}
	}
	lines := disasm.Decode(s.dump.Options().Arch.Is64(), start, code).Lines(pc)
	return lo.Map(lines, func(l string, _ int) string { return colorize.ColorizeInstructionLine(l) })
}

func init() {
	backtraceCmd.Flags().String("task", "", "Task to unwind: pid, comm or 0x task_struct address")
	backtraceCmd.Flags().Bool("all", false, "Unwind every task")
	backtraceCmd.Flags().String("pc", "", "Program counter of the first frame")
	backtraceCmd.Flags().String("sp", "", "Stack pointer of the first frame")
	backtraceCmd.Flags().String("fp", "", "Frame pointer of the first frame")
	backtraceCmd.Flags().String("lr", "", "Link register of the first frame")
	backtraceCmd.Flags().String("stack-low", "", "Lowest stack address; derived from --stack-high or sp when unset")
	backtraceCmd.Flags().String("stack-high", "", "End of the stack; derived from --stack-low or sp when unset")
	backtraceCmd.Flags().Bool("source", false, "Show the source line of each pc (needs gdb)")
	backtraceCmd.Flags().Int("disasm", 0, "Disassemble this many instructions around each pc")
	backtraceCmd.MarkFlagsMutuallyExclusive("task", "all", "pc")
	rootCmd.AddCommand(backtraceCmd)
}
