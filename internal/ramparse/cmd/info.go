package cmd

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"ramparse/internal/ramparse/styles"
)

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize the dump and its kernel geometry",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		r, err := styles.GetMarkdownRenderer(100, colorEnabled())
		if err != nil {
			return err
		}
		out, err := r.Render(s.infoMarkdown())
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func (s *session) infoMarkdown() string {
	var b strings.Builder
	opts := s.dump.Options()
	fmt.Fprintf(&b, "# Ramdump\n\n")
	fmt.Fprintf(&b, "| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Architecture | %s |\n", opts.Arch)
	fmt.Fprintf(&b, "| Captured | %s in %d segments |\n", humanize.IBytes(s.mem.Size()), len(s.mem.Segments()))
	fmt.Fprintf(&b, "| Linear map | `0x%x` -> `0x%x` |\n", opts.PageOffset, opts.PhysOffset)
	if opts.KimageVOffset != 0 {
		fmt.Fprintf(&b, "| kimage_voffset | `0x%x` |\n", opts.KimageVOffset)
	}
	fmt.Fprintf(&b, "| Thread size | %s |\n", humanize.IBytes(opts.ThreadSize))
	fmt.Fprintf(&b, "| Unwinder | %T |\n", s.dump.Stepper())
	if s.cfg.Vmlinux != "" {
		machine := "unmapped"
		if s.elf != nil {
			machine = s.elf.Machine().String()
		}
		fmt.Fprintf(&b, "| vmlinux | `%s` (%s) |\n", s.cfg.Vmlinux, machine)
	}
	if s.gdb != nil {
		if v, err := s.gdb.Version(); err == nil {
			fmt.Fprintf(&b, "| Debugger | %s |\n", v)
		}
		if n, err := s.gdb.ValueOf("nr_cpu_ids"); err == nil {
			fmt.Fprintf(&b, "| CPUs | %d |\n", n)
		}
	}

	fmt.Fprintf(&b, "\n## Segments\n\n| Name | Start | End | Size |\n|---|---|---|---|\n")
	for _, seg := range s.mem.Segments() {
		fmt.Fprintf(&b, "| %s | `0x%x` | `0x%x` | %s |\n", seg.Name, seg.Start, seg.End, humanize.IBytes(seg.Size()))
	}
	return b.String()
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
