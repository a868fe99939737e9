package cmd

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"ramparse/internal/mmu"
)

var pagetablesCmd = &cobra.Command{
	Use:   "pagetables",
	Short: "Dump the kernel page tables as flat mappings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		coalesce, _ := cmd.Flags().GetBool("coalesce")
		limit, _ := cmd.Flags().GetInt("limit")

		var maps []mmu.Mapping
		walkErr := s.dump.Translator().Walk(func(m mmu.Mapping) bool {
			maps = append(maps, m)
			return limit <= 0 || coalesce || len(maps) < limit
		})
		if coalesce {
			maps = mmu.Coalesce(maps)
			if limit > 0 && len(maps) > limit {
				maps = maps[:limit]
			}
		}

		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"Virtual", "Physical", "Size", "Kind", "Level", "Attributes"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		table.AppendBulk(lo.Map(maps, func(m mmu.Mapping, _ int) []string {
			kind := m.Kind.String()
			if m.Contiguous {
				kind += "+c"
			}
			return []string{
				fmt.Sprintf("0x%x-0x%x", m.Virt, m.End()),
				fmt.Sprintf("0x%x-0x%x", m.Phys, m.Phys+m.Size),
				humanize.IBytes(m.Size),
				kind,
				strconv.Itoa(m.Level),
				m.Attrs.String(),
			}
		}))
		table.Render()

		total := lo.SumBy(maps, func(m mmu.Mapping) uint64 { return m.Size })
		fmt.Fprintf(cmd.OutOrStdout(), "%d mappings, %s mapped\n", len(maps), humanize.IBytes(total))
		return warnPartial("page tables", walkErr)
	},
}

func init() {
	pagetablesCmd.Flags().Bool("coalesce", false, "Merge adjacent mappings with equal attributes")
	pagetablesCmd.Flags().Int("limit", 0, "Stop after this many mappings")
	rootCmd.AddCommand(pagetablesCmd)
}
