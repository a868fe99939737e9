package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"ramparse/internal/config"
	"ramparse/internal/dumperr"
)

var v2pCmd = &cobra.Command{
	Use:   "v2p ADDRESS...",
	Short: "Translate kernel virtual addresses to physical",
	Long: `Translate kernel virtual addresses through the page tables found in the dump.
Addresses may be numbers or symbols with an optional +offset.`,
	Example: `
ramparse -c dump.yaml v2p init_task 0xffffff8008080000
ramparse -c dump.yaml v2p --detail swapper_pg_dir+0x800
ramparse -c dump.yaml v2p --phys 0x80004000
  `,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		noCache, _ := cmd.Flags().GetBool("no-cache")
		detail, _ := cmd.Flags().GetBool("detail")
		phys, _ := cmd.Flags().GetBool("phys")
		tr := s.dump.Translator()
		out := cmd.OutOrStdout()

		if phys {
			for _, arg := range args {
				pa, err := config.ParseHex(arg)
				if err != nil {
					return err
				}
				va := s.dump.PhysToVirt(uint64(pa))
				note := ""
				if !s.mem.Contains(uint64(pa)) {
					note = "  (not captured)"
				}
				fmt.Fprintf(out, "0x%x <- 0x%x%s\n", uint64(pa), va, note)
			}
			return nil
		}

		for _, arg := range args {
			va, err := parseAddress(s.dump.Oracle(), arg)
			if err != nil {
				return err
			}
			if detail {
				m, err := tr.Translate(va)
				var te *dumperr.TranslationError
				switch {
				case errors.As(err, &te):
					fmt.Fprintf(out, "0x%x: fault at level %d, descriptor 0x%x: %s\n", va, te.Level, te.Raw, te.Reason)
				case err != nil:
					fmt.Fprintf(out, "0x%x: %v\n", va, err)
				default:
					fmt.Fprintf(out, "0x%x -> 0x%x  %s\n", va, m.Resolve(va), m)
				}
				continue
			}
			if pa, ok := tr.VirtToPhys(va, !noCache); ok {
				fmt.Fprintf(out, "0x%x -> 0x%x\n", va, pa)
			} else {
				fmt.Fprintf(out, "0x%x -> unmapped\n", va)
			}
		}
		st := tr.CacheStats()
		cmd.PrintErrf("translation cache: %d hits, %d misses\n", st.Hits, st.Misses)
		return nil
	},
}

func init() {
	v2pCmd.Flags().Bool("no-cache", false, "Walk the tables for every address")
	v2pCmd.Flags().Bool("detail", false, "Show the leaf mapping and fault details")
	v2pCmd.Flags().Bool("phys", false, "Arguments are physical; print their linear-map virtual address")
	v2pCmd.MarkFlagsMutuallyExclusive("phys", "detail")
	rootCmd.AddCommand(v2pCmd)
}
