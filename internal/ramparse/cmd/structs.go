package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Walk a kernel list_head list",
	Example: `
# Every module on the modules list
ramparse -c dump.yaml list --head modules --type "struct module" --member list
  `,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		headArg, _ := cmd.Flags().GetString("head")
		typ, _ := cmd.Flags().GetString("type")
		member, _ := cmd.Flags().GetString("member")
		reverse, _ := cmd.Flags().GetBool("reverse")
		head, err := parseAddress(s.dump.Oracle(), headArg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		n, walkErr := s.dump.WalkList(head, typ, member, reverse, func(node uint64) bool {
			fmt.Fprintf(out, "0x%x\n", node)
			return true
		})
		fmt.Fprintf(out, "%d entries\n", n)
		return warnPartial("list "+headArg, walkErr)
	},
}

var rbtreeCmd = &cobra.Command{
	Use:   "rbtree",
	Short: "Walk a kernel red-black tree in order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		rootArg, _ := cmd.Flags().GetString("root")
		typ, _ := cmd.Flags().GetString("type")
		member, _ := cmd.Flags().GetString("member")
		root, err := parseAddress(s.dump.Oracle(), rootArg)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		n, walkErr := s.dump.WalkRbTree(root, typ, member, func(node uint64) bool {
			fmt.Fprintf(out, "0x%x\n", node)
			return true
		})
		fmt.Fprintf(out, "%d nodes\n", n)
		return warnPartial("rbtree "+rootArg, walkErr)
	},
}

func init() {
	listCmd.Flags().String("head", "", "Address or symbol of the list head")
	listCmd.Flags().String("type", "", "Enclosing structure type, e.g. \"struct module\"")
	listCmd.Flags().String("member", "", "list_head member inside --type")
	listCmd.Flags().Bool("reverse", false, "Follow prev pointers")
	_ = listCmd.MarkFlagRequired("head")
	listCmd.MarkFlagsRequiredTogether("type", "member")

	rbtreeCmd.Flags().String("root", "", "Address or symbol of the struct rb_root")
	rbtreeCmd.Flags().String("type", "", "Enclosing structure type")
	rbtreeCmd.Flags().String("member", "", "rb_node member inside --type")
	_ = rbtreeCmd.MarkFlagRequired("root")
	rbtreeCmd.MarkFlagsRequiredTogether("type", "member")

	rootCmd.AddCommand(listCmd, rbtreeCmd)
}
