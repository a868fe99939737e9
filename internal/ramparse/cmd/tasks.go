package cmd

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"ramparse/internal/ramdump"
)

type taskResult struct {
	task ramdump.Task
	err  error
}

func collectTasks(d *ramdump.Dump) ([]taskResult, error) {
	var tasks []taskResult
	_, err := d.Tasks(func(t ramdump.Task, err error) bool {
		tasks = append(tasks, taskResult{task: t, err: err})
		return true
	})
	return tasks, err
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List the processes on init_task's task list",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openSession(cmd)
		if err != nil {
			return err
		}
		defer s.Close()

		tasks, walkErr := collectTasks(s.dump)
		table := tablewriter.NewWriter(cmd.OutOrStdout())
		table.SetHeader([]string{"PID", "Comm", "State", "Task", "Stack"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		for _, r := range tasks {
			if r.err != nil {
				table.Append([]string{"?", r.err.Error(), "", fmt.Sprintf("0x%x", r.task.Addr), ""})
				continue
			}
			t := r.task
			table.Append([]string{
				strconv.FormatUint(uint64(t.PID), 10),
				t.Comm,
				t.StateLetter(),
				fmt.Sprintf("0x%x", t.Addr),
				fmt.Sprintf("0x%x", t.Stack),
			})
		}
		table.Render()

		bad := lo.CountBy(tasks, func(r taskResult) bool { return r.err != nil })
		fmt.Fprintf(cmd.OutOrStdout(), "%d tasks, %d unreadable\n", len(tasks), bad)
		return warnPartial("task list", walkErr)
	},
}

func init() {
	rootCmd.AddCommand(tasksCmd)
}
