package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent sessions",
	Long:  `List recent sessions from the session index, newest first.`,
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "l", 20, "Maximum sessions to show (0 for all)")
}

func runHistory(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	a.openIndex()
	defer a.close()
	if a.index == nil {
		return fmt.Errorf("session index unavailable in %s", a.dataDir)
	}

	limit, _ := cmd.Flags().GetInt("limit")
	summaries, err := a.index.ListSessions(limit)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(summaries) == 0 {
		fmt.Fprintln(out, dimStyle.Render("  No sessions yet."))
		fmt.Fprintln(out, "  Start one with: acc run \"<task>\"")
		return nil
	}

	var rows [][]string
	for _, s := range summaries {
		rows = append(rows, []string{
			s.ID,
			formatStatus(s.Status),
			fmt.Sprintf("%d", s.Iterations),
			fmt.Sprintf("$%.4f", s.CostUSD),
			formatAge(s.StartedAt),
			truncate(s.Task, 48),
		})
	}
	printTable(out, []string{"ID", "Status", "Iter", "Cost", "Started", "Task"}, rows)
	return nil
}
