package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"

	"github.com/spf13/cobra"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/eventlog"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/runstate"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/sessions"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/transcript"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and clean up session records",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List running and paused sessions",
	Args:  cobra.NoArgs,
	RunE:  runSessionsList,
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Show a session record and its iterations",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsShow,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove finished sessions older than the maximum age",
	Args:  cobra.NoArgs,
	RunE:  runSessionsCleanup,
}

func init() {
	sessionsListCmd.Flags().Bool("all", false, "Show sessions in every status")
	sessionsShowCmd.Flags().Bool("json", false, "Print the raw session record")
	sessionsCleanupCmd.Flags().Duration("max-age", 0, "Remove sessions that ended longer ago than this (default from config)")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	a.openIndex()
	defer a.close()
	if a.index == nil {
		return fmt.Errorf("session index unavailable in %s", a.dataDir)
	}

	showAll, _ := cmd.Flags().GetBool("all")
	summaries, err := a.index.ListSessions(0)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	var rows [][]string
	for _, s := range summaries {
		if !showAll && s.Status != runstate.StatusRunning && s.Status != runstate.StatusPaused {
			continue
		}
		rows = append(rows, []string{
			s.ID,
			formatStatus(s.Status),
			fmt.Sprintf("%d", s.Iterations),
			formatAge(s.StartedAt),
			truncate(s.WorkDir, 32),
			truncate(s.Task, 40),
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("  Sessions"))
	printTable(out, []string{"ID", "Status", "Iter", "Started", "Dir", "Task"}, rows)
	return nil
}

func runSessionsShow(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}

	id := args[0]
	record, err := runstate.Load(runstate.Path(a.dataDir, id))
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", sessions.ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(record)
	}

	printField(out, "ID", record.ID)
	printField(out, "Status", formatStatus(record.Status))
	if record.StopReason != "" {
		printField(out, "Reason", record.StopReason)
	}
	printField(out, "Task", record.InitialPrompt)
	printField(out, "Directory", record.WorkDir)
	printField(out, "Started", record.StartTime.Local().Format("2006-01-02 15:04:05"))
	if record.EndTime != nil {
		printField(out, "Ended", record.EndTime.Local().Format("2006-01-02 15:04:05"))
	}
	printField(out, "Iterations", fmt.Sprintf("%d", len(record.Iterations)))
	printField(out, "Cost", fmt.Sprintf("$%.4f", record.TotalCostUSD))
	if record.ResumeCount > 0 {
		printField(out, "Resumed", fmt.Sprintf("%d times", record.ResumeCount))
	}
	if record.LastError != "" {
		printField(out, "Last error", truncate(record.LastError, 80))
	}

	formatter := transcript.NewFormatter()
	if len(record.Iterations) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, headerStyle.Render("  Iterations"))
		for _, it := range record.Iterations {
			fmt.Fprintln(out, "  "+formatter.FormatIteration(it))
		}
	}

	entries, err := eventlog.Read(runstate.LogPath(a.dataDir, id))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		a.logger.Warn("failed to read session log", "session_id", id, "error", err)
	}
	var handoffs []string
	for _, e := range entries {
		if e.Kind == eventlog.KindHandoff && e.Handoff != nil {
			handoffs = append(handoffs, formatter.FormatHandoff(*e.Handoff))
		}
	}
	if len(handoffs) > 0 {
		fmt.Fprintln(out)
		fmt.Fprintln(out, headerStyle.Render("  Handoffs"))
		for _, h := range handoffs {
			fmt.Fprintln(out, "  "+h)
		}
	}
	return nil
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	a.openIndex()
	defer a.close()

	maxAge := a.cfg.MaxSessionAge()
	if cmd.Flags().Changed("max-age") {
		maxAge, _ = cmd.Flags().GetDuration("max-age")
	}

	m := sessions.NewManager(sessions.Options{
		DataDir:       a.dataDir,
		MaxConcurrent: a.cfg.Sessions.MaxConcurrent,
		MaxAge:        maxAge,
	}, a.logger)
	defer m.Shutdown()
	if a.index != nil {
		m.SetIndex(a.index)
	}

	removed, err := m.CleanupOldSessions(maxAge)
	if err != nil {
		return fmt.Errorf("cleanup failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d sessions older than %s\n", removed, maxAge)
	return nil
}
