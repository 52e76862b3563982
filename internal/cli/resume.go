package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/prompt"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/scheduler"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused or finished session",
	Long: `Resume a session from its saved record. The loop continues the claude
conversation from the last recorded session token, with up to
--max-iterations new iterations.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().StringP("prompt", "p", "", "Additional instructions for the resumed session")
	addRunFlags(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	id := args[0]

	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	if err := applyRunFlags(a, cmd); err != nil {
		return err
	}
	extra, _ := cmd.Flags().GetString("prompt")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.openServices(ctx); err != nil {
		return err
	}
	defer a.close()

	session, err := a.manager.ResumeSession(id, extra)
	if err != nil {
		return fmt.Errorf("failed to resume session: %w", err)
	}

	workDir := session.WorkDir
	if cmd.Flags().Changed("dir") {
		if workDir, err = resolveWorkDir(cmd); err != nil {
			return err
		}
	}

	a.logger.Info("resuming session",
		"session_id", id,
		"iterations", len(session.Iterations),
		"resume_count", session.ResumeCount)
	fmt.Fprintf(cmd.OutOrStdout(), "Session %s resumed after %d iterations\n", id, len(session.Iterations))

	job := scheduler.Job{
		SessionID: id,
		Task:      session.InitialPrompt,
		Prompt:    prompt.ResumePrompt(session.InitialPrompt, extra),
		History:   session.Iterations,
	}
	return driveSession(ctx, cmd, a, job, workDir)
}
