package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/YossiAshkenazi/automatic-claude-code/internal/config"
	"github.com/YossiAshkenazi/automatic-claude-code/internal/workspace"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default acc.json in the current directory",
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	initCmd.Flags().Bool("yaml", false, "Write acc.yaml instead of acc.json")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	name := config.FileNames[0]
	if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
		name = config.FileNames[1]
	}
	path := filepath.Join(cwd, name)

	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}

	cfg := config.GenerateDefault()
	if dir, _ := cmd.Flags().GetString("data-dir"); dir != "" {
		cfg.DataDir = dir
	}
	if err := cfg.SaveToFile(path); err != nil {
		return err
	}

	dataDir, err := workspace.ExpandHome(cfg.DataDir)
	if err != nil {
		return err
	}
	if err := workspace.Initialize(dataDir); err != nil {
		return fmt.Errorf("failed to initialize data directory: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\nSession data: %s\n", path, dataDir)
	return nil
}
