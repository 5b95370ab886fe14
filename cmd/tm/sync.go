package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/schema"
	"github.com/taskmirror/taskmirror/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass and exit",
	Long: `Run a single bidirectional sync between Todoist and Notion.

The pass reconciles projects in both directions, rebuilds the project
identity maps, reconciles task completion status, and then reconciles
tasks in both directions. Per-entity failures are reported but do not
stop the pass; a configuration or listing failure aborts it.

Example usage:
  tm sync              # Run one pass
  tm sync --quiet      # Suppress per-phase progress logging`,
	RunE: func(cmd *cobra.Command, args []string) error {
		quiet, _ := cmd.Flags().GetBool("quiet")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logOut := os.Stderr
		logger := log.New(logOut, "[tm] ", log.LstdFlags)
		if quiet {
			logger.SetOutput(discard{})
		}

		eng, st, err := buildEngine(cfg, logger)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		summary, err := eng.Run(ctx)
		if err != nil {
			return fmt.Errorf("sync aborted: %w", err)
		}

		printSummary(summary)
		return nil
	},
}

// discard silences the logger without touching global log state.
type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func init() {
	syncCmd.Flags().BoolP("quiet", "q", false, "Suppress progress logging")
	rootCmd.AddCommand(syncCmd)
}

func printSummary(s *schema.RunSummary) {
	if s.Status() == "success" {
		fmt.Println(ui.Pass("✓ " + s.Message()))
	} else {
		fmt.Println(ui.Warn("⚠ " + s.Message()))
	}
	for _, e := range s.Errors {
		fmt.Println(ui.Faint("  - " + e))
	}
	fmt.Printf("  projects: %s checked, %s created, %s updated, %s skipped\n",
		ui.Accent(fmt.Sprint(s.Projects.Checked)),
		ui.Accent(fmt.Sprint(s.Projects.Created)),
		ui.Accent(fmt.Sprint(s.Projects.Updated)),
		ui.Accent(fmt.Sprint(s.Projects.Skipped)))
	fmt.Printf("  tasks:    %s checked, %s created, %s updated, %s skipped\n",
		ui.Accent(fmt.Sprint(s.Tasks.Checked)),
		ui.Accent(fmt.Sprint(s.Tasks.Created)),
		ui.Accent(fmt.Sprint(s.Tasks.Updated)),
		ui.Accent(fmt.Sprint(s.Tasks.Skipped)))
}
