package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/store"
	"github.com/taskmirror/taskmirror/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent sync runs",
	Long: `Show the most recent reconciliation runs, newest first.

Example usage:
  tm history           # Last 10 runs
  tm history -n 25     # Last 25 runs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("count")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.InitSchema(); err != nil {
			return err
		}

		runs, err := st.RecentRuns(n)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println(ui.Faint("No runs recorded yet."))
			return nil
		}

		fmt.Println(ui.Header("Recent runs"))
		for _, r := range runs {
			mark := ui.Pass("✓")
			if r.Status() != "success" {
				mark = ui.Warn("⚠")
			}
			fmt.Printf("%s %s  %s  projects %d/%d/%d  tasks %d/%d/%d  %s\n",
				mark,
				ui.Accent(r.ID),
				r.Timestamp.Local().Format("2006-01-02 15:04:05"),
				r.Projects.Checked, r.Projects.Created, r.Projects.Updated,
				r.Tasks.Checked, r.Tasks.Created, r.Tasks.Updated,
				ui.Faint(r.Duration.Round(1e6).String()),
			)
			for _, e := range r.Errors {
				fmt.Println(ui.Faint("    - " + e))
			}
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("count", "n", 10, "Number of runs to show")
	rootCmd.AddCommand(historyCmd)
}
