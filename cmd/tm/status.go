package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/schema"
	"github.com/taskmirror/taskmirror/internal/store"
	"github.com/taskmirror/taskmirror/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show local sync state",
	Long: `Summarize the local mapping store: how many entities are linked
across the two systems and when the last run happened. Does not contact
either API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
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

		ctx := context.Background()

		projects, err := st.ScanMappingsContext(ctx, schema.KindProject)
		if err != nil {
			return err
		}
		tasks, err := st.ScanMappingsContext(ctx, schema.KindTask)
		if err != nil {
			return err
		}
		runCount, err := st.CountRuns(ctx)
		if err != nil {
			return err
		}

		fmt.Println(ui.Header("TaskMirror status"))
		fmt.Printf("Store:            %s\n", ui.Accent(cfg.StorePath))
		fmt.Printf("Linked projects:  %s\n", ui.Accent(fmt.Sprint(len(projects))))
		fmt.Printf("Linked tasks:     %s\n", ui.Accent(fmt.Sprint(len(tasks))))
		fmt.Printf("Recorded runs:    %s\n", ui.Accent(fmt.Sprint(runCount)))

		runs, err := st.RecentRunsContext(ctx, 1)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println(ui.Faint("No runs recorded yet."))
			return nil
		}

		last := runs[0]
		mark := ui.Pass("success")
		if last.Status() != "success" {
			mark = ui.Warn(last.Status())
		}
		fmt.Printf("Last run:         %s (%s, %d error(s))\n",
			last.Timestamp.Local().Format("2006-01-02 15:04:05"),
			mark,
			len(last.Errors),
		)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
