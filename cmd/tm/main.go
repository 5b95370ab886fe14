package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Bidirectional Todoist/Notion task sync",
	Long: `TaskMirror keeps a Todoist account and a Notion workspace aligned.

Projects and tasks flow in both directions: records created on either
side are propagated to the other, renames and completion changes are
reconciled, and a local sqlite store remembers which Todoist entity
corresponds to which Notion page.

Configuration comes from TM_* environment variables, an optional .env
file, or taskmirror.yaml. Required: TM_TODOIST_TOKEN, TM_NOTION_TOKEN,
TM_PROJECTS_DATABASE_ID, TM_TASKS_DATABASE_ID.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
