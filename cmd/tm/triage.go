package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/schema"
	"github.com/taskmirror/taskmirror/internal/todoist"
	"github.com/taskmirror/taskmirror/internal/ui"
)

var triageCmd = &cobra.Command{
	Use:   "triage [cutoff]",
	Short: "List open tasks due before a cutoff",
	Long: `List open Todoist tasks due on or before a cutoff, soonest first.

The cutoff accepts natural language. Without an argument it defaults to
"today". Tasks with no due date are excluded.

Example usage:
  tm triage                   # Due today or overdue
  tm triage "next friday"     # Due by the end of next Friday
  tm triage "in 3 days"`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		phrase := "today"
		if len(args) > 0 {
			phrase = args[0]
		}

		cutoff, err := parseCutoff(phrase, time.Now())
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		logger := log.New(os.Stderr, "[tm] ", log.LstdFlags)
		client := todoist.New(cfg.TodoistToken, &todoist.Options{Logger: logger})

		ctx := context.Background()
		tasks, err := client.ListTasks(ctx, true)
		if err != nil {
			return err
		}

		var due []*schema.Task
		for _, t := range tasks {
			if t.Due == nil || t.Done {
				continue
			}
			if !t.Due.After(cutoff) {
				due = append(due, t)
			}
		}
		sort.Slice(due, func(i, j int) bool { return due[i].Due.Before(*due[j].Due) })

		fmt.Printf("%s %s\n", ui.Header("Due by"), ui.Accent(cutoff.Format("Mon Jan 2 2006")))
		if len(due) == 0 {
			fmt.Println(ui.Pass("Nothing due. You're clear."))
			return nil
		}
		for _, t := range due {
			marker := ui.Accent(t.Due.Format("2006-01-02"))
			if t.Due.Before(startOfDay(time.Now())) {
				marker = ui.Err(t.Due.Format("2006-01-02"))
			}
			fmt.Printf("  %s  %s\n", marker, t.Name)
		}
		return nil
	},
}

// parseCutoff resolves a natural-language phrase to the end of the
// named day.
func parseCutoff(phrase string, now time.Time) (time.Time, error) {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	r, err := w.Parse(strings.TrimSpace(phrase), now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cutoff %q: %w", phrase, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("could not understand cutoff %q", phrase)
	}

	y, m, d := r.Time.Date()
	return time.Date(y, m, d, 23, 59, 59, 0, r.Time.Location()), nil
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func init() {
	rootCmd.AddCommand(triageCmd)
}
