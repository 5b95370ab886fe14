// Package schema provides the domain types shared by the reconciliation
// engine, the adapters, and the persistence layer.
package schema

import (
	"fmt"
	"time"
)

// Project is a project as the source system (Todoist) models it.
// Projects created on the sink side are represented with the same
// structure once a source counterpart exists.
type Project struct {
	// SourceID is the source-system identifier. Empty for sink-native
	// projects that have not been propagated yet.
	SourceID string `json:"source_id"`

	Name string `json:"name"`

	// ParentSourceID links to a parent project on the source side.
	// Used only to derive a sink category; never propagated itself.
	ParentSourceID string `json:"parent_source_id,omitempty"`

	Archived bool `json:"archived"`
}

// Validate checks required Project fields.
func (p *Project) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Task is a task as the source system models it.
type Task struct {
	SourceID string `json:"source_id"`

	Name string `json:"name"`

	// ProjectSourceID is the source project the task belongs to.
	ProjectSourceID string `json:"project_source_id,omitempty"`

	// Due is the due date, if any. Only the calendar date is
	// significant; both systems store dates, not instants.
	Due *time.Time `json:"due,omitempty"`

	// LabelIDs are source-system label identifiers.
	LabelIDs []string `json:"label_ids,omitempty"`

	Done bool `json:"done"`
}

// Validate checks required Task fields.
func (t *Task) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	return nil
}

// Label is a source-system label. Labels map to the sink's per-task
// category tag.
type Label struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Category is a row of the sink's auxiliary grouping table. Read-only:
// the engine tags projects with categories but never writes the table.
type Category struct {
	Name   string `json:"name"`
	SinkID string `json:"sink_id"`
}

// EntityKind distinguishes mapping rows for projects from those for tasks.
type EntityKind string

const (
	KindProject EntityKind = "project"
	KindTask    EntityKind = "task"
)

// Mapping ties one source entity to one sink entity. It is the single
// source of truth for "does this entity already exist on the other
// side"; name matching on the sink is only a fallback when no mapping
// row exists.
type Mapping struct {
	Kind     EntityKind `json:"kind"`
	SourceID string     `json:"source_id"`
	SinkID   string     `json:"sink_id"`
	SinkURL  string     `json:"sink_url,omitempty"`

	// LastSyncedAt records the most recent successful propagation in
	// either direction.
	LastSyncedAt time.Time `json:"last_synced_at"`
}

// Validate checks required Mapping fields.
func (m *Mapping) Validate() error {
	if m.Kind != KindProject && m.Kind != KindTask {
		return fmt.Errorf("kind must be %q or %q (got %q)", KindProject, KindTask, m.Kind)
	}
	if m.SourceID == "" {
		return fmt.Errorf("source_id is required")
	}
	if m.SinkID == "" {
		return fmt.Errorf("sink_id is required")
	}
	return nil
}

// Stats counts the outcomes of one reconciliation direction pair for a
// single entity kind.
type Stats struct {
	Checked int `json:"checked"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Add accumulates another Stats into this one.
func (s *Stats) Add(o Stats) {
	s.Checked += o.Checked
	s.Created += o.Created
	s.Updated += o.Updated
	s.Skipped += o.Skipped
}

// RunSummary is the append-only record of one reconciliation run.
type RunSummary struct {
	// ID is assigned by the history store when the summary is recorded.
	ID        string    `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Projects Stats `json:"projects"`
	Tasks    Stats `json:"tasks"`

	// Errors holds human-readable per-entity failure messages. A
	// non-empty list with a recorded summary means the run partially
	// succeeded; a fatal pre-phase failure never produces a summary.
	Errors []string `json:"errors"`

	Duration time.Duration `json:"duration,omitempty"`
}

// Status derives the response status field from the error list.
func (r *RunSummary) Status() string {
	if len(r.Errors) == 0 {
		return "success"
	}
	return "partial_success"
}

// Message renders the one-line human summary of the run.
func (r *RunSummary) Message() string {
	return fmt.Sprintf(
		"Sync complete! Projects checked: %d, created: %d, updated: %d. Tasks checked: %d, created: %d, updated: %d. Encountered %d error(s).",
		r.Projects.Checked, r.Projects.Created, r.Projects.Updated,
		r.Tasks.Checked, r.Tasks.Created, r.Tasks.Updated,
		len(r.Errors),
	)
}

// SetDefaults applies defaults for optional RunSummary fields.
func (r *RunSummary) SetDefaults() {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	if r.Errors == nil {
		r.Errors = []string{}
	}
}
