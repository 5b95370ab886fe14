// Package engine implements the phased reconciliation that keeps the
// source system (a task manager) and the sink system (a document
// database) aligned.
//
// The engine consumes capability interfaces rather than concrete API
// clients: adapters, the mapping store and the history logger are all
// injected, so tests substitute in-memory fakes. Everything runs
// single-threaded; one invocation performs all phases sequentially and
// network calls are the only suspension points.
package engine

import (
	"context"
	"errors"
	"time"

	"github.com/taskmirror/taskmirror/internal/schema"
)

// ErrGone is returned (wrapped) by adapter fetches when the remote
// entity no longer exists. The engine skips such entities instead of
// recording an error: deletion propagation is out of scope.
var ErrGone = errors.New("entity no longer exists")

// TaskFields carries the updatable fields for a source-side task
// update. Zero values mean "leave unchanged" except Due, where ClearDue
// distinguishes "unset the date" from "leave it".
type TaskFields struct {
	Name            string
	Due             *time.Time
	ClearDue        bool
	ProjectSourceID string
	LabelNames      []string
}

// Source is the task-manager side of the reconciliation. Implemented
// by the Todoist adapter; the engine never sees HTTP.
type Source interface {
	// ListProjects returns every project, archived ones included.
	ListProjects(ctx context.Context) ([]*schema.Project, error)

	// ListTasks returns tasks. With activeOnly the listing excludes
	// completed tasks; otherwise recently-completed tasks are merged in.
	ListTasks(ctx context.Context, activeOnly bool) ([]*schema.Task, error)

	// ListRecentlyCompletedTasks returns a bounded recent subset of
	// completed tasks, newest first.
	ListRecentlyCompletedTasks(ctx context.Context) ([]*schema.Task, error)

	// ListLabels returns every label.
	ListLabels(ctx context.Context) ([]*schema.Label, error)

	// CreateLabel creates a label by name and returns it.
	CreateLabel(ctx context.Context, name string) (*schema.Label, error)

	// CreateProject creates a project and returns it with its assigned
	// source identifier.
	CreateProject(ctx context.Context, p *schema.Project) (*schema.Project, error)

	// SetProjectArchived archives or unarchives a project.
	SetProjectArchived(ctx context.Context, id string, archived bool) error

	// CreateTask creates a task and returns it with its assigned
	// source identifier.
	CreateTask(ctx context.Context, t *schema.Task) (*schema.Task, error)

	// UpdateTask applies the given fields to an existing task.
	UpdateTask(ctx context.Context, id string, fields TaskFields) error

	// CloseTask marks a task completed.
	CloseTask(ctx context.Context, id string) error

	// ReopenTask marks a completed task active again.
	ReopenTask(ctx context.Context, id string) error

	// GetTask fetches a single task. Returns an error wrapping ErrGone
	// if the task no longer exists.
	GetTask(ctx context.Context, id string) (*schema.Task, error)
}

// Database selects which sink collection a page operation targets.
type Database string

const (
	DatabaseProjects   Database = "projects"
	DatabaseTasks      Database = "tasks"
	DatabaseCategories Database = "categories"
)

// Field is a logical sink property. Adapters translate fields to the
// workspace's configured property names; the engine never handles
// property names directly.
type Field string

const (
	FieldTitle      Field = "title"
	FieldSourceID   Field = "source_id"
	FieldOrigin     Field = "origin"
	FieldArchived   Field = "archived"
	FieldCategory   Field = "category"
	FieldDone       Field = "done"
	FieldDue        Field = "due"
	FieldProject    Field = "project"
	FieldLabel      Field = "label"
	FieldLastSynced Field = "last_synced"
)

// PropKind is the wire type of a property value.
type PropKind int

const (
	PropText PropKind = iota
	PropSelect
	PropFlag
	PropDate
	PropRelation
)

// PropValue is one typed property value.
type PropValue struct {
	Kind     PropKind
	Text     string     // PropText, PropSelect
	Flag     bool       // PropFlag
	Date     *time.Time // PropDate; nil clears the date
	Relation string     // PropRelation; empty clears the relation
}

// Properties is the typed property set passed to page writes.
type Properties map[Field]PropValue

// Text returns a rich-text property value.
func Text(s string) PropValue { return PropValue{Kind: PropText, Text: s} }

// Select returns a select property value.
func Select(s string) PropValue { return PropValue{Kind: PropSelect, Text: s} }

// Flag returns a checkbox-like property value.
func Flag(b bool) PropValue { return PropValue{Kind: PropFlag, Flag: b} }

// Date returns a date property value; nil clears the date.
func Date(t *time.Time) PropValue { return PropValue{Kind: PropDate, Date: t} }

// Relation returns a relation property value; empty clears the relation.
func Relation(id string) PropValue { return PropValue{Kind: PropRelation, Relation: id} }

// PageRef identifies a sink page after a create.
type PageRef struct {
	ID  string
	URL string
}

// SinkProject is a project page parsed into logical fields. A page
// whose title could not be resolved has an empty Name; the engine
// records that as a per-entity error when it processes the page.
type SinkProject struct {
	PageID   string
	URL      string
	Name     string
	SourceID string
	Origin   string
	Archived bool
	Category string
}

// SinkTask is a task page parsed into logical fields.
type SinkTask struct {
	PageID        string
	URL           string
	Name          string
	SourceID      string
	Done          bool
	Due           *time.Time
	ProjectPageID string
	Label         string
}

// Sink is the document-database side of the reconciliation.
// Implemented by the Notion adapter.
type Sink interface {
	// QueryProjects returns every page of the projects database.
	QueryProjects(ctx context.Context) ([]*SinkProject, error)

	// QueryTasks returns every page of the tasks database.
	QueryTasks(ctx context.Context) ([]*SinkTask, error)

	// QueryCategories reads the auxiliary grouping table. A sink with
	// no configured categories database returns an empty slice.
	QueryCategories(ctx context.Context) ([]schema.Category, error)

	// CreatePage creates a page in the given database from a typed
	// property set.
	CreatePage(ctx context.Context, db Database, props Properties) (*PageRef, error)

	// UpdatePage applies a typed property set to an existing page.
	UpdatePage(ctx context.Context, pageID string, props Properties) error
}

// MappingStore is the keyed identity table. Satisfied by *store.Store;
// tests use an in-memory fake. Lookups return store.ErrNotFound when
// no row matches. Each upsert is atomic for its own key; overlapping
// runs racing on the same key are outside the correctness envelope.
type MappingStore interface {
	LookupBySourceContext(ctx context.Context, sourceID string) (*schema.Mapping, error)
	LookupBySinkContext(ctx context.Context, sinkID string) (*schema.Mapping, error)
	UpsertMappingContext(ctx context.Context, m *schema.Mapping) error
	ScanMappingsContext(ctx context.Context, kind schema.EntityKind) ([]*schema.Mapping, error)
}

// History records run summaries. Recording is fire-and-forget relative
// to the reconciliation outcome.
type History interface {
	RecordRunContext(ctx context.Context, summary *schema.RunSummary) error
	RecentRunsContext(ctx context.Context, n int) ([]*schema.RunSummary, error)
}
