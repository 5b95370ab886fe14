package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/taskmirror/taskmirror/internal/schema"
	"github.com/taskmirror/taskmirror/internal/store"
)

// Engine runs the six-phase reconciliation. Construct with New; one
// Engine may be reused across runs but runs must not overlap (the
// mapping store has no internal locking).
type Engine struct {
	source  Source
	sink    Sink
	store   MappingStore
	history History

	sourceTag string
	logger    *log.Logger
	now       func() time.Time
}

// Options configures optional Engine behavior.
type Options struct {
	// SourceTag is the origin select value written on sink pages the
	// engine creates from source entities. Defaults to "Todoist".
	SourceTag string

	// Logger receives progress and per-entity warnings. If nil, a
	// default logger writing to stderr is used.
	Logger *log.Logger

	// Now is the clock; overridable in tests. Defaults to time.Now.
	Now func() time.Time
}

// New creates an Engine. The history logger may be nil, in which case
// run summaries are not recorded.
func New(source Source, sink Sink, mappings MappingStore, history History, opts *Options) *Engine {
	if opts == nil {
		opts = &Options{}
	}
	if opts.SourceTag == "" {
		opts.SourceTag = "Todoist"
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		source:    source,
		sink:      sink,
		store:     mappings,
		history:   history,
		sourceTag: opts.SourceTag,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// runState carries the per-run snapshots the phases share. Later phases
// read values earlier phases wrote into the snapshot, which is what
// makes the directional last-write-wins policy converge instead of
// ping-ponging stale values between the systems.
type runState struct {
	summary *schema.RunSummary

	categories map[string]string

	srcProjects    []*schema.Project
	srcProjectByID map[string]*schema.Project

	sinkProjects      []*SinkProject
	sinkProjectByPage map[string]*SinkProject

	// Rebuilt every run by the rebuild phase, never cached: the
	// project phases may have just created new pages.
	srcToSink map[string]string
	sinkToSrc map[string]string

	srcActive     []*schema.Task
	srcCompleted  []*schema.Task
	srcActiveByID map[string]*schema.Task
	srcDoneByID   map[string]*schema.Task

	labelNameByID map[string]string
	labelIDByName map[string]string

	sinkTasks      []*SinkTask
	sinkTaskByPage map[string]*SinkTask
}

func (st *runState) addSrcProject(p *schema.Project) {
	st.srcProjects = append(st.srcProjects, p)
	if p.SourceID != "" {
		st.srcProjectByID[p.SourceID] = p
	}
}

func (st *runState) addSinkProject(sp *SinkProject) {
	st.sinkProjects = append(st.sinkProjects, sp)
	st.sinkProjectByPage[sp.PageID] = sp
}

func (st *runState) addSinkTask(t *SinkTask) {
	st.sinkTasks = append(st.sinkTasks, t)
	st.sinkTaskByPage[t.PageID] = t
}

// findSinkProjectByName is the fallback used only when no mapping
// exists. Pages already claimed by a different source identifier are
// never adopted.
func (st *runState) findSinkProjectByName(name, sourceID string) *SinkProject {
	for _, sp := range st.sinkProjects {
		if sp.Name == name && (sp.SourceID == "" || sp.SourceID == sourceID) {
			return sp
		}
	}
	return nil
}

// firstLabelName returns the name of the task's first label that the
// source system recognizes, or "".
func (st *runState) firstLabelName(t *schema.Task) string {
	for _, id := range t.LabelIDs {
		if name, ok := st.labelNameByID[id]; ok {
			return name
		}
	}
	return ""
}

// Run executes one full reconciliation and returns its summary.
//
// Per-entity failures are recorded in the summary's error list and the
// run continues. A failure before the phases can do useful work — a
// configuration problem or an initial listing pull failing — aborts
// the run and is returned as a single top-level error; no summary is
// recorded in that case.
func (e *Engine) Run(ctx context.Context) (*schema.RunSummary, error) {
	start := e.now()
	sum := &schema.RunSummary{Timestamp: start.UTC(), Errors: []string{}}

	st := &runState{
		summary:           sum,
		srcProjectByID:    make(map[string]*schema.Project),
		sinkProjectByPage: make(map[string]*SinkProject),
		srcToSink:         make(map[string]string),
		sinkToSrc:         make(map[string]string),
		srcActiveByID:     make(map[string]*schema.Task),
		srcDoneByID:       make(map[string]*schema.Task),
		labelNameByID:     make(map[string]string),
		labelIDByName:     make(map[string]string),
		sinkTaskByPage:    make(map[string]*SinkTask),
	}

	st.categories = e.resolveCategories(ctx)

	srcProjects, err := e.source.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list source projects: %w", err)
	}
	for _, p := range srcProjects {
		st.addSrcProject(p)
	}

	sinkProjects, err := e.sink.QueryProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query sink projects: %w", err)
	}
	for _, sp := range sinkProjects {
		st.addSinkProject(sp)
	}

	e.logger.Printf("Starting run: %d source projects, %d sink project pages", len(st.srcProjects), len(st.sinkProjects))

	for _, ph := range PhaseOrder() {
		if err := e.runPhase(ctx, ph, st); err != nil {
			return nil, fmt.Errorf("phase %s: %w", ph, err)
		}
	}

	sum.Duration = e.now().Sub(start)
	e.logger.Printf("%s", sum.Message())

	if e.history != nil {
		// Fire-and-forget: a history failure must not mask the
		// reconciliation result.
		if err := e.history.RecordRunContext(ctx, sum); err != nil {
			e.logger.Printf("WARNING: failed to record run history: %v", err)
		}
	}
	return sum, nil
}

func (e *Engine) runPhase(ctx context.Context, ph Phase, st *runState) error {
	switch ph {
	case PhaseProjectsSourceToSink:
		return e.phaseProjectsSourceToSink(ctx, st)
	case PhaseProjectsSinkToSource:
		return e.phaseProjectsSinkToSource(ctx, st)
	case PhaseRebuildProjectMaps:
		return e.phaseRebuildProjectMaps(ctx, st)
	case PhaseTaskCompletion:
		return e.phaseTaskCompletion(ctx, st)
	case PhaseTasksSourceToSink:
		return e.phaseTasksSourceToSink(ctx, st)
	case PhaseTasksSinkToSource:
		return e.phaseTasksSinkToSource(ctx, st)
	default:
		return fmt.Errorf("unknown phase %d", ph)
	}
}

// entityErr records a per-entity failure and lets the phase continue
// with the next entity.
func (e *Engine) entityErr(sum *schema.RunSummary, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	e.logger.Printf("ERROR: %s", msg)
	sum.Errors = append(sum.Errors, msg)
}

// ===== Phase 1: projects source → sink =====

func (e *Engine) phaseProjectsSourceToSink(ctx context.Context, st *runState) error {
	for _, p := range st.srcProjects {
		st.summary.Projects.Checked++
		if err := e.pushProjectToSink(ctx, st, p); err != nil {
			e.entityErr(st.summary, "project %q (%s): %v", p.Name, p.SourceID, err)
		}
	}
	return nil
}

func (e *Engine) pushProjectToSink(ctx context.Context, st *runState, p *schema.Project) error {
	now := e.now().UTC()

	m, err := e.store.LookupBySourceContext(ctx, p.SourceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var sp *SinkProject
	if m != nil {
		sp = st.sinkProjectByPage[m.SinkID]
	}
	if sp == nil {
		sp = st.findSinkProjectByName(p.Name, p.SourceID)
	}

	if sp == nil {
		props := Properties{
			FieldTitle:      Text(p.Name),
			FieldSourceID:   Text(p.SourceID),
			FieldOrigin:     Select(e.sourceTag),
			FieldArchived:   Flag(p.Archived),
			FieldLastSynced: Date(&now),
		}
		if p.ParentSourceID != "" {
			if parent, ok := st.srcProjectByID[p.ParentSourceID]; ok {
				if catID, ok := st.categories[parent.Name]; ok {
					props[FieldCategory] = Relation(catID)
				}
			}
		}

		ref, err := e.sink.CreatePage(ctx, DatabaseProjects, props)
		if err != nil {
			return err
		}
		st.addSinkProject(&SinkProject{
			PageID:   ref.ID,
			URL:      ref.URL,
			Name:     p.Name,
			SourceID: p.SourceID,
			Origin:   e.sourceTag,
			Archived: p.Archived,
		})
		st.summary.Projects.Created++
		return e.store.UpsertMappingContext(ctx, &schema.Mapping{
			Kind:         schema.KindProject,
			SourceID:     p.SourceID,
			SinkID:       ref.ID,
			SinkURL:      ref.URL,
			LastSyncedAt: now,
		})
	}

	// Mapped or adopted: the source is authoritative in this direction,
	// except for the archived flag on sink-originated pages, which the
	// sink→source pass owns.
	props := Properties{}
	if sp.Name != p.Name {
		props[FieldTitle] = Text(p.Name)
		sp.Name = p.Name
	}
	if sp.Origin == e.sourceTag && sp.Archived != p.Archived {
		props[FieldArchived] = Flag(p.Archived)
		sp.Archived = p.Archived
	}
	if sp.SourceID == "" {
		props[FieldSourceID] = Text(p.SourceID)
		sp.SourceID = p.SourceID
	}

	if len(props) == 0 {
		st.summary.Projects.Skipped++
		if m == nil {
			// Adopted by name with nothing to write: still record the
			// identity so the fallback is never needed again.
			return e.store.UpsertMappingContext(ctx, &schema.Mapping{
				Kind:         schema.KindProject,
				SourceID:     p.SourceID,
				SinkID:       sp.PageID,
				SinkURL:      sp.URL,
				LastSyncedAt: now,
			})
		}
		return nil
	}

	props[FieldLastSynced] = Date(&now)
	if err := e.sink.UpdatePage(ctx, sp.PageID, props); err != nil {
		return err
	}
	st.summary.Projects.Updated++
	return e.store.UpsertMappingContext(ctx, &schema.Mapping{
		Kind:         schema.KindProject,
		SourceID:     p.SourceID,
		SinkID:       sp.PageID,
		SinkURL:      sp.URL,
		LastSyncedAt: now,
	})
}

// ===== Phase 2: projects sink → source =====

func (e *Engine) phaseProjectsSinkToSource(ctx context.Context, st *runState) error {
	// Iterate a copy: the create path appends source projects.
	pages := make([]*SinkProject, len(st.sinkProjects))
	copy(pages, st.sinkProjects)

	for _, sp := range pages {
		if sp.Origin == e.sourceTag {
			continue
		}
		st.summary.Projects.Checked++
		if sp.Name == "" {
			e.entityErr(st.summary, "project page %s has no resolvable title", sp.PageID)
			continue
		}
		if err := e.pullProjectFromSink(ctx, st, sp); err != nil {
			e.entityErr(st.summary, "sink project %q (%s): %v", sp.Name, sp.PageID, err)
		}
	}
	return nil
}

func (e *Engine) pullProjectFromSink(ctx context.Context, st *runState, sp *SinkProject) error {
	now := e.now().UTC()

	if sp.SourceID == "" {
		np, err := e.source.CreateProject(ctx, &schema.Project{Name: sp.Name})
		if err != nil {
			return err
		}
		if sp.Archived {
			if err := e.source.SetProjectArchived(ctx, np.SourceID, true); err != nil {
				return err
			}
			np.Archived = true
		}

		// Stamp the new identifier so the rebuild phase can read it off
		// the page.
		stamp := Properties{
			FieldSourceID:   Text(np.SourceID),
			FieldLastSynced: Date(&now),
		}
		if err := e.sink.UpdatePage(ctx, sp.PageID, stamp); err != nil {
			return err
		}
		sp.SourceID = np.SourceID
		st.addSrcProject(np)
		st.summary.Projects.Created++
		return e.store.UpsertMappingContext(ctx, &schema.Mapping{
			Kind:         schema.KindProject,
			SourceID:     np.SourceID,
			SinkID:       sp.PageID,
			SinkURL:      sp.URL,
			LastSyncedAt: now,
		})
	}

	// The sink's status is authoritative for projects it originated.
	src, ok := st.srcProjectByID[sp.SourceID]
	if !ok || src.Archived == sp.Archived {
		st.summary.Projects.Skipped++
		return nil
	}
	if err := e.source.SetProjectArchived(ctx, sp.SourceID, sp.Archived); err != nil {
		return err
	}
	src.Archived = sp.Archived
	st.summary.Projects.Updated++
	return e.store.UpsertMappingContext(ctx, &schema.Mapping{
		Kind:         schema.KindProject,
		SourceID:     sp.SourceID,
		SinkID:       sp.PageID,
		SinkURL:      sp.URL,
		LastSyncedAt: now,
	})
}

// ===== Phase 3: rebuild project identity maps =====

// phaseRebuildProjectMaps re-reads all sink project pages and derives
// the source-id ↔ sink-id maps the task phases link through. The pages
// are re-queried rather than patched in memory because the project
// phases may have just created records on either side.
func (e *Engine) phaseRebuildProjectMaps(ctx context.Context, st *runState) error {
	pages, err := e.sink.QueryProjects(ctx)
	if err != nil {
		return fmt.Errorf("failed to re-query sink projects: %w", err)
	}

	st.sinkProjects = nil
	st.sinkProjectByPage = make(map[string]*SinkProject)
	st.srcToSink = make(map[string]string)
	st.sinkToSrc = make(map[string]string)

	for _, sp := range pages {
		st.addSinkProject(sp)
		if sp.SourceID == "" {
			continue
		}
		st.srcToSink[sp.SourceID] = sp.PageID
		st.sinkToSrc[sp.PageID] = sp.SourceID
	}

	e.logger.Printf("Project identity map rebuilt: %d linked pages", len(st.srcToSink))
	return nil
}

// ===== Phase 4: task completion-status reconciliation =====

// phaseTaskCompletion pulls the task-side snapshots, then closes the
// source→sink completion gap for mapped tasks the remaining phases
// will not otherwise touch this run. Completion propagation in the
// opposite direction happens inline in the sink→source task phase.
func (e *Engine) phaseTaskCompletion(ctx context.Context, st *runState) error {
	var err error

	st.srcActive, err = e.source.ListTasks(ctx, true)
	if err != nil {
		return fmt.Errorf("failed to list source tasks: %w", err)
	}
	for _, t := range st.srcActive {
		st.srcActiveByID[t.SourceID] = t
	}

	st.srcCompleted, err = e.source.ListRecentlyCompletedTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to list recently completed source tasks: %w", err)
	}
	for _, t := range st.srcCompleted {
		st.srcDoneByID[t.SourceID] = t
	}

	labels, err := e.source.ListLabels(ctx)
	if err != nil {
		return fmt.Errorf("failed to list source labels: %w", err)
	}
	for _, l := range labels {
		st.labelNameByID[l.ID] = l.Name
		st.labelIDByName[l.Name] = l.ID
	}

	sinkTasks, err := e.sink.QueryTasks(ctx)
	if err != nil {
		return fmt.Errorf("failed to query sink tasks: %w", err)
	}
	for _, t := range sinkTasks {
		st.addSinkTask(t)
	}

	mappings, err := e.store.ScanMappingsContext(ctx, schema.KindTask)
	if err != nil {
		return fmt.Errorf("failed to scan task mappings: %w", err)
	}

	for _, m := range mappings {
		if _, ok := st.srcActiveByID[m.SourceID]; ok {
			continue // the source→sink task phase handles it
		}
		if _, ok := st.srcDoneByID[m.SourceID]; ok {
			continue // in the recent subset, same phase handles it
		}
		stk := st.sinkTaskByPage[m.SinkID]
		if stk == nil || stk.Done {
			continue
		}

		// Not active, not recently completed, sink still open: fetch
		// to learn whether it was completed further back.
		task, err := e.source.GetTask(ctx, m.SourceID)
		if errors.Is(err, ErrGone) {
			continue
		}
		if err != nil {
			e.entityErr(st.summary, "task mapping %s: %v", m.SourceID, err)
			continue
		}
		if !task.Done {
			continue
		}

		now := e.now().UTC()
		props := Properties{
			FieldDone:       Flag(true),
			FieldLastSynced: Date(&now),
		}
		if err := e.sink.UpdatePage(ctx, stk.PageID, props); err != nil {
			e.entityErr(st.summary, "task %q (%s): %v", stk.Name, m.SourceID, err)
			continue
		}
		stk.Done = true
		st.summary.Tasks.Updated++

		m.LastSyncedAt = now
		if err := e.store.UpsertMappingContext(ctx, m); err != nil {
			e.entityErr(st.summary, "task mapping %s: %v", m.SourceID, err)
		}
	}
	return nil
}

// ===== Phase 5: tasks source → sink =====

func (e *Engine) phaseTasksSourceToSink(ctx context.Context, st *runState) error {
	seen := make(map[string]bool)
	tasks := make([]*schema.Task, 0, len(st.srcActive)+len(st.srcCompleted))
	for _, t := range st.srcActive {
		if !seen[t.SourceID] {
			seen[t.SourceID] = true
			tasks = append(tasks, t)
		}
	}
	for _, t := range st.srcCompleted {
		if !seen[t.SourceID] {
			seen[t.SourceID] = true
			tasks = append(tasks, t)
		}
	}

	for _, t := range tasks {
		st.summary.Tasks.Checked++
		err := e.pushTaskToSink(ctx, st, t)
		if errors.Is(err, ErrGone) {
			st.summary.Tasks.Skipped++
			continue
		}
		if err != nil {
			e.entityErr(st.summary, "task %q (%s): %v", t.Name, t.SourceID, err)
		}
	}
	return nil
}

func (e *Engine) pushTaskToSink(ctx context.Context, st *runState, t *schema.Task) error {
	now := e.now().UTC()

	m, err := e.store.LookupBySourceContext(ctx, t.SourceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	var stk *SinkTask
	if m != nil {
		stk = st.sinkTaskByPage[m.SinkID]
	}

	if stk == nil {
		props := Properties{
			FieldTitle:      Text(t.Name),
			FieldSourceID:   Text(t.SourceID),
			FieldLastSynced: Date(&now),
		}
		if t.Due != nil {
			props[FieldDue] = Date(t.Due)
		}
		if pageID := st.srcToSink[t.ProjectSourceID]; pageID != "" {
			props[FieldProject] = Relation(pageID)
		}
		if name := st.firstLabelName(t); name != "" {
			props[FieldLabel] = Select(name)
		}
		if t.Done {
			props[FieldDone] = Flag(true)
		}

		ref, err := e.sink.CreatePage(ctx, DatabaseTasks, props)
		if err != nil {
			return err
		}
		st.addSinkTask(&SinkTask{
			PageID:        ref.ID,
			URL:           ref.URL,
			Name:          t.Name,
			SourceID:      t.SourceID,
			Done:          t.Done,
			Due:           t.Due,
			ProjectPageID: st.srcToSink[t.ProjectSourceID],
			Label:         st.firstLabelName(t),
		})
		st.summary.Tasks.Created++
		return e.store.UpsertMappingContext(ctx, &schema.Mapping{
			Kind:         schema.KindTask,
			SourceID:     t.SourceID,
			SinkID:       ref.ID,
			SinkURL:      ref.URL,
			LastSyncedAt: now,
		})
	}

	// Mapped: verify the source task still exists before pushing, and
	// use the fetched state as the authoritative source values.
	cur, err := e.source.GetTask(ctx, t.SourceID)
	if err != nil {
		return err
	}

	props := Properties{}
	if stk.Name != cur.Name {
		props[FieldTitle] = Text(cur.Name)
		stk.Name = cur.Name
	}
	if !sameDate(stk.Due, cur.Due) {
		props[FieldDue] = Date(cur.Due)
		stk.Due = cur.Due
	}
	if pageID := st.srcToSink[cur.ProjectSourceID]; pageID != "" && pageID != stk.ProjectPageID {
		props[FieldProject] = Relation(pageID)
		stk.ProjectPageID = pageID
	}
	if name := st.firstLabelName(cur); name != "" && name != stk.Label {
		props[FieldLabel] = Select(name)
		stk.Label = name
	}
	// Completion only flows sink-ward as a check, never an uncheck: a
	// box checked in the sink must survive this pass so the sink→source
	// pass can close the source task.
	if cur.Done && !stk.Done {
		props[FieldDone] = Flag(true)
		stk.Done = true
	}

	if len(props) == 0 {
		st.summary.Tasks.Skipped++
		return nil
	}

	props[FieldLastSynced] = Date(&now)
	if err := e.sink.UpdatePage(ctx, stk.PageID, props); err != nil {
		return err
	}
	st.summary.Tasks.Updated++
	return e.store.UpsertMappingContext(ctx, &schema.Mapping{
		Kind:         schema.KindTask,
		SourceID:     cur.SourceID,
		SinkID:       stk.PageID,
		SinkURL:      stk.URL,
		LastSyncedAt: now,
	})
}

// ===== Phase 6: tasks sink → source =====

func (e *Engine) phaseTasksSinkToSource(ctx context.Context, st *runState) error {
	// Iterate a copy: the source→sink phase may have appended pages.
	pages := make([]*SinkTask, len(st.sinkTasks))
	copy(pages, st.sinkTasks)

	for _, stk := range pages {
		st.summary.Tasks.Checked++
		if stk.Name == "" {
			e.entityErr(st.summary, "task page %s has no resolvable title", stk.PageID)
			continue
		}
		err := e.pullTaskFromSink(ctx, st, stk)
		if errors.Is(err, ErrGone) {
			st.summary.Tasks.Skipped++
			continue
		}
		if err != nil {
			e.entityErr(st.summary, "sink task %q (%s): %v", stk.Name, stk.PageID, err)
		}
	}
	return nil
}

func (e *Engine) pullTaskFromSink(ctx context.Context, st *runState, stk *SinkTask) error {
	now := e.now().UTC()

	srcID := ""
	m, err := e.store.LookupBySinkContext(ctx, stk.PageID)
	switch {
	case err == nil:
		srcID = m.SourceID
	case errors.Is(err, store.ErrNotFound):
		// Fall back to the identifier stamped on the page, if any.
		srcID = stk.SourceID
	default:
		return err
	}

	if srcID == "" {
		nt := &schema.Task{
			Name:            stk.Name,
			Due:             stk.Due,
			ProjectSourceID: st.sinkToSrc[stk.ProjectPageID],
		}
		if stk.Label != "" {
			id, err := e.ensureLabel(ctx, st, stk.Label)
			if err != nil {
				return err
			}
			nt.LabelIDs = []string{id}
		}

		created, err := e.source.CreateTask(ctx, nt)
		if err != nil {
			return err
		}
		if stk.Done {
			if err := e.source.CloseTask(ctx, created.SourceID); err != nil {
				return err
			}
		}

		stamp := Properties{
			FieldSourceID:   Text(created.SourceID),
			FieldLastSynced: Date(&now),
		}
		if err := e.sink.UpdatePage(ctx, stk.PageID, stamp); err != nil {
			return err
		}
		stk.SourceID = created.SourceID
		st.summary.Tasks.Created++
		return e.store.UpsertMappingContext(ctx, &schema.Mapping{
			Kind:         schema.KindTask,
			SourceID:     created.SourceID,
			SinkID:       stk.PageID,
			SinkURL:      stk.URL,
			LastSyncedAt: now,
		})
	}

	cur, err := e.source.GetTask(ctx, srcID)
	if err != nil {
		return err
	}

	fields := TaskFields{}
	changed := false
	if cur.Name != stk.Name {
		fields.Name = stk.Name
		changed = true
	}
	if !sameDate(cur.Due, stk.Due) {
		fields.Due = stk.Due
		fields.ClearDue = stk.Due == nil
		changed = true
	}
	if want := st.sinkToSrc[stk.ProjectPageID]; want != "" && want != cur.ProjectSourceID {
		fields.ProjectSourceID = want
		changed = true
	}
	if stk.Label != "" && !e.hasLabel(st, cur, stk.Label) {
		if _, err := e.ensureLabel(ctx, st, stk.Label); err != nil {
			return err
		}
		fields.LabelNames = []string{stk.Label}
		changed = true
	}

	if changed {
		if err := e.source.UpdateTask(ctx, srcID, fields); err != nil {
			return err
		}
	}

	// The sink's checkbox drives the source's completion state in this
	// direction: close to match a checked box, reopen an unchecked one.
	switch {
	case stk.Done && !cur.Done:
		if err := e.source.CloseTask(ctx, srcID); err != nil {
			return err
		}
		changed = true
	case !stk.Done && cur.Done:
		if err := e.source.ReopenTask(ctx, srcID); err != nil {
			return err
		}
		changed = true
	}

	if !changed {
		st.summary.Tasks.Skipped++
		if m == nil {
			// Resolved through the page property: persist the identity.
			return e.store.UpsertMappingContext(ctx, &schema.Mapping{
				Kind:         schema.KindTask,
				SourceID:     srcID,
				SinkID:       stk.PageID,
				SinkURL:      stk.URL,
				LastSyncedAt: now,
			})
		}
		return nil
	}

	st.summary.Tasks.Updated++
	return e.store.UpsertMappingContext(ctx, &schema.Mapping{
		Kind:         schema.KindTask,
		SourceID:     srcID,
		SinkID:       stk.PageID,
		SinkURL:      stk.URL,
		LastSyncedAt: now,
	})
}

// ensureLabel returns the source identifier for a label name, creating
// the label if the source doesn't have it yet.
func (e *Engine) ensureLabel(ctx context.Context, st *runState, name string) (string, error) {
	if id, ok := st.labelIDByName[name]; ok {
		return id, nil
	}
	l, err := e.source.CreateLabel(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to create label %q: %w", name, err)
	}
	st.labelIDByName[l.Name] = l.ID
	st.labelNameByID[l.ID] = l.Name
	return l.ID, nil
}

// hasLabel reports whether the source task carries the named label.
func (e *Engine) hasLabel(st *runState, t *schema.Task, name string) bool {
	for _, id := range t.LabelIDs {
		if st.labelNameByID[id] == name {
			return true
		}
	}
	return false
}

// sameDate compares due dates by calendar day; both systems store
// dates, not instants.
func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
