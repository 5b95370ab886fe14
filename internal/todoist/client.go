// Package todoist implements the source adapter against the Todoist
// REST v2 and Sync v9 APIs.
//
// REST covers the straightforward CRUD surface. The Sync API fills the
// gaps REST leaves: listing archived projects, the recently-completed
// task feed, fetching a completed task by id, archiving, and moving a
// task between projects.
package todoist

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/taskmirror/taskmirror/internal/engine"
	"github.com/taskmirror/taskmirror/internal/schema"
)

const (
	defaultBaseURL = "https://api.todoist.com/rest/v2"
	defaultSyncURL = "https://api.todoist.com/sync/v9"

	completedLimit = 200
)

// Options configures optional Client behavior.
type Options struct {
	BaseURL    string
	SyncURL    string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client is a Todoist API client implementing engine.Source.
type Client struct {
	httpClient *http.Client
	token      string
	baseURL    string
	syncURL    string
	logger     *log.Logger

	// REST v2 attaches label names to tasks, not identifiers. The
	// cache translates between the two; CreateLabel keeps it current.
	mu          sync.Mutex
	labelIDs    map[string]string // name → id
	labelNames  map[string]string // id → name
	labelsFresh bool
}

var _ engine.Source = (*Client)(nil)

// New creates a Client authenticating with the given API token.
func New(token string, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.SyncURL == "" {
		opts.SyncURL = defaultSyncURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[todoist] ", log.LstdFlags)
	}
	return &Client{
		httpClient: opts.HTTPClient,
		token:      token,
		baseURL:    opts.BaseURL,
		syncURL:    opts.SyncURL,
		logger:     opts.Logger,
		labelIDs:   make(map[string]string),
		labelNames: make(map[string]string),
	}
}

// ===== wire types =====

type syncProject struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	ParentID   string `json:"parent_id"`
	IsArchived bool   `json:"is_archived"`
	IsDeleted  bool   `json:"is_deleted"`
}

type restProject struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
}

type restDue struct {
	Date string `json:"date"`
}

type restTask struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	ProjectID   string   `json:"project_id"`
	Due         *restDue `json:"due"`
	Labels      []string `json:"labels"`
	IsCompleted bool     `json:"is_completed"`
}

type restLabel struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type completedItem struct {
	TaskID    string `json:"task_id"`
	Content   string `json:"content"`
	ProjectID string `json:"project_id"`
}

type syncItem struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	ProjectID string   `json:"project_id"`
	Due       *restDue `json:"due"`
	Labels    []string `json:"labels"`
	Checked   bool     `json:"checked"`
	IsDeleted bool     `json:"is_deleted"`
}

// ===== projects =====

// ListProjects returns every project, archived ones included. The Sync
// API is used because the REST listing omits archived projects.
func (c *Client) ListProjects(ctx context.Context) ([]*schema.Project, error) {
	body := map[string]interface{}{
		"sync_token":     "*",
		"resource_types": []string{"projects"},
	}
	var resp struct {
		Projects []syncProject `json:"projects"`
	}
	if err := c.do(ctx, http.MethodPost, c.syncURL+"/sync", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}

	out := make([]*schema.Project, 0, len(resp.Projects))
	for _, p := range resp.Projects {
		if p.IsDeleted {
			continue
		}
		out = append(out, &schema.Project{
			SourceID:       p.ID,
			Name:           p.Name,
			ParentSourceID: p.ParentID,
			Archived:       p.IsArchived,
		})
	}
	return out, nil
}

// CreateProject creates a project and returns it with its assigned id.
func (c *Client) CreateProject(ctx context.Context, p *schema.Project) (*schema.Project, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	body := map[string]interface{}{"name": p.Name}
	if p.ParentSourceID != "" {
		body["parent_id"] = p.ParentSourceID
	}
	var created restProject
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/projects", body, &created); err != nil {
		return nil, fmt.Errorf("failed to create project %q: %w", p.Name, err)
	}
	return &schema.Project{
		SourceID:       created.ID,
		Name:           created.Name,
		ParentSourceID: created.ParentID,
	}, nil
}

// SetProjectArchived archives or unarchives a project. Only the Sync
// API exposes archiving.
func (c *Client) SetProjectArchived(ctx context.Context, id string, archived bool) error {
	typ := "project_unarchive"
	if archived {
		typ = "project_archive"
	}
	if err := c.syncCommand(ctx, typ, map[string]interface{}{"id": id}); err != nil {
		return fmt.Errorf("failed to %s project %s: %w", typ, id, err)
	}
	return nil
}

// ===== tasks =====

// ListTasks returns tasks. With activeOnly only active tasks are
// returned; otherwise the recently-completed feed is merged in.
func (c *Client) ListTasks(ctx context.Context, activeOnly bool) ([]*schema.Task, error) {
	var tasks []restTask
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/tasks", nil, &tasks); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	if err := c.refreshLabels(ctx); err != nil {
		return nil, err
	}

	out := make([]*schema.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, c.fromRestTask(t))
	}

	if activeOnly {
		return out, nil
	}
	done, err := c.ListRecentlyCompletedTasks(ctx)
	if err != nil {
		return nil, err
	}
	return append(out, done...), nil
}

// ListRecentlyCompletedTasks returns a bounded recent slice of the
// completed-task feed, newest first.
func (c *Client) ListRecentlyCompletedTasks(ctx context.Context) ([]*schema.Task, error) {
	body := map[string]interface{}{"limit": completedLimit}
	var resp struct {
		Items []completedItem `json:"items"`
	}
	if err := c.do(ctx, http.MethodPost, c.syncURL+"/completed/get_all", body, &resp); err != nil {
		return nil, fmt.Errorf("failed to list completed tasks: %w", err)
	}

	out := make([]*schema.Task, 0, len(resp.Items))
	for _, it := range resp.Items {
		out = append(out, &schema.Task{
			SourceID:        it.TaskID,
			Name:            it.Content,
			ProjectSourceID: it.ProjectID,
			Done:            true,
		})
	}
	return out, nil
}

// GetTask fetches a single task, completed ones included. A deleted or
// unknown task returns an error wrapping engine.ErrGone.
func (c *Client) GetTask(ctx context.Context, id string) (*schema.Task, error) {
	body := map[string]interface{}{"item_id": id}
	var resp struct {
		Item *syncItem `json:"item"`
	}
	err := c.do(ctx, http.MethodPost, c.syncURL+"/items/get", body, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.Code == http.StatusNotFound || se.Code == http.StatusBadRequest) {
			return nil, fmt.Errorf("task %s: %w", id, engine.ErrGone)
		}
		return nil, fmt.Errorf("failed to fetch task %s: %w", id, err)
	}
	if resp.Item == nil || resp.Item.IsDeleted {
		return nil, fmt.Errorf("task %s: %w", id, engine.ErrGone)
	}
	if err := c.refreshLabels(ctx); err != nil {
		return nil, err
	}

	it := resp.Item
	t := &schema.Task{
		SourceID:        it.ID,
		Name:            it.Content,
		ProjectSourceID: it.ProjectID,
		Due:             parseDue(it.Due),
		Done:            it.Checked,
	}
	for _, name := range it.Labels {
		if lid, ok := c.labelID(name); ok {
			t.LabelIDs = append(t.LabelIDs, lid)
		}
	}
	return t, nil
}

// CreateTask creates a task and returns it with its assigned id.
func (c *Client) CreateTask(ctx context.Context, t *schema.Task) (*schema.Task, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	body := map[string]interface{}{"content": t.Name}
	if t.ProjectSourceID != "" {
		body["project_id"] = t.ProjectSourceID
	}
	if t.Due != nil {
		body["due_date"] = t.Due.UTC().Format("2006-01-02")
	}
	if len(t.LabelIDs) > 0 {
		if err := c.refreshLabels(ctx); err != nil {
			return nil, err
		}
		var names []string
		for _, id := range t.LabelIDs {
			if name, ok := c.labelName(id); ok {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			body["labels"] = names
		}
	}

	var created restTask
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks", body, &created); err != nil {
		return nil, fmt.Errorf("failed to create task %q: %w", t.Name, err)
	}
	out := c.fromRestTask(created)
	return out, nil
}

// UpdateTask applies the given fields to an existing task. Moving a
// task between projects goes through the Sync API; REST task updates
// cannot change the project.
func (c *Client) UpdateTask(ctx context.Context, id string, fields engine.TaskFields) error {
	body := map[string]interface{}{}
	if fields.Name != "" {
		body["content"] = fields.Name
	}
	if fields.Due != nil {
		body["due_date"] = fields.Due.UTC().Format("2006-01-02")
	} else if fields.ClearDue {
		body["due_string"] = "no date"
	}
	if fields.LabelNames != nil {
		body["labels"] = fields.LabelNames
	}

	if len(body) > 0 {
		if err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks/"+id, body, nil); err != nil {
			return fmt.Errorf("failed to update task %s: %w", id, err)
		}
	}

	if fields.ProjectSourceID != "" {
		args := map[string]interface{}{"id": id, "project_id": fields.ProjectSourceID}
		if err := c.syncCommand(ctx, "item_move", args); err != nil {
			return fmt.Errorf("failed to move task %s: %w", id, err)
		}
	}
	return nil
}

// CloseTask marks a task completed.
func (c *Client) CloseTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks/"+id+"/close", nil, nil); err != nil {
		return fmt.Errorf("failed to close task %s: %w", id, err)
	}
	return nil
}

// ReopenTask marks a completed task active again.
func (c *Client) ReopenTask(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/tasks/"+id+"/reopen", nil, nil); err != nil {
		return fmt.Errorf("failed to reopen task %s: %w", id, err)
	}
	return nil
}

// ===== labels =====

// ListLabels returns every label.
func (c *Client) ListLabels(ctx context.Context) ([]*schema.Label, error) {
	var labels []restLabel
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/labels", nil, &labels); err != nil {
		return nil, fmt.Errorf("failed to list labels: %w", err)
	}

	c.mu.Lock()
	c.labelIDs = make(map[string]string, len(labels))
	c.labelNames = make(map[string]string, len(labels))
	out := make([]*schema.Label, 0, len(labels))
	for _, l := range labels {
		c.labelIDs[l.Name] = l.ID
		c.labelNames[l.ID] = l.Name
		out = append(out, &schema.Label{ID: l.ID, Name: l.Name})
	}
	c.labelsFresh = true
	c.mu.Unlock()

	return out, nil
}

// CreateLabel creates a label by name and returns it.
func (c *Client) CreateLabel(ctx context.Context, name string) (*schema.Label, error) {
	body := map[string]interface{}{"name": name}
	var created restLabel
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/labels", body, &created); err != nil {
		return nil, fmt.Errorf("failed to create label %q: %w", name, err)
	}

	c.mu.Lock()
	c.labelIDs[created.Name] = created.ID
	c.labelNames[created.ID] = created.Name
	c.mu.Unlock()

	return &schema.Label{ID: created.ID, Name: created.Name}, nil
}

// refreshLabels fills the translation cache if it has never been
// populated this process.
func (c *Client) refreshLabels(ctx context.Context) error {
	c.mu.Lock()
	fresh := c.labelsFresh
	c.mu.Unlock()
	if fresh {
		return nil
	}
	_, err := c.ListLabels(ctx)
	return err
}

func (c *Client) labelID(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.labelIDs[name]
	return id, ok
}

func (c *Client) labelName(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name, ok := c.labelNames[id]
	return name, ok
}

func (c *Client) fromRestTask(t restTask) *schema.Task {
	out := &schema.Task{
		SourceID:        t.ID,
		Name:            t.Content,
		ProjectSourceID: t.ProjectID,
		Due:             parseDue(t.Due),
		Done:            t.IsCompleted,
	}
	for _, name := range t.Labels {
		if id, ok := c.labelID(name); ok {
			out.LabelIDs = append(out.LabelIDs, id)
		}
	}
	return out
}

func parseDue(d *restDue) *time.Time {
	if d == nil || d.Date == "" {
		return nil
	}
	if t, err := time.Parse("2006-01-02", d.Date); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, d.Date); err == nil {
		return &t
	}
	return nil
}

// ===== sync commands =====

// syncCommand posts a single Sync API command and verifies the per-uuid
// status is "ok".
func (c *Client) syncCommand(ctx context.Context, typ string, args map[string]interface{}) error {
	uuid := newCommandID()
	body := map[string]interface{}{
		"commands": []map[string]interface{}{
			{"type": typ, "uuid": uuid, "args": args},
		},
	}
	var resp struct {
		SyncStatus map[string]json.RawMessage `json:"sync_status"`
	}
	if err := c.do(ctx, http.MethodPost, c.syncURL+"/sync", body, &resp); err != nil {
		return err
	}

	raw, ok := resp.SyncStatus[uuid]
	if !ok {
		return fmt.Errorf("command %s: no status returned", typ)
	}
	var status string
	if err := json.Unmarshal(raw, &status); err == nil && status == "ok" {
		return nil
	}
	return fmt.Errorf("command %s rejected: %s", typ, string(raw))
}

func newCommandID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ===== transport =====

// statusError preserves the HTTP status so callers can distinguish a
// gone entity from a transport failure.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func (c *Client) do(ctx context.Context, method, url string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{Code: resp.StatusCode, Body: truncate(data, 300)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
