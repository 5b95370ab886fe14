// Package notion implements the sink adapter against the Notion API.
//
// The adapter owns all property-name translation: the engine speaks in
// logical fields and the configured SinkSchema maps those to the
// workspace's actual property names. Pages whose title cannot be
// resolved are returned with an empty Name; the engine decides what to
// do with them.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/engine"
	"github.com/taskmirror/taskmirror/internal/schema"
)

const (
	defaultBaseURL = "https://api.notion.com"
	apiVersion     = "2022-06-28"
	pageSize       = 100

	statusActive   = "Active"
	statusArchived = "Archived"
)

// Databases holds the sink database identifiers. Categories may be
// empty; QueryCategories then reports no categories.
type Databases struct {
	Projects   string
	Tasks      string
	Categories string
}

// Options configures optional Client behavior.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Client is a Notion API client implementing engine.Sink.
type Client struct {
	httpClient *http.Client
	token      string
	baseURL    string
	dbs        Databases
	props      config.SinkSchema
	logger     *log.Logger
}

var _ engine.Sink = (*Client)(nil)

// New creates a Client. The schema names every property the adapter
// reads or writes; callers validate it before constructing the client.
func New(token string, dbs Databases, props config.SinkSchema, opts *Options) *Client {
	if opts == nil {
		opts = &Options{}
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defaultBaseURL
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = log.New(os.Stderr, "[notion] ", log.LstdFlags)
	}
	return &Client{
		httpClient: opts.HTTPClient,
		token:      token,
		baseURL:    opts.BaseURL,
		dbs:        dbs,
		props:      props,
		logger:     opts.Logger,
	}
}

// ===== wire types =====

type richText struct {
	PlainText string `json:"plain_text,omitempty"`
	Text      *struct {
		Content string `json:"content"`
	} `json:"text,omitempty"`
}

type selectOption struct {
	Name string `json:"name"`
}

type dateValue struct {
	Start string `json:"start"`
}

type relationRef struct {
	ID string `json:"id"`
}

type property struct {
	Type     string        `json:"type"`
	Title    []richText    `json:"title"`
	RichText []richText    `json:"rich_text"`
	Select   *selectOption `json:"select"`
	Checkbox bool          `json:"checkbox"`
	Date     *dateValue    `json:"date"`
	Relation []relationRef `json:"relation"`
}

type page struct {
	ID         string              `json:"id"`
	URL        string              `json:"url"`
	Properties map[string]property `json:"properties"`
}

type queryResponse struct {
	Results    []page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

// ===== queries =====

// QueryProjects returns every page of the projects database.
func (c *Client) QueryProjects(ctx context.Context) ([]*engine.SinkProject, error) {
	pages, err := c.queryAll(ctx, c.dbs.Projects)
	if err != nil {
		return nil, fmt.Errorf("failed to query projects database: %w", err)
	}
	out := make([]*engine.SinkProject, 0, len(pages))
	for _, p := range pages {
		out = append(out, c.parseProject(p))
	}
	return out, nil
}

// QueryTasks returns every page of the tasks database.
func (c *Client) QueryTasks(ctx context.Context) ([]*engine.SinkTask, error) {
	pages, err := c.queryAll(ctx, c.dbs.Tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks database: %w", err)
	}
	out := make([]*engine.SinkTask, 0, len(pages))
	for _, p := range pages {
		out = append(out, c.parseTask(p))
	}
	return out, nil
}

// QueryCategories reads the grouping table. With no categories database
// configured it reports no categories rather than an error.
func (c *Client) QueryCategories(ctx context.Context) ([]schema.Category, error) {
	if c.dbs.Categories == "" {
		return nil, nil
	}
	pages, err := c.queryAll(ctx, c.dbs.Categories)
	if err != nil {
		return nil, fmt.Errorf("failed to query categories database: %w", err)
	}
	out := make([]schema.Category, 0, len(pages))
	for _, p := range pages {
		name := plainText(p.Properties[c.props.Title].Title)
		if name == "" {
			// Category rows may use a differently named title property;
			// fall back to whichever property is the title.
			for _, prop := range p.Properties {
				if prop.Type == "title" {
					name = plainText(prop.Title)
					break
				}
			}
		}
		out = append(out, schema.Category{Name: name, SinkID: p.ID})
	}
	return out, nil
}

// queryAll walks the database query cursor until has_more is false.
func (c *Client) queryAll(ctx context.Context, databaseID string) ([]page, error) {
	var pages []page
	cursor := ""
	for {
		body := map[string]interface{}{"page_size": pageSize}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		var resp queryResponse
		path := fmt.Sprintf("/v1/databases/%s/query", databaseID)
		if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
			return nil, err
		}
		pages = append(pages, resp.Results...)

		if !resp.HasMore || resp.NextCursor == "" {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

// ===== writes =====

// CreatePage creates a page in the given database.
func (c *Client) CreatePage(ctx context.Context, db engine.Database, props engine.Properties) (*engine.PageRef, error) {
	id, err := c.databaseID(db)
	if err != nil {
		return nil, err
	}

	body := map[string]interface{}{
		"parent":     map[string]interface{}{"database_id": id},
		"properties": c.buildProperties(props),
	}

	var created page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &created); err != nil {
		return nil, fmt.Errorf("failed to create page in %s database: %w", db, err)
	}
	return &engine.PageRef{ID: created.ID, URL: created.URL}, nil
}

// UpdatePage applies a property set to an existing page.
func (c *Client) UpdatePage(ctx context.Context, pageID string, props engine.Properties) error {
	body := map[string]interface{}{
		"properties": c.buildProperties(props),
	}
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, body, nil); err != nil {
		return fmt.Errorf("failed to update page %s: %w", pageID, err)
	}
	return nil
}

func (c *Client) databaseID(db engine.Database) (string, error) {
	switch db {
	case engine.DatabaseProjects:
		return c.dbs.Projects, nil
	case engine.DatabaseTasks:
		return c.dbs.Tasks, nil
	case engine.DatabaseCategories:
		if c.dbs.Categories == "" {
			return "", fmt.Errorf("no categories database configured")
		}
		return c.dbs.Categories, nil
	default:
		return "", fmt.Errorf("unknown database %q", db)
	}
}

// ===== property translation =====

// propName resolves a logical field to the workspace's property name.
func (c *Client) propName(f engine.Field) string {
	switch f {
	case engine.FieldTitle:
		return c.props.Title
	case engine.FieldSourceID:
		return c.props.SourceID
	case engine.FieldOrigin:
		return c.props.Origin
	case engine.FieldArchived:
		return c.props.Status
	case engine.FieldCategory:
		return c.props.Category
	case engine.FieldLastSynced:
		return c.props.LastSynced
	case engine.FieldDone:
		return c.props.Done
	case engine.FieldDue:
		return c.props.Due
	case engine.FieldProject:
		return c.props.Project
	case engine.FieldLabel:
		return c.props.Label
	default:
		return string(f)
	}
}

// buildProperties renders a typed property set into Notion's payload
// shape. The archived flag is a select on project pages, not a
// checkbox; it translates to the Active/Archived status options.
func (c *Client) buildProperties(props engine.Properties) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for field, val := range props {
		name := c.propName(field)

		if field == engine.FieldArchived {
			status := statusActive
			if val.Flag {
				status = statusArchived
			}
			out[name] = map[string]interface{}{
				"select": map[string]interface{}{"name": status},
			}
			continue
		}

		switch val.Kind {
		case engine.PropText:
			rt := []map[string]interface{}{
				{"text": map[string]interface{}{"content": val.Text}},
			}
			if field == engine.FieldTitle {
				out[name] = map[string]interface{}{"title": rt}
			} else {
				out[name] = map[string]interface{}{"rich_text": rt}
			}
		case engine.PropSelect:
			if val.Text == "" {
				out[name] = map[string]interface{}{"select": nil}
			} else {
				out[name] = map[string]interface{}{
					"select": map[string]interface{}{"name": val.Text},
				}
			}
		case engine.PropFlag:
			out[name] = map[string]interface{}{"checkbox": val.Flag}
		case engine.PropDate:
			if val.Date == nil {
				out[name] = map[string]interface{}{"date": nil}
			} else {
				out[name] = map[string]interface{}{
					"date": map[string]interface{}{
						"start": val.Date.UTC().Format("2006-01-02"),
					},
				}
			}
		case engine.PropRelation:
			refs := []map[string]interface{}{}
			if val.Relation != "" {
				refs = append(refs, map[string]interface{}{"id": val.Relation})
			}
			out[name] = map[string]interface{}{"relation": refs}
		}
	}
	return out
}

func (c *Client) parseProject(p page) *engine.SinkProject {
	sp := &engine.SinkProject{
		PageID:   p.ID,
		URL:      p.URL,
		Name:     plainText(p.Properties[c.props.Title].Title),
		SourceID: plainText(p.Properties[c.props.SourceID].RichText),
	}
	if sel := p.Properties[c.props.Origin].Select; sel != nil {
		sp.Origin = sel.Name
	}
	if sel := p.Properties[c.props.Status].Select; sel != nil {
		sp.Archived = sel.Name == statusArchived
	}
	if rel := p.Properties[c.props.Category].Relation; len(rel) > 0 {
		sp.Category = rel[0].ID
	}
	return sp
}

func (c *Client) parseTask(p page) *engine.SinkTask {
	st := &engine.SinkTask{
		PageID:   p.ID,
		URL:      p.URL,
		Name:     plainText(p.Properties[c.props.Title].Title),
		SourceID: plainText(p.Properties[c.props.SourceID].RichText),
		Done:     p.Properties[c.props.Done].Checkbox,
		Due:      parseDate(p.Properties[c.props.Due].Date),
	}
	if rel := p.Properties[c.props.Project].Relation; len(rel) > 0 {
		st.ProjectPageID = rel[0].ID
	}
	if sel := p.Properties[c.props.Label].Select; sel != nil {
		st.Label = sel.Name
	}
	return st
}

// plainText concatenates a rich-text array. Returns "" for a missing or
// empty property, which callers treat as an unresolvable value.
func plainText(rts []richText) string {
	var out string
	for _, rt := range rts {
		if rt.PlainText != "" {
			out += rt.PlainText
		} else if rt.Text != nil {
			out += rt.Text.Content
		}
	}
	return out
}

// parseDate accepts both date-only and datetime starts.
func parseDate(d *dateValue) *time.Time {
	if d == nil || d.Start == "" {
		return nil
	}
	if t, err := time.Parse("2006-01-02", d.Start); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, d.Start); err == nil {
		return &t
	}
	return nil
}

// ===== transport =====

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Notion-Version", apiVersion)
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
		return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, truncate(data, 300))
	}

	if out != nil {
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
