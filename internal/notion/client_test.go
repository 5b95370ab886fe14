package notion

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/taskmirror/taskmirror/internal/config"
	"github.com/taskmirror/taskmirror/internal/engine"
)

func testSchema() config.SinkSchema {
	return config.SinkSchema{
		Title: "Name", SourceID: "Todoist ID", Origin: "Source",
		Status: "Status", Category: "Category", LastSynced: "Last Synced",
		Done: "Done", Due: "Due", Project: "Project", Label: "Label",
	}
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New("secret", Databases{
		Projects: "db-projects", Tasks: "db-tasks", Categories: "db-cats",
	}, testSchema(), &Options{BaseURL: srv.URL})
}

func titleProp(s string) map[string]interface{} {
	return map[string]interface{}{
		"type":  "title",
		"title": []map[string]interface{}{{"plain_text": s}},
	}
}

func richTextProp(s string) map[string]interface{} {
	return map[string]interface{}{
		"type":      "rich_text",
		"rich_text": []map[string]interface{}{{"plain_text": s}},
	}
}

func selectProp(s string) map[string]interface{} {
	return map[string]interface{}{
		"type":   "select",
		"select": map[string]interface{}{"name": s},
	}
}

func TestQueryProjects_ParsesProperties(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/databases/db-projects/query" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Notion-Version"); got != apiVersion {
			t.Errorf("Notion-Version = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"has_more": false,
			"results": []map[string]interface{}{{
				"id":  "pg1",
				"url": "https://notion.so/pg1",
				"properties": map[string]interface{}{
					"Name":       titleProp("Errands"),
					"Todoist ID": richTextProp("p1"),
					"Source":     selectProp("Todoist"),
					"Status":     selectProp("Archived"),
				},
			}},
		})
	}))

	projects, err := client.QueryProjects(context.Background())
	if err != nil {
		t.Fatalf("QueryProjects failed: %v", err)
	}
	if len(projects) != 1 {
		t.Fatalf("expected 1 project, got %d", len(projects))
	}
	p := projects[0]
	if p.PageID != "pg1" || p.Name != "Errands" || p.SourceID != "p1" {
		t.Errorf("unexpected project: %+v", p)
	}
	if p.Origin != "Todoist" || !p.Archived {
		t.Errorf("unexpected origin/archived: %+v", p)
	}
}

func TestQueryProjects_MissingTitleYieldsEmptyName(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"has_more": false,
			"results": []map[string]interface{}{{
				"id":         "pg1",
				"url":        "https://notion.so/pg1",
				"properties": map[string]interface{}{},
			}},
		})
	}))

	projects, err := client.QueryProjects(context.Background())
	if err != nil {
		t.Fatalf("QueryProjects failed: %v", err)
	}
	if projects[0].Name != "" {
		t.Errorf("Name = %q, want empty for unresolvable title", projects[0].Name)
	}
}

func TestQueryTasks_WalksPagination(t *testing.T) {
	calls := 0
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body struct {
			StartCursor string `json:"start_cursor"`
			PageSize    int    `json:"page_size"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		switch calls {
		case 1:
			if body.StartCursor != "" {
				t.Errorf("first call has cursor %q", body.StartCursor)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"has_more":    true,
				"next_cursor": "c2",
				"results": []map[string]interface{}{{
					"id": "pg1", "properties": map[string]interface{}{"Name": titleProp("One")},
				}},
			})
		case 2:
			if body.StartCursor != "c2" {
				t.Errorf("second call cursor = %q, want c2", body.StartCursor)
			}
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"has_more": false,
				"results": []map[string]interface{}{{
					"id": "pg2", "properties": map[string]interface{}{"Name": titleProp("Two")},
				}},
			})
		default:
			t.Errorf("unexpected call %d", calls)
		}
	}))

	tasks, err := client.QueryTasks(context.Background())
	if err != nil {
		t.Fatalf("QueryTasks failed: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 tasks across pages, got %d", len(tasks))
	}
	if tasks[0].Name != "One" || tasks[1].Name != "Two" {
		t.Errorf("unexpected tasks: %+v, %+v", tasks[0], tasks[1])
	}
}

func TestQueryTasks_ParsesDateCheckboxRelationSelect(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"has_more": false,
			"results": []map[string]interface{}{{
				"id": "pg1",
				"properties": map[string]interface{}{
					"Name":       titleProp("Buy milk"),
					"Todoist ID": richTextProp("t1"),
					"Done":       map[string]interface{}{"type": "checkbox", "checkbox": true},
					"Due": map[string]interface{}{
						"type": "date",
						"date": map[string]interface{}{"start": "2026-09-01"},
					},
					"Project": map[string]interface{}{
						"type":     "relation",
						"relation": []map[string]interface{}{{"id": "proj-page"}},
					},
					"Label": selectProp("groceries"),
				},
			}},
		})
	}))

	tasks, err := client.QueryTasks(context.Background())
	if err != nil {
		t.Fatalf("QueryTasks failed: %v", err)
	}
	task := tasks[0]
	if !task.Done || task.ProjectPageID != "proj-page" || task.Label != "groceries" {
		t.Errorf("unexpected task: %+v", task)
	}
	if task.Due == nil || !task.Due.Equal(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Due = %v", task.Due)
	}
}

func TestQueryCategories_NoDatabaseConfigured(t *testing.T) {
	client := New("secret", Databases{Projects: "a", Tasks: "b"}, testSchema(), &Options{
		BaseURL: "http://127.0.0.1:0", // must not be contacted
	})
	cats, err := client.QueryCategories(context.Background())
	if err != nil {
		t.Fatalf("QueryCategories failed: %v", err)
	}
	if len(cats) != 0 {
		t.Errorf("expected no categories, got %d", len(cats))
	}
}

func TestCreatePage_BuildsPropertyPayload(t *testing.T) {
	var got map[string]interface{}
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/pages" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "pg-new", "url": "https://notion.so/pg-new",
		})
	}))

	due := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	ref, err := client.CreatePage(context.Background(), engine.DatabaseTasks, engine.Properties{
		engine.FieldTitle:    engine.Text("Buy milk"),
		engine.FieldSourceID: engine.Text("t1"),
		engine.FieldDone:     engine.Flag(true),
		engine.FieldDue:      engine.Date(&due),
		engine.FieldProject:  engine.Relation("proj-page"),
		engine.FieldLabel:    engine.Select("groceries"),
	})
	if err != nil {
		t.Fatalf("CreatePage failed: %v", err)
	}
	if ref.ID != "pg-new" {
		t.Errorf("ref.ID = %q", ref.ID)
	}

	parent := got["parent"].(map[string]interface{})
	if parent["database_id"] != "db-tasks" {
		t.Errorf("parent = %v", parent)
	}
	props := got["properties"].(map[string]interface{})
	if _, ok := props["Name"].(map[string]interface{})["title"]; !ok {
		t.Error("title property missing")
	}
	if _, ok := props["Todoist ID"].(map[string]interface{})["rich_text"]; !ok {
		t.Error("rich_text property missing")
	}
	if props["Done"].(map[string]interface{})["checkbox"] != true {
		t.Error("checkbox not set")
	}
	date := props["Due"].(map[string]interface{})["date"].(map[string]interface{})
	if date["start"] != "2026-09-01" {
		t.Errorf("date start = %v", date["start"])
	}
}

func TestBuildProperties_ArchivedTranslatesToStatusSelect(t *testing.T) {
	client := New("secret", Databases{}, testSchema(), nil)

	props := client.buildProperties(engine.Properties{
		engine.FieldArchived: engine.Flag(true),
	})
	sel := props["Status"].(map[string]interface{})["select"].(map[string]interface{})
	if sel["name"] != statusArchived {
		t.Errorf("select name = %v, want %s", sel["name"], statusArchived)
	}

	props = client.buildProperties(engine.Properties{
		engine.FieldArchived: engine.Flag(false),
	})
	sel = props["Status"].(map[string]interface{})["select"].(map[string]interface{})
	if sel["name"] != statusActive {
		t.Errorf("select name = %v, want %s", sel["name"], statusActive)
	}
}

func TestUpdatePage_PatchesPage(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/v1/pages/pg1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		fmt.Fprint(w, "{}")
	}))

	err := client.UpdatePage(context.Background(), "pg1", engine.Properties{
		engine.FieldTitle: engine.Text("Renamed"),
	})
	if err != nil {
		t.Fatalf("UpdatePage failed: %v", err)
	}
}

func TestDo_NonSuccessStatusIsError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"message":"API token is invalid."}`)
	}))

	_, err := client.QueryProjects(context.Background())
	if err == nil {
		t.Fatal("expected an error for 401")
	}
}
