package config

import (
	"errors"
	"testing"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("TM_TODOIST_TOKEN", "todoist-secret")
	t.Setenv("TM_NOTION_TOKEN", "notion-secret")
	t.Setenv("TM_PROJECTS_DATABASE_ID", "db-projects")
	t.Setenv("TM_TASKS_DATABASE_ID", "db-tasks")
}

func TestLoad_FromEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Chdir(t.TempDir()) // avoid picking up a stray taskmirror.yaml

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.TodoistToken != "todoist-secret" {
		t.Errorf("TodoistToken = %q", cfg.TodoistToken)
	}
	if cfg.SourceTag != "Todoist" {
		t.Errorf("SourceTag default = %q, want Todoist", cfg.SourceTag)
	}
	if cfg.Port != 8080 {
		t.Errorf("Port default = %d, want 8080", cfg.Port)
	}
	if cfg.StorePath == "" {
		t.Error("StorePath default is empty")
	}
}

func TestLoad_SinkSchemaDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	s := cfg.SinkSchema
	if s.Title != "Name" || s.SourceID != "Todoist ID" || s.Origin != "Source" {
		t.Errorf("unexpected schema defaults: %+v", s)
	}
	if s.LastSynced != "Last Synced" || s.Done != "Done" {
		t.Errorf("unexpected schema defaults: %+v", s)
	}
}

func TestLoad_MissingRequiredValue(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("TM_NOTION_TOKEN", "")
	t.Chdir(t.TempDir())

	_, err := Load()
	if err == nil {
		t.Fatal("expected an error for missing notion token")
	}
	if !IsMissing(err) {
		t.Errorf("error %v is not a MissingError", err)
	}
	var me *MissingError
	if errors.As(err, &me) && me.Key != "notion_token" {
		t.Errorf("Key = %q, want notion_token", me.Key)
	}
}

func TestValidate_PortRange(t *testing.T) {
	cfg := &Config{
		TodoistToken:       "a",
		NotionToken:        "b",
		ProjectsDatabaseID: "c",
		TasksDatabaseID:    "d",
		StorePath:          "e",
		Port:               70000,
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected port range error")
	}
}

func TestSinkSchema_Validate(t *testing.T) {
	s := SinkSchema{
		Title: "Name", SourceID: "Todoist ID", Origin: "Source",
		Status: "Status", Category: "Category", LastSynced: "Last Synced",
		Done: "Done", Due: "Due", Project: "Project", Label: "Label",
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("valid schema rejected: %v", err)
	}

	s.Done = ""
	err := s.Validate()
	if err == nil {
		t.Fatal("expected error for empty property name")
	}
	if !IsMissing(err) {
		t.Errorf("error %v is not a MissingError", err)
	}
}
