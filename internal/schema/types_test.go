package schema

import (
	"strings"
	"testing"
	"time"
)

func TestRunSummary_Status(t *testing.T) {
	r := &RunSummary{}
	if got := r.Status(); got != "success" {
		t.Errorf("Status() = %q, want success", got)
	}

	r.Errors = append(r.Errors, "task \"x\": boom")
	if got := r.Status(); got != "partial_success" {
		t.Errorf("Status() = %q, want partial_success", got)
	}
}

func TestRunSummary_Message(t *testing.T) {
	r := &RunSummary{
		Projects: Stats{Checked: 4, Created: 1, Updated: 2},
		Tasks:    Stats{Checked: 9, Created: 3},
		Errors:   []string{"one"},
	}
	msg := r.Message()
	for _, want := range []string{"Sync complete!", "checked: 4", "checked: 9", "1 error(s)"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Message() = %q, missing %q", msg, want)
		}
	}
}

func TestRunSummary_SetDefaults(t *testing.T) {
	r := &RunSummary{}
	r.SetDefaults()
	if r.Timestamp.IsZero() {
		t.Error("timestamp not defaulted")
	}
	if r.Errors == nil {
		t.Error("errors not defaulted to empty slice")
	}
}

func TestMapping_Validate(t *testing.T) {
	valid := Mapping{Kind: KindTask, SourceID: "t1", SinkID: "pg1", LastSyncedAt: time.Now()}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid mapping rejected: %v", err)
	}

	tests := []struct {
		name string
		m    Mapping
	}{
		{"bad kind", Mapping{Kind: "widget", SourceID: "t1", SinkID: "pg1"}},
		{"missing source", Mapping{Kind: KindTask, SinkID: "pg1"}},
		{"missing sink", Mapping{Kind: KindProject, SourceID: "p1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.m.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStats_Add(t *testing.T) {
	a := Stats{Checked: 1, Created: 2, Updated: 3, Skipped: 4}
	a.Add(Stats{Checked: 10, Created: 20, Updated: 30, Skipped: 40})
	if a.Checked != 11 || a.Created != 22 || a.Updated != 33 || a.Skipped != 44 {
		t.Errorf("unexpected totals: %+v", a)
	}
}

func TestValidate_RequiresName(t *testing.T) {
	if err := (&Project{Name: "ok"}).Validate(); err != nil {
		t.Errorf("valid project rejected: %v", err)
	}
	if err := (&Project{}).Validate(); err == nil {
		t.Error("nameless project accepted")
	}
	if err := (&Task{Name: "ok"}).Validate(); err != nil {
		t.Errorf("valid task rejected: %v", err)
	}
	if err := (&Task{}).Validate(); err == nil {
		t.Error("nameless task accepted")
	}
}
