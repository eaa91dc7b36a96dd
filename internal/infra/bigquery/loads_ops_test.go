package bigquery

import (
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/analytics-ingest/internal/report"
)

func TestStageSchema(t *testing.T) {
	spec, err := report.Lookup("Ages")
	if err != nil {
		t.Fatal(err)
	}

	schema, err := StageSchema(spec.Schema)
	if err != nil {
		t.Fatalf("StageSchema() error = %v", err)
	}

	if len(schema) != len(spec.Schema)+2 {
		t.Fatalf("schema has %d fields, want %d", len(schema), len(spec.Schema)+2)
	}

	want := map[string]bigquery.FieldType{
		"date":           bigquery.DateFieldType,
		"userAgeBracket": bigquery.StringFieldType,
		"users":          bigquery.IntegerFieldType,
		"bounceRate":     bigquery.FloatFieldType,
		"_source_id":     bigquery.StringFieldType,
		"_batched_at":    bigquery.TimestampFieldType,
	}
	for _, f := range schema {
		if w, ok := want[f.Name]; ok && f.Type != w {
			t.Errorf("field %s type = %s, want %s", f.Name, f.Type, w)
		}
	}

	last := schema[len(schema)-1]
	if last.Name != "_batched_at" || !last.Required {
		t.Errorf("last field = %+v, want required _batched_at", last)
	}
}

func TestStageSchema_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		fields []report.Field
	}{
		{name: "bad column", fields: []report.Field{{Name: "bad name", Type: report.FieldString}}},
		{name: "bad type", fields: []report.Field{{Name: "x", Type: "GEOGRAPHY"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := StageSchema(tt.fields); err == nil {
				t.Error("StageSchema() expected error")
			}
		})
	}
}

func TestEncodeNDJSON(t *testing.T) {
	batched := time.Date(2021, 6, 2, 3, 4, 5, 123456789, time.UTC)
	rows := []map[string]any{
		{"date": "2021-06-01", "users": int64(3), "bounceRate": 12.5, "_source_id": "42", "_batched_at": batched},
		{"date": civil.Date{Year: 2021, Month: 6, Day: 2}, "users": int64(0), "bounceRate": 0.0, "_source_id": "42", "_batched_at": batched},
	}

	data, err := EncodeNDJSON(rows)
	if err != nil {
		t.Fatalf("EncodeNDJSON() error = %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), data)
	}

	wantFirst := `{"_batched_at":"2021-06-02 03:04:05.123456","_source_id":"42","bounceRate":12.5,"date":"2021-06-01","users":3}`
	if lines[0] != wantFirst {
		t.Errorf("line 0 =\n%s\nwant\n%s", lines[0], wantFirst)
	}
	if !strings.Contains(lines[1], `"date":"2021-06-02"`) {
		t.Errorf("civil.Date not rendered as ISO date: %s", lines[1])
	}

	again, _ := EncodeNDJSON(rows)
	if string(again) != string(data) {
		t.Error("EncodeNDJSON() is not deterministic")
	}
}

func TestLoadStatusFrom(t *testing.T) {
	t.Run("running", func(t *testing.T) {
		got := loadStatusFrom(&bigquery.JobStatus{State: bigquery.Running})
		if got.Done || got.OutputRows != nil {
			t.Errorf("loadStatusFrom(running) = %+v", got)
		}
	})

	t.Run("done with statistics", func(t *testing.T) {
		got := loadStatusFrom(&bigquery.JobStatus{
			State: bigquery.Done,
			Statistics: &bigquery.JobStatistics{
				Details: &bigquery.LoadStatistics{OutputRows: 7},
			},
		})
		if !got.Done || got.Err != nil {
			t.Fatalf("loadStatusFrom(done) = %+v", got)
		}
		if got.OutputRows == nil || *got.OutputRows != 7 {
			t.Errorf("OutputRows = %v, want 7", got.OutputRows)
		}
	})
}

func TestValidateTable_LoadTargets(t *testing.T) {
	tests := []struct {
		dataset, table string
		ok             bool
	}{
		{"AshleyAndEmily", "Shop__AllWebSiteData__EventsReport", true},
		{"AshleyAndEmily", "_stage_Shop__AllWebSiteData__EventsReport", true},
		{"bad-dataset", "t", false},
		{"ds", "t`; DROP TABLE x; --", false},
		{"", "t", false},
	}
	for _, tt := range tests {
		err := validateTable(tt.dataset, tt.table)
		if (err == nil) != tt.ok {
			t.Errorf("validateTable(%q, %q) error = %v, want ok=%v", tt.dataset, tt.table, err, tt.ok)
		}
	}
}
