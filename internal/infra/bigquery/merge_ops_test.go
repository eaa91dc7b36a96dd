package bigquery

import (
	"strings"
	"testing"
)

func sampleMergeRequest() MergeRequest {
	return MergeRequest{
		Dataset:        "Acme",
		StageTable:     "_stage_Shop__All__EventsReport",
		TargetTable:    "Shop__All__EventsReport",
		PrimaryKey:     []string{"date", "eventAction"},
		IncrementalKey: "_batched_at",
		Columns:        []string{"date", "eventAction", "users", "_source_id", "_batched_at"},
	}
}

func TestRenderMergeSQL(t *testing.T) {
	sql, err := RenderMergeSQL(sampleMergeRequest())
	if err != nil {
		t.Fatalf("RenderMergeSQL() error = %v", err)
	}

	wants := []string{
		"CREATE TABLE IF NOT EXISTS `Acme`.`Shop__All__EventsReport`\nLIKE `Acme`.`_stage_Shop__All__EventsReport`;",
		"MERGE `Acme`.`Shop__All__EventsReport` AS target",
		"PARTITION BY `date`, `eventAction`",
		"ORDER BY `_batched_at` DESC",
		"FROM `Acme`.`_stage_Shop__All__EventsReport`",
		"target.`date` IS NOT DISTINCT FROM source.`date`",
		"AND target.`eventAction` IS NOT DISTINCT FROM source.`eventAction`",
		"WHEN MATCHED AND source.`_batched_at` >= target.`_batched_at` THEN",
		"INSERT (`date`, `eventAction`, `users`, `_source_id`, `_batched_at`)",
		"VALUES (source.`date`, source.`eventAction`, source.`users`, source.`_source_id`, source.`_batched_at`);",
	}
	for _, w := range wants {
		if !strings.Contains(sql, w) {
			t.Errorf("merge SQL missing %q\n---\n%s", w, sql)
		}
	}
}

func TestRenderMergeSQL_Deterministic(t *testing.T) {
	a, err := RenderMergeSQL(sampleMergeRequest())
	if err != nil {
		t.Fatal(err)
	}
	b, _ := RenderMergeSQL(sampleMergeRequest())
	if a != b {
		t.Error("RenderMergeSQL() output differs between calls")
	}
}

func TestRenderMergeSQL_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*MergeRequest)
	}{
		{name: "no primary key", mutate: func(r *MergeRequest) { r.PrimaryKey = nil }},
		{name: "no columns", mutate: func(r *MergeRequest) { r.Columns = nil }},
		{name: "injected column", mutate: func(r *MergeRequest) { r.PrimaryKey = []string{"date` = 1; --"} }},
		{name: "bad incremental key", mutate: func(r *MergeRequest) { r.IncrementalKey = "" }},
		{name: "bad target", mutate: func(r *MergeRequest) { r.TargetTable = "a.b" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := sampleMergeRequest()
			tt.mutate(&req)
			if _, err := RenderMergeSQL(req); err == nil {
				t.Error("RenderMergeSQL() expected error")
			}
		})
	}
}
