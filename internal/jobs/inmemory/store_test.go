package inmemory

import (
	"context"
	"testing"
	"time"

	"github.com/dvloznov/analytics-ingest/internal/jobs"
)

func TestStore_SaveCopiesJob(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	rows := int64(3)
	job := &jobs.LoadJob{
		JobID:      "job-1",
		RunID:      "run-1",
		ReportName: "Events",
		PrimaryKey: []string{"date", "eventAction"},
		Status:     jobs.JobStatusPending,
		OutputRows: &rows,
	}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatalf("SaveJob() error = %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	job.PrimaryKey[0] = "mutated"
	*job.OutputRows = 99

	got, err := s.ListJobs(ctx, jobs.JobFilter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("ListJobs() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ListJobs() returned %d jobs, want 1", len(got))
	}
	if got[0].PrimaryKey[0] != "date" {
		t.Errorf("PrimaryKey[0] = %q, want %q", got[0].PrimaryKey[0], "date")
	}
	if *got[0].OutputRows != 3 {
		t.Errorf("OutputRows = %d, want 3", *got[0].OutputRows)
	}

	// Nor must mutating a listed copy.
	got[0].Status = jobs.JobStatusFailed
	again, _ := s.ListJobs(ctx, jobs.JobFilter{})
	if again[0].Status != jobs.JobStatusPending {
		t.Errorf("Status = %s after mutating a listed copy, want pending", again[0].Status)
	}
}

func TestStore_SaveRequiresID(t *testing.T) {
	if err := NewStore().SaveJob(context.Background(), &jobs.LoadJob{}); err == nil {
		t.Fatal("SaveJob() expected error for empty job ID")
	}
}

func TestStore_SaveOverwrites(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	job := &jobs.LoadJob{JobID: "j", RunID: "r", Status: jobs.JobStatusRunning}
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	job.Status = jobs.JobStatusSucceeded
	job.Merged = true
	if err := s.SaveJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	got, _ := s.ListJobs(ctx, jobs.JobFilter{RunID: "r"})
	if len(got) != 1 || got[0].Status != jobs.JobStatusSucceeded || !got[0].Merged {
		t.Errorf("ListJobs() = %+v, want one succeeded merged job", got)
	}
}

func TestStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	seed := []*jobs.LoadJob{
		{JobID: "a", RunID: "r1", ReportName: "Events", Status: jobs.JobStatusSucceeded, CreatedAt: base},
		{JobID: "b", RunID: "r1", ReportName: "Ages", Status: jobs.JobStatusFailed, CreatedAt: base.Add(time.Minute)},
		{JobID: "c", RunID: "r2", ReportName: "Events", Status: jobs.JobStatusRunning, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, j := range seed {
		if err := s.SaveJob(ctx, j); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name   string
		filter jobs.JobFilter
		want   []string
	}{
		{name: "all oldest first", filter: jobs.JobFilter{}, want: []string{"a", "b", "c"}},
		{name: "by run", filter: jobs.JobFilter{RunID: "r1"}, want: []string{"a", "b"}},
		{name: "by report", filter: jobs.JobFilter{ReportName: "Events"}, want: []string{"a", "c"}},
		{name: "by status", filter: jobs.JobFilter{Status: jobs.JobStatusFailed}, want: []string{"b"}},
		{name: "limit", filter: jobs.JobFilter{Limit: 1}, want: []string{"a"}},
		{name: "offset", filter: jobs.JobFilter{Offset: 2}, want: []string{"c"}},
		{name: "offset past end", filter: jobs.JobFilter{Offset: 5}, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListJobs(ctx, tt.filter)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ListJobs() returned %d jobs, want %d", len(got), len(tt.want))
			}
			for i, id := range tt.want {
				if got[i].JobID != id {
					t.Errorf("ListJobs()[%d] = %s, want %s", i, got[i].JobID, id)
				}
			}
		})
	}
}
