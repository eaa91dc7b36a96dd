package jobs

import (
	"context"
	"slices"
	"time"
)

// JobStatus represents the current status of a warehouse load job.
type JobStatus string

const (
	// JobStatusPending indicates the job was created but not yet started in the warehouse.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the warehouse accepted the job and it has not finished.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the load finished without error.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the load or its merge failed.
	JobStatusFailed JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// LoadJob tracks one report's load into its staging table and the merge
// into the permanent table that follows it.
type LoadJob struct {
	// JobID is the warehouse job identifier.
	JobID string `json:"job_id"`

	// Location is the warehouse region the job runs in.
	Location string `json:"location,omitempty"`

	// RunID is the pipeline run that submitted the job.
	RunID string `json:"run_id,omitempty"`

	// ReportName is the report kind the rows belong to.
	ReportName string `json:"report_name"`

	Dataset     string   `json:"dataset"`
	TargetTable string   `json:"target_table"`
	StageTable  string   `json:"stage_table"`
	PrimaryKey  []string `json:"primary_key"`
	Columns     []string `json:"columns"`

	// Rows is the number of rows submitted to the load.
	Rows int `json:"rows"`

	Status JobStatus `json:"status"`

	// OutputRows is the row count reported by the warehouse once the load succeeds.
	OutputRows *int64 `json:"output_rows,omitempty"`

	// Merged is set once the merge into TargetTable has completed.
	Merged bool `json:"merged"`

	// Error contains error details if the load failed.
	Error string `json:"error,omitempty"`

	// MergeError is set when the load succeeded but the last merge attempt failed.
	MergeError string `json:"merge_error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy of the job.
func (j *LoadJob) Clone() *LoadJob {
	c := *j
	c.PrimaryKey = slices.Clone(j.PrimaryKey)
	c.Columns = slices.Clone(j.Columns)
	if j.OutputRows != nil {
		v := *j.OutputRows
		c.OutputRows = &v
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// JobStore defines the interface for storing and retrieving load job state.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *LoadJob) error

	// ListJobs retrieves jobs with optional filtering, oldest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*LoadJob, error)
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	RunID      string
	ReportName string
	Status     JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
