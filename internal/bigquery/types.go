package bigquery

import (
	"context"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/report"
)

// Metadata columns stamped on every loaded row.
const (
	SourceIDColumn  = "_source_id"
	BatchedAtColumn = "_batched_at"
)

// Warehouse provides the operations the load coordinator needs from the
// analytical warehouse.
type Warehouse interface {
	// EnsureDataset creates the dataset if it does not already exist.
	EnsureDataset(ctx context.Context, dataset string) error

	// StartLoad submits a load job into a staging table and returns without
	// waiting for it to finish.
	StartLoad(ctx context.Context, req LoadRequest) (JobRef, error)

	// LoadStatus returns the current state of a previously started load.
	LoadStatus(ctx context.Context, ref JobRef) (LoadStatus, error)

	// Merge upserts the staging table into the target table. It is safe to
	// run repeatedly for the same staging contents.
	Merge(ctx context.Context, req MergeRequest) error

	// CountRows returns the number of rows in a table.
	CountRows(ctx context.Context, dataset, table string) (int64, error)
}

// RunRecorder persists an audit row per pipeline run.
type RunRecorder interface {
	// StartIngestRun inserts a run with status=RUNNING.
	StartIngestRun(ctx context.Context, row *IngestRunRow) error

	// MarkIngestRunFailed sets status=FAILED, finished_ts and error_message.
	MarkIngestRunFailed(ctx context.Context, runID string, runErr error)

	// MarkIngestRunSucceeded sets status=SUCCESS, finished_ts and the per-report summary.
	MarkIngestRunSucceeded(ctx context.Context, runID string, reportsFetched, rowsFetched int64, summary string) error
}

// JobRef identifies a warehouse job.
type JobRef struct {
	ID       string
	Location string
}

// LoadRequest describes one staging load.
type LoadRequest struct {
	// JobID is used as the warehouse job ID so a retried submit cannot start
	// a second copy of the same load.
	JobID   string
	Dataset string
	Table   string

	// Schema lists report columns; metadata columns are appended by the warehouse.
	Schema []report.Field
	Rows   []map[string]any
}

// LoadStatus is a snapshot of a load job.
type LoadStatus struct {
	Done bool

	// Err is set when the job finished unsuccessfully.
	Err error

	// OutputRows is set once the job finished successfully.
	OutputRows *int64
}

// MergeRequest parameterizes the staging-to-target merge.
type MergeRequest struct {
	Dataset     string
	StageTable  string
	TargetTable string

	// PrimaryKey is the full dimension tuple of the report.
	PrimaryKey []string

	// IncrementalKey orders duplicate keys in the stage; the newest wins.
	IncrementalKey string

	// Columns lists every column of the target table in order.
	Columns []string
}

// IngestRunRow represents one pipeline run in the ops dataset.
type IngestRunRow struct {
	RunID  string `bigquery:"run_id"`  // REQUIRED
	ViewID string `bigquery:"view_id"` // REQUIRED

	Account  string `bigquery:"account"`
	Property string `bigquery:"property"`
	View     string `bigquery:"view"`

	StartDate string `bigquery:"start_date"`
	EndDate   string `bigquery:"end_date"`

	StartedTS  time.Time              `bigquery:"started_ts"`  // REQUIRED
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	Status       string `bigquery:"status"`        // NULLABLE
	ErrorMessage string `bigquery:"error_message"` // NULLABLE

	ReportsFetched bigquery.NullInt64 `bigquery:"reports_fetched"` // NULLABLE
	RowsFetched    bigquery.NullInt64 `bigquery:"rows_fetched"`    // NULLABLE

	Summary bigquery.NullJSON `bigquery:"summary"` // NULLABLE
}
