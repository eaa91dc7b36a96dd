package bigquery

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
)

// Re-export shared types so callers need only this package.
type (
	JobRef       = bq.JobRef
	LoadRequest  = bq.LoadRequest
	LoadStatus   = bq.LoadStatus
	MergeRequest = bq.MergeRequest
	IngestRunRow = bq.IngestRunRow
)

// ErrNotFound is returned when a job, dataset or table does not exist.
var ErrNotFound = errors.New("not found")

// DefaultLocation is used for datasets and jobs when none is configured.
const DefaultLocation = "US"

// Warehouse is the BigQuery implementation of bq.Warehouse and
// bq.RunRecorder. It holds a shared client for the life of the process.
type Warehouse struct {
	client     *bigquery.Client
	location   string
	opsDataset string
}

// NewWarehouse creates a Warehouse with its own BigQuery client.
// opsDataset holds the ingest_runs audit table; it may be empty when run
// auditing is not used.
func NewWarehouse(ctx context.Context, projectID, location, opsDataset string) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewWarehouse: creating client: %w", err)
	}
	return NewWarehouseWithClient(client, location, opsDataset), nil
}

// NewWarehouseWithClient wraps an existing client.
func NewWarehouseWithClient(client *bigquery.Client, location, opsDataset string) *Warehouse {
	if location == "" {
		location = DefaultLocation
	}
	return &Warehouse{
		client:     client,
		location:   location,
		opsDataset: opsDataset,
	}
}

// Close closes the BigQuery client connection.
func (w *Warehouse) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// EnsureDataset delegates to EnsureDatasetWithClient with the shared client.
func (w *Warehouse) EnsureDataset(ctx context.Context, dataset string) error {
	return EnsureDatasetWithClient(ctx, w.client, dataset, w.location)
}

// StartLoad delegates to StartLoadWithClient with the shared client.
func (w *Warehouse) StartLoad(ctx context.Context, req LoadRequest) (JobRef, error) {
	return StartLoadWithClient(ctx, w.client, w.location, req)
}

// LoadStatus delegates to LoadStatusWithClient with the shared client.
func (w *Warehouse) LoadStatus(ctx context.Context, ref JobRef) (LoadStatus, error) {
	return LoadStatusWithClient(ctx, w.client, ref)
}

// Merge delegates to MergeWithClient with the shared client.
func (w *Warehouse) Merge(ctx context.Context, req MergeRequest) error {
	return MergeWithClient(ctx, w.client, w.location, req)
}

// CountRows delegates to CountRowsWithClient with the shared client.
func (w *Warehouse) CountRows(ctx context.Context, dataset, table string) (int64, error) {
	return CountRowsWithClient(ctx, w.client, w.location, dataset, table)
}

// StartIngestRun delegates to StartIngestRunWithClient with the shared client.
func (w *Warehouse) StartIngestRun(ctx context.Context, row *IngestRunRow) error {
	return StartIngestRunWithClient(ctx, w.client, w.opsDataset, row)
}

// MarkIngestRunFailed delegates to MarkIngestRunFailedWithClient with the shared client.
func (w *Warehouse) MarkIngestRunFailed(ctx context.Context, runID string, runErr error) {
	MarkIngestRunFailedWithClient(ctx, w.client, w.opsDataset, runID, runErr)
}

// MarkIngestRunSucceeded delegates to MarkIngestRunSucceededWithClient with the shared client.
func (w *Warehouse) MarkIngestRunSucceeded(ctx context.Context, runID string, reportsFetched, rowsFetched int64, summary string) error {
	return MarkIngestRunSucceededWithClient(ctx, w.client, w.opsDataset, runID, reportsFetched, rowsFetched, summary)
}

var (
	_ bq.Warehouse   = (*Warehouse)(nil)
	_ bq.RunRecorder = (*Warehouse)(nil)
)
