package bigquery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/dvloznov/analytics-ingest/internal/report"
)

// timestampLayout is the NDJSON timestamp form BigQuery accepts at microsecond precision.
const timestampLayout = "2006-01-02 15:04:05.000000"

// StartLoadWithClient starts an NDJSON load job into dataset.table, creating
// the table if needed and replacing its contents. It returns as soon as the
// job has been accepted.
func StartLoadWithClient(ctx context.Context, client *bigquery.Client, location string, req LoadRequest) (JobRef, error) {
	if err := validateTable(req.Dataset, req.Table); err != nil {
		return JobRef{}, fmt.Errorf("StartLoad: %w", err)
	}
	if len(req.Rows) == 0 {
		return JobRef{}, fmt.Errorf("StartLoad: no rows for %s.%s", req.Dataset, req.Table)
	}

	schema, err := StageSchema(req.Schema)
	if err != nil {
		return JobRef{}, fmt.Errorf("StartLoad: %w", err)
	}

	data, err := EncodeNDJSON(req.Rows)
	if err != nil {
		return JobRef{}, fmt.Errorf("StartLoad: encoding rows: %w", err)
	}

	src := bigquery.NewReaderSource(bytes.NewReader(data))
	src.SourceFormat = bigquery.JSON
	src.Schema = schema

	loader := client.Dataset(req.Dataset).Table(req.Table).LoaderFrom(src)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.WriteDisposition = bigquery.WriteTruncate
	loader.JobID = req.JobID
	loader.Location = location

	job, err := loader.Run(ctx)
	if err != nil {
		return JobRef{}, fmt.Errorf("StartLoad: running load job: %w", err)
	}

	lg := logger.FromContext(ctx)
	lg.Debug().
		Str("job_id", job.ID()).
		Str("table", req.Dataset+"."+req.Table).
		Int("rows", len(req.Rows)).
		Int("bytes", len(data)).
		Msg("Load job started")

	return JobRef{ID: job.ID(), Location: job.Location()}, nil
}

// LoadStatusWithClient fetches the current status of a load job.
func LoadStatusWithClient(ctx context.Context, client *bigquery.Client, ref JobRef) (LoadStatus, error) {
	job, err := client.JobFromIDLocation(ctx, ref.ID, ref.Location)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return LoadStatus{}, fmt.Errorf("LoadStatus: job %s: %w", ref.ID, ErrNotFound)
		}
		return LoadStatus{}, fmt.Errorf("LoadStatus: looking up job %s: %w", ref.ID, err)
	}

	status, err := job.Status(ctx)
	if err != nil {
		return LoadStatus{}, fmt.Errorf("LoadStatus: fetching status of job %s: %w", ref.ID, err)
	}

	return loadStatusFrom(status), nil
}

func loadStatusFrom(status *bigquery.JobStatus) LoadStatus {
	if !status.Done() {
		return LoadStatus{}
	}
	if err := status.Err(); err != nil {
		return LoadStatus{Done: true, Err: err}
	}

	out := LoadStatus{Done: true}
	if status.Statistics != nil {
		if stats, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			rows := stats.OutputRows
			out.OutputRows = &rows
		}
	}
	return out
}

// StageSchema converts report fields to a BigQuery schema and appends the
// metadata columns.
func StageSchema(fields []report.Field) (bigquery.Schema, error) {
	schema := make(bigquery.Schema, 0, len(fields)+2)
	for _, f := range fields {
		if !columnPattern.MatchString(f.Name) {
			return nil, fmt.Errorf("invalid column name %q", f.Name)
		}
		t, err := fieldType(f.Type)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", f.Name, err)
		}
		schema = append(schema, &bigquery.FieldSchema{Name: f.Name, Type: t})
	}
	schema = append(schema,
		&bigquery.FieldSchema{Name: bq.SourceIDColumn, Type: bigquery.StringFieldType, Required: true},
		&bigquery.FieldSchema{Name: bq.BatchedAtColumn, Type: bigquery.TimestampFieldType, Required: true},
	)
	return schema, nil
}

func fieldType(t report.FieldType) (bigquery.FieldType, error) {
	switch t {
	case report.FieldString:
		return bigquery.StringFieldType, nil
	case report.FieldInteger:
		return bigquery.IntegerFieldType, nil
	case report.FieldFloat:
		return bigquery.FloatFieldType, nil
	case report.FieldDate:
		return bigquery.DateFieldType, nil
	case report.FieldTimestamp:
		return bigquery.TimestampFieldType, nil
	default:
		return "", fmt.Errorf("unsupported field type %q", t)
	}
}

// EncodeNDJSON renders rows as newline-delimited JSON. Keys are emitted in
// sorted order so identical rows always encode identically.
func EncodeNDJSON(rows []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, row := range rows {
		out := make(map[string]any, len(row))
		for k, v := range row {
			out[k] = ndjsonValue(v)
		}
		if err := enc.Encode(out); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func ndjsonValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(timestampLayout)
	case civil.Date:
		return t.String()
	default:
		return v
	}
}
