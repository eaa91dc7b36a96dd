package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/logger"
)

const ingestRunsTable = "ingest_runs"

// StartIngestRunWithClient inserts a new row into {opsDataset}.ingest_runs
// with status=RUNNING.
func StartIngestRunWithClient(ctx context.Context, client *bigquery.Client, opsDataset string, row *IngestRunRow) error {
	if opsDataset == "" {
		return fmt.Errorf("StartIngestRun: ops dataset is not configured")
	}
	if row.StartedTS.IsZero() {
		row.StartedTS = time.Now()
	}

	q := client.Query(fmt.Sprintf(`
		INSERT %s.%s (
			run_id,
			view_id,
			account,
			property,
			view,
			start_date,
			end_date,
			started_ts,
			status
		)
		VALUES (
			@run_id,
			@view_id,
			@account,
			@property,
			@view,
			@start_date,
			@end_date,
			@started_ts,
			@status
		)
	`, quoteIdent(opsDataset), ingestRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "run_id", Value: row.RunID},
		{Name: "view_id", Value: row.ViewID},
		{Name: "account", Value: row.Account},
		{Name: "property", Value: row.Property},
		{Name: "view", Value: row.View},
		{Name: "start_date", Value: row.StartDate},
		{Name: "end_date", Value: row.EndDate},
		{Name: "started_ts", Value: row.StartedTS},
		{Name: "status", Value: "RUNNING"},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("StartIngestRun: running insert query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("StartIngestRun: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("StartIngestRun: job error: %w", err)
	}

	return nil
}

// MarkIngestRunFailedWithClient sets status=FAILED, finished_ts and
// error_message. Failures are logged, not returned.
func MarkIngestRunFailedWithClient(ctx context.Context, client *bigquery.Client, opsDataset, runID string, runErr error) {
	log := logger.FromContext(ctx)

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
		const maxLen = 2000
		if len(errMsg) > maxLen {
			errMsg = errMsg[:maxLen]
		}
	}

	q := client.Query(fmt.Sprintf(`
		UPDATE %s.%s
		SET status = @status,
		    finished_ts = @finished_ts,
		    error_message = @error_message
		WHERE run_id = @run_id
	`, quoteIdent(opsDataset), ingestRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: "FAILED"},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "error_message", Value: errMsg},
		{Name: "run_id", Value: runID},
	}

	job, err := q.Run(ctx)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("MarkIngestRunFailed: running update query")
		return
	}

	status, err := job.Wait(ctx)
	if err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("MarkIngestRunFailed: waiting for job")
		return
	}
	if err := status.Err(); err != nil {
		log.Error().Err(err).Str("run_id", runID).Msg("MarkIngestRunFailed: job completed with error")
	}
}

// MarkIngestRunSucceededWithClient sets status=SUCCESS, finished_ts, the row
// counters and the JSON summary, and clears error_message.
func MarkIngestRunSucceededWithClient(ctx context.Context, client *bigquery.Client, opsDataset, runID string, reportsFetched, rowsFetched int64, summary string) error {
	q := client.Query(fmt.Sprintf(`
		UPDATE %s.%s
		SET status = @status,
		    finished_ts = @finished_ts,
		    reports_fetched = @reports_fetched,
		    rows_fetched = @rows_fetched,
		    summary = SAFE.PARSE_JSON(@summary),
		    error_message = ""
		WHERE run_id = @run_id
	`, quoteIdent(opsDataset), ingestRunsTable))

	q.Parameters = []bigquery.QueryParameter{
		{Name: "status", Value: "SUCCESS"},
		{Name: "finished_ts", Value: time.Now()},
		{Name: "reports_fetched", Value: reportsFetched},
		{Name: "rows_fetched", Value: rowsFetched},
		{Name: "summary", Value: summary},
		{Name: "run_id", Value: runID},
	}

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("MarkIngestRunSucceeded: running update query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("MarkIngestRunSucceeded: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("MarkIngestRunSucceeded: job error: %w", err)
	}

	return nil
}
