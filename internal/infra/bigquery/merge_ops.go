package bigquery

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"google.golang.org/api/iterator"
)

//go:embed templates/*.sql.tmpl
var templateFS embed.FS

var mergeTemplate = template.Must(
	template.New("update_from_stage.sql.tmpl").
		Funcs(template.FuncMap{
			"quote": quoteIdent,
			"table": func(dataset, table string) string {
				return quoteIdent(dataset) + "." + quoteIdent(table)
			},
		}).
		ParseFS(templateFS, "templates/update_from_stage.sql.tmpl"),
)

var mergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "warehouse_merge_duration_seconds",
	Help:    "Duration of staging-to-target merge statements",
	Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
}, []string{"result"})

func quoteIdent(s string) string {
	return "`" + s + "`"
}

// RenderMergeSQL renders the staging-to-target merge script.
func RenderMergeSQL(req MergeRequest) (string, error) {
	if err := validateTable(req.Dataset, req.TargetTable); err != nil {
		return "", err
	}
	if err := validateTable(req.Dataset, req.StageTable); err != nil {
		return "", err
	}
	if len(req.PrimaryKey) == 0 {
		return "", fmt.Errorf("merge into %s requires a primary key", req.TargetTable)
	}
	if len(req.Columns) == 0 {
		return "", fmt.Errorf("merge into %s requires columns", req.TargetTable)
	}

	for _, c := range append(append([]string{req.IncrementalKey}, req.PrimaryKey...), req.Columns...) {
		if !columnPattern.MatchString(c) {
			return "", fmt.Errorf("invalid column name %q", c)
		}
	}

	var buf bytes.Buffer
	if err := mergeTemplate.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("executing merge template: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// MergeWithClient runs the merge script and waits for it to finish.
// Re-running it against unchanged staging contents leaves the target as is.
func MergeWithClient(ctx context.Context, client *bigquery.Client, location string, req MergeRequest) error {
	sql, err := RenderMergeSQL(req)
	if err != nil {
		return fmt.Errorf("Merge: rendering SQL: %w", err)
	}

	start := time.Now()
	result := "error"
	defer func() {
		mergeDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	}()

	q := client.Query(sql)
	q.Location = location

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("Merge: running merge query: %w", err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("Merge: waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("Merge: job error: %w", err)
	}

	result = "ok"
	lg := logger.FromContext(ctx)
	lg.Info().
		Str("job_id", job.ID()).
		Str("table", req.Dataset+"."+req.TargetTable).
		Dur("duration", time.Since(start)).
		Msg("Merged stage into target")

	return nil
}

// CountRowsWithClient returns the number of rows in dataset.table.
func CountRowsWithClient(ctx context.Context, client *bigquery.Client, location, dataset, table string) (int64, error) {
	if err := validateTable(dataset, table); err != nil {
		return 0, fmt.Errorf("CountRows: %w", err)
	}

	q := client.Query(fmt.Sprintf("SELECT COUNT(*) AS row_count FROM %s.%s", quoteIdent(dataset), quoteIdent(table)))
	q.Location = location

	it, err := q.Read(ctx)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return 0, fmt.Errorf("CountRows: table %s.%s: %w", dataset, table, ErrNotFound)
		}
		return 0, fmt.Errorf("CountRows: reading query: %w", err)
	}

	var row struct {
		RowCount int64 `bigquery:"row_count"`
	}
	err = it.Next(&row)
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("CountRows: iterating: %w", err)
	}

	return row.RowCount, nil
}
