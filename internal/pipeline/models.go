package pipeline

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/report"
	"github.com/dvloznov/analytics-ingest/internal/reporting"
)

var (
	// ErrInvalidTarget is returned when a target is missing identifying fields.
	ErrInvalidTarget = errors.New("invalid target")

	// ErrInvalidDateRange is returned for incomplete or inverted date ranges.
	ErrInvalidDateRange = errors.New("invalid date range")
)

// Target is the view a run is scoped to. Account names the warehouse
// dataset; Property and View name the report tables.
type Target struct {
	Account  string `json:"account"`
	Property string `json:"property"`
	View     string `json:"view"`
	ViewID   string `json:"view_id"`
}

// Validate checks that every field is set.
func (t Target) Validate() error {
	var missing []string
	if strings.TrimSpace(t.Account) == "" {
		missing = append(missing, "account")
	}
	if strings.TrimSpace(t.Property) == "" {
		missing = append(missing, "property")
	}
	if strings.TrimSpace(t.View) == "" {
		missing = append(missing, "view")
	}
	if strings.TrimSpace(t.ViewID) == "" {
		missing = append(missing, "view_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidTarget, strings.Join(missing, ", "))
	}
	return nil
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	Start civil.Date `json:"start"`
	End   civil.Date `json:"end"`
}

// DefaultDateRange returns the trailing window ending on today.
func DefaultDateRange(today civil.Date) DateRange {
	return DateRange{
		Start: today.AddDays(-DefaultLookbackDays),
		End:   today,
	}
}

// ParseDateRange parses YYYY-MM-DD bounds. Both empty returns nil so the
// caller falls back to the default range; exactly one empty is an error.
func ParseDateRange(start, end string) (*DateRange, error) {
	if start == "" && end == "" {
		return nil, nil
	}
	if start == "" || end == "" {
		return nil, fmt.Errorf("%w: start and end must both be set", ErrInvalidDateRange)
	}

	s, err := civil.ParseDate(start)
	if err != nil {
		return nil, fmt.Errorf("%w: start %q: %v", ErrInvalidDateRange, start, err)
	}
	e, err := civil.ParseDate(end)
	if err != nil {
		return nil, fmt.Errorf("%w: end %q: %v", ErrInvalidDateRange, end, err)
	}

	dr := DateRange{Start: s, End: e}
	if err := dr.Validate(); err != nil {
		return nil, err
	}
	return &dr, nil
}

// Validate checks that both bounds are valid dates and Start is not after End.
func (d DateRange) Validate() error {
	if !d.Start.IsValid() || !d.End.IsValid() {
		return fmt.Errorf("%w: %s..%s", ErrInvalidDateRange, d.Start, d.End)
	}
	if d.Start.After(d.End) {
		return fmt.Errorf("%w: start %s is after end %s", ErrInvalidDateRange, d.Start, d.End)
	}
	return nil
}

func (d DateRange) wire() reporting.DateRange {
	return reporting.DateRange{StartDate: d.Start.String(), EndDate: d.End.String()}
}

// WorkItem is one unit of work: a target, the reports to run for it, an
// optional date range and the already-resolved credential headers.
type WorkItem struct {
	Target    Target
	Reports   []string
	DateRange *DateRange
	Headers   http.Header
}

// NormalizedRow maps column names to typed values for one warehouse row.
type NormalizedRow map[string]any

// BatchMeta is stamped onto every row produced by one run.
type BatchMeta struct {
	SourceID  string
	BatchedAt time.Time
}

// TableSpec locates a report's warehouse tables and describes their columns.
type TableSpec struct {
	Dataset    string
	Table      string
	StageTable string
	Schema     []report.Field
	PrimaryKey []string
}

// TableFor derives the tables for one report under one target.
func TableFor(spec report.Spec, target Target) TableSpec {
	table := spec.TableName(target.Property, target.View)
	return TableSpec{
		Dataset:    target.Account,
		Table:      table,
		StageTable: StageTablePrefix + table,
		Schema:     spec.Schema,
		PrimaryKey: spec.Dimensions,
	}
}

// Columns lists every column of the table, metadata last.
func (t TableSpec) Columns() []string {
	cols := make([]string, 0, len(t.Schema)+2)
	for _, f := range t.Schema {
		cols = append(cols, f.Name)
	}
	return append(cols, bq.SourceIDColumn, bq.BatchedAtColumn)
}

// ReportResult summarizes one report of a run.
type ReportResult struct {
	ReportName  string `json:"report_name"`
	RowsFetched int    `json:"rows_fetched"`
	OutputRows  *int64 `json:"output_rows,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
	ArchiveURI  string `json:"archive_uri,omitempty"`
	JobID       string `json:"job_id,omitempty"`
	Merged      bool   `json:"merged,omitempty"`
}

// RunResult is the summary returned for one WorkItem.
type RunResult struct {
	RunID     string         `json:"run_id"`
	Target    Target         `json:"target"`
	DateRange DateRange      `json:"date_range"`
	Reports   []ReportResult `json:"reports"`
}

// Failed reports whether any report ended with an error.
func (r *RunResult) Failed() bool {
	for _, rep := range r.Reports {
		if rep.Error != "" {
			return true
		}
	}
	return false
}

// RowsFetched totals fetched rows across reports.
func (r *RunResult) RowsFetched() int64 {
	var n int64
	for _, rep := range r.Reports {
		n += int64(rep.RowsFetched)
	}
	return n
}
