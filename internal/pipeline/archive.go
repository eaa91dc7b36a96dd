package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/analytics-ingest/internal/report"
	"github.com/dvloznov/analytics-ingest/internal/reporting"
)

// Archiver stores and retrieves raw report pages.
type Archiver interface {
	ObjectName(viewID, runID, reportName string, at time.Time) string
	WriteObject(ctx context.Context, objectName string, data []byte) (string, error)
	ReadObject(ctx context.Context, uri string) ([]byte, error)
}

// archivedReport is the JSON document written per report and run.
type archivedReport struct {
	Report    string                  `json:"report"`
	RunID     string                  `json:"run_id"`
	Target    Target                  `json:"target"`
	DateRange DateRange               `json:"date_range"`
	FetchedAt time.Time               `json:"fetched_at"`
	Pages     int                     `json:"pages"`
	Header    *reporting.ColumnHeader `json:"column_header,omitempty"`
	Rows      []reporting.ReportRow   `json:"rows"`
}

// EncodeArchive renders a completed state as an archive document.
func EncodeArchive(state *FetchState, runID string, target Target, dr DateRange, fetchedAt time.Time) ([]byte, error) {
	rows := state.Rows
	if rows == nil {
		rows = []reporting.ReportRow{}
	}
	data, err := json.Marshal(archivedReport{
		Report:    state.Spec.Name(),
		RunID:     runID,
		Target:    target,
		DateRange: dr,
		FetchedAt: fetchedAt.UTC(),
		Pages:     state.Pages,
		Header:    state.Header,
		Rows:      rows,
	})
	if err != nil {
		return nil, fmt.Errorf("EncodeArchive: %s: %w", state.Spec.Name(), err)
	}
	return data, nil
}

// DecodeArchive rebuilds a completed FetchState from an archive document.
// It also returns the target and date range the pages were fetched for.
func DecodeArchive(data []byte) (*FetchState, Target, DateRange, error) {
	var doc archivedReport
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, Target{}, DateRange{}, fmt.Errorf("DecodeArchive: %w", err)
	}

	spec, err := report.Lookup(doc.Report)
	if err != nil {
		return nil, Target{}, DateRange{}, fmt.Errorf("DecodeArchive: %w", err)
	}

	state := &FetchState{
		Spec:     spec,
		Rows:     doc.Rows,
		Header:   doc.Header,
		Complete: true,
		Pages:    doc.Pages,
	}
	return state, doc.Target, doc.DateRange, nil
}
