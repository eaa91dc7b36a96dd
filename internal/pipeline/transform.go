package pipeline

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/report"
	"github.com/dvloznov/analytics-ingest/internal/reporting"
)

// ErrInvalidDate is returned when a date dimension is not in YYYYMMDD form.
var ErrInvalidDate = errors.New("invalid date")

const dateDimension = "date"

// NormalizeDate converts a compact YYYYMMDD date to YYYY-MM-DD.
func NormalizeDate(s string) (string, error) {
	if len(s) != 8 {
		return "", fmt.Errorf("%w: %q", ErrInvalidDate, s)
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidDate, s, err)
	}
	return civil.DateOf(t).String(), nil
}

type metricColumn struct {
	name string
	kind report.FieldType
}

// Transform converts a completed state's raw rows into warehouse rows.
// Dimension and metric names lose their API prefix, only the first metric
// vector of each row is used, and every row is stamped with meta.
// A state without rows yields an empty slice.
func Transform(state *FetchState, meta BatchMeta) ([]NormalizedRow, error) {
	if len(state.Rows) == 0 {
		return []NormalizedRow{}, nil
	}
	if state.Header == nil {
		return nil, fmt.Errorf("Transform: %s: %w: no column header", state.Spec.Name(), ErrMalformedResponse)
	}

	dims := make([]string, len(state.Header.Dimensions))
	for i, d := range state.Header.Dimensions {
		dims[i] = reporting.Unqualify(d)
	}

	entries := state.Header.MetricHeader.MetricHeaderEntries
	metrics := make([]metricColumn, len(entries))
	for i, e := range entries {
		name := reporting.Unqualify(e.Name)
		metrics[i] = metricColumn{name: name, kind: metricKind(state.Spec, name, e.Type)}
	}

	rows := make([]NormalizedRow, 0, len(state.Rows))
	for i, raw := range state.Rows {
		if len(raw.Dimensions) != len(dims) {
			return nil, fmt.Errorf("Transform: %s row %d: %w: %d dimension values for %d headers",
				state.Spec.Name(), i, ErrMalformedResponse, len(raw.Dimensions), len(dims))
		}
		if len(raw.Metrics) == 0 {
			return nil, fmt.Errorf("Transform: %s row %d: %w: no metric values", state.Spec.Name(), i, ErrMalformedResponse)
		}
		values := raw.Metrics[0].Values
		if len(values) != len(metrics) {
			return nil, fmt.Errorf("Transform: %s row %d: %w: %d metric values for %d headers",
				state.Spec.Name(), i, ErrMalformedResponse, len(values), len(metrics))
		}

		row := make(NormalizedRow, len(dims)+len(metrics)+2)
		for j, name := range dims {
			v := raw.Dimensions[j]
			if name == dateDimension {
				iso, err := NormalizeDate(v)
				if err != nil {
					return nil, fmt.Errorf("Transform: %s row %d: %w", state.Spec.Name(), i, err)
				}
				v = iso
			}
			row[name] = v
		}
		for j, m := range metrics {
			v, err := parseMetric(values[j], m.kind)
			if err != nil {
				return nil, fmt.Errorf("Transform: %s row %d metric %s: %w", state.Spec.Name(), i, m.name, err)
			}
			row[m.name] = v
		}
		row[bq.SourceIDColumn] = meta.SourceID
		row[bq.BatchedAtColumn] = meta.BatchedAt

		rows = append(rows, row)
	}

	return rows, nil
}

// metricKind prefers the report schema's column type and falls back to the
// type announced in the response header.
func metricKind(spec report.Spec, name, headerType string) report.FieldType {
	if t, ok := spec.FieldType(name); ok {
		return t
	}
	if strings.EqualFold(headerType, "INTEGER") {
		return report.FieldInteger
	}
	return report.FieldFloat
}

func parseMetric(v string, kind report.FieldType) (any, error) {
	switch kind {
	case report.FieldInteger:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: integer %q", ErrMalformedResponse, v)
		}
		return n, nil
	case report.FieldFloat:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: number %q", ErrMalformedResponse, v)
		}
		return f, nil
	default:
		return v, nil
	}
}

func toWarehouseRows(rows []NormalizedRow) []map[string]any {
	out := make([]map[string]any, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
