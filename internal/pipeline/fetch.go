package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/dvloznov/analytics-ingest/internal/report"
	"github.com/dvloznov/analytics-ingest/internal/reporting"
)

var (
	// ErrMalformedResponse is returned when a response cannot be paired with
	// its request or lacks the headers needed to interpret its rows.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrTooManyRounds is returned when a fetch exceeds its round limit.
	ErrTooManyRounds = errors.New("fetch exceeded round limit")

	// ErrBatchTooLarge is returned when more reports are fetched together
	// than the API accepts in one call.
	ErrBatchTooLarge = errors.New("too many reports in one batch")
)

// ReportsAPI sends one batched reports call.
type ReportsAPI interface {
	BatchGet(ctx context.Context, headers http.Header, req *reporting.BatchGetRequest) (*reporting.BatchGetResponse, error)
}

// FetchState is the pagination state of one report within one run.
// NextPageToken is non-empty only while Complete is false, and Complete
// never reverts once set.
type FetchState struct {
	Spec          report.Spec
	Rows          []reporting.ReportRow
	Header        *reporting.ColumnHeader
	NextPageToken string
	Complete      bool

	// Pages counts pages that contributed rows.
	Pages int
}

// NewFetchState returns an empty state for spec.
func NewFetchState(spec report.Spec) *FetchState {
	return &FetchState{Spec: spec}
}

func (s *FetchState) request(viewID string, dr DateRange, pageSize int) reporting.ReportRequest {
	req := reporting.ReportRequest{
		ViewID:     viewID,
		DateRanges: []reporting.DateRange{dr.wire()},
		Dimensions: make([]reporting.Dimension, 0, len(s.Spec.Dimensions)),
		Metrics:    make([]reporting.Metric, 0, len(s.Spec.Metrics)),
		PageSize:   pageSize,
		PageToken:  s.NextPageToken,
	}
	for _, d := range s.Spec.Dimensions {
		req.Dimensions = append(req.Dimensions, reporting.Dimension{Name: reporting.Qualify(d)})
	}
	for _, m := range s.Spec.Metrics {
		req.Metrics = append(req.Metrics, reporting.Metric{Expression: reporting.Qualify(m)})
	}
	return req
}

// apply merges one response page into the state. A page without rows is
// terminal, even if it carries a token.
func (s *FetchState) apply(page reporting.Report) error {
	if s.Header == nil && page.ColumnHeader != nil {
		s.Header = page.ColumnHeader
	}

	if len(page.Data.Rows) == 0 {
		s.NextPageToken = ""
		s.Complete = true
		return nil
	}
	if s.Complete {
		return nil
	}
	if s.Header == nil {
		return fmt.Errorf("%w: report %s page has rows but no column header", ErrMalformedResponse, s.Spec.Name())
	}

	s.Rows = append(s.Rows, page.Data.Rows...)
	s.Pages++

	if token := page.PageToken(); token != "" {
		s.NextPageToken = token
	} else {
		s.NextPageToken = ""
		s.Complete = true
	}
	return nil
}

// BatchFetcher drives paged fetches for several reports with one API call
// per round.
type BatchFetcher struct {
	api       ReportsAPI
	headers   http.Header
	maxRounds int
}

// NewBatchFetcher creates a fetcher that sends headers with every call.
func NewBatchFetcher(api ReportsAPI, headers http.Header, maxRounds int) *BatchFetcher {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &BatchFetcher{
		api:       api,
		headers:   headers,
		maxRounds: maxRounds,
	}
}

// FetchAll fetches every state to completion. Each round sends one request
// holding one page request per incomplete state and matches the returned
// reports to states by position. Any error aborts the whole batch.
func (f *BatchFetcher) FetchAll(ctx context.Context, target Target, states []*FetchState, dr DateRange, pageSize int) error {
	if len(states) > MaxReportsPerBatch {
		return fmt.Errorf("FetchAll: %w: %d > %d", ErrBatchTooLarge, len(states), MaxReportsPerBatch)
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	log := logger.FromContext(ctx)

	for round := 1; ; round++ {
		pending := make([]*FetchState, 0, len(states))
		for _, s := range states {
			if !s.Complete {
				pending = append(pending, s)
			}
		}
		if len(pending) == 0 {
			return nil
		}
		if round > f.maxRounds {
			return fmt.Errorf("FetchAll: %w (%d)", ErrTooManyRounds, f.maxRounds)
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("FetchAll: %w", err)
		}

		req := &reporting.BatchGetRequest{
			ReportRequests: make([]reporting.ReportRequest, 0, len(pending)),
		}
		for _, s := range pending {
			req.ReportRequests = append(req.ReportRequests, s.request(target.ViewID, dr, pageSize))
		}

		resp, err := f.api.BatchGet(ctx, f.headers, req)
		if err != nil {
			return fmt.Errorf("FetchAll: round %d: %w", round, err)
		}
		fetchRoundsTotal.Inc()

		if resp == nil || len(resp.Reports) != len(pending) {
			got := 0
			if resp != nil {
				got = len(resp.Reports)
			}
			return fmt.Errorf("FetchAll: round %d: %w: requested %d reports, got %d", round, ErrMalformedResponse, len(pending), got)
		}

		for i, page := range resp.Reports {
			s := pending[i]
			before := len(s.Rows)
			if err := s.apply(page); err != nil {
				return fmt.Errorf("FetchAll: round %d: %w", round, err)
			}
			added := len(s.Rows) - before
			rowsFetchedTotal.WithLabelValues(s.Spec.Name()).Add(float64(added))

			log.Debug().
				Int("round", round).
				Str("report", s.Spec.Name()).
				Int("rows", added).
				Bool("complete", s.Complete).
				Msg("Applied report page")
		}
	}
}
