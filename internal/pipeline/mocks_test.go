package pipeline

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/report"
	"github.com/dvloznov/analytics-ingest/internal/reporting"
)

// MockReportsAPI is a mock implementation of ReportsAPI for testing.
type MockReportsAPI struct {
	BatchGetFunc func(ctx context.Context, headers http.Header, req *reporting.BatchGetRequest) (*reporting.BatchGetResponse, error)

	mu    sync.Mutex
	calls []*reporting.BatchGetRequest
}

func (m *MockReportsAPI) BatchGet(ctx context.Context, headers http.Header, req *reporting.BatchGetRequest) (*reporting.BatchGetResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.BatchGetFunc != nil {
		return m.BatchGetFunc(ctx, headers, req)
	}
	return &reporting.BatchGetResponse{}, nil
}

func (m *MockReportsAPI) Calls() []*reporting.BatchGetRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*reporting.BatchGetRequest(nil), m.calls...)
}

// pagedAPI serves pre-built pages per report. Pages are addressed by
// "page-N" tokens; a report with no pages answers with an empty report.
func pagedAPI(pages map[report.Kind][]reporting.Report) *MockReportsAPI {
	bySignature := make(map[string][]reporting.Report, len(pages))
	for kind, p := range pages {
		spec, err := report.Lookup(string(kind))
		if err != nil {
			panic(err)
		}
		bySignature[specSignature(spec)] = p
	}

	return &MockReportsAPI{
		BatchGetFunc: func(ctx context.Context, headers http.Header, req *reporting.BatchGetRequest) (*reporting.BatchGetResponse, error) {
			resp := &reporting.BatchGetResponse{}
			for _, rr := range req.ReportRequests {
				p := bySignature[requestSignature(rr)]
				idx := 0
				if rr.PageToken != "" {
					if _, err := fmt.Sscanf(rr.PageToken, "page-%d", &idx); err != nil {
						return nil, fmt.Errorf("bad page token %q", rr.PageToken)
					}
				}
				if idx >= len(p) {
					resp.Reports = append(resp.Reports, reporting.Report{})
					continue
				}
				resp.Reports = append(resp.Reports, p[idx])
			}
			return resp, nil
		},
	}
}

func specSignature(spec report.Spec) string {
	return strings.Join(spec.Dimensions, ",") + "|" + strings.Join(spec.Metrics, ",")
}

func requestSignature(rr reporting.ReportRequest) string {
	dims := make([]string, len(rr.Dimensions))
	for i, d := range rr.Dimensions {
		dims[i] = reporting.Unqualify(d.Name)
	}
	metrics := make([]string, len(rr.Metrics))
	for i, m := range rr.Metrics {
		metrics[i] = reporting.Unqualify(m.Expression)
	}
	return strings.Join(dims, ",") + "|" + strings.Join(metrics, ",")
}

// headerFor builds the column header the API returns for spec.
func headerFor(spec report.Spec) *reporting.ColumnHeader {
	h := &reporting.ColumnHeader{}
	for _, d := range spec.Dimensions {
		h.Dimensions = append(h.Dimensions, reporting.Qualify(d))
	}
	for _, m := range spec.Metrics {
		typ := "FLOAT"
		if t, _ := spec.FieldType(m); t == report.FieldInteger {
			typ = "INTEGER"
		}
		h.MetricHeader.MetricHeaderEntries = append(h.MetricHeader.MetricHeaderEntries,
			reporting.MetricHeaderEntry{Name: reporting.Qualify(m), Type: typ})
	}
	return h
}

// rowFor builds a raw row whose dimension tuple is unique per seed.
func rowFor(spec report.Spec, seed int) reporting.ReportRow {
	row := reporting.ReportRow{Metrics: []reporting.DateRangeValues{{}}}
	for _, d := range spec.Dimensions {
		if d == dateDimension {
			row.Dimensions = append(row.Dimensions, "20210601")
			continue
		}
		row.Dimensions = append(row.Dimensions, fmt.Sprintf("%s-%d", d, seed))
	}
	for _, m := range spec.Metrics {
		v := "1.5"
		if t, _ := spec.FieldType(m); t == report.FieldInteger {
			v = strconv.Itoa(seed)
		}
		row.Metrics[0].Values = append(row.Metrics[0].Values, v)
	}
	return row
}

// pagesFor builds one page per entry of sizes, chained with page tokens.
func pagesFor(spec report.Spec, sizes ...int) []reporting.Report {
	pages := make([]reporting.Report, 0, len(sizes))
	seed := 0
	for i, n := range sizes {
		page := reporting.Report{ColumnHeader: headerFor(spec)}
		for j := 0; j < n; j++ {
			seed++
			page.Data.Rows = append(page.Data.Rows, rowFor(spec, seed))
		}
		page.Data.RowCount = n
		if i < len(sizes)-1 {
			page.NextPageToken = fmt.Sprintf("page-%d", i+1)
		}
		pages = append(pages, page)
	}
	return pages
}

func mustSpec(kind report.Kind) report.Spec {
	spec, err := report.Lookup(string(kind))
	if err != nil {
		panic(err)
	}
	return spec
}

// fakeWarehouse is an in-memory Warehouse. Loads replace the stage table,
// and merges upsert stage rows into the target by primary key, so merging
// the same stage twice leaves the target unchanged.
type fakeWarehouse struct {
	mu sync.Mutex

	stages  map[string][]map[string]any
	targets map[string]map[string]map[string]any
	loads   map[string]bq.LoadRequest

	datasets      map[string]int
	startLoads    int
	merges        []bq.MergeRequest
	statusQueries map[string]int

	// Hooks override the default behaviour when set.
	StartLoadFunc  func(req bq.LoadRequest) error
	LoadStatusFunc func(ref bq.JobRef, calls int) (bq.LoadStatus, error)
	MergeFunc      func(req bq.MergeRequest) error
}

func newFakeWarehouse() *fakeWarehouse {
	return &fakeWarehouse{
		stages:        make(map[string][]map[string]any),
		targets:       make(map[string]map[string]map[string]any),
		loads:         make(map[string]bq.LoadRequest),
		datasets:      make(map[string]int),
		statusQueries: make(map[string]int),
	}
}

func tableKey(dataset, table string) string {
	return dataset + "." + table
}

func (w *fakeWarehouse) EnsureDataset(ctx context.Context, dataset string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.datasets[dataset]++
	return nil
}

func (w *fakeWarehouse) StartLoad(ctx context.Context, req bq.LoadRequest) (bq.JobRef, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.startLoads++
	if w.StartLoadFunc != nil {
		if err := w.StartLoadFunc(req); err != nil {
			return bq.JobRef{}, err
		}
	}

	rows := make([]map[string]any, len(req.Rows))
	for i, r := range req.Rows {
		rows[i] = maps.Clone(r)
	}
	w.stages[tableKey(req.Dataset, req.Table)] = rows
	w.loads[req.JobID] = req
	return bq.JobRef{ID: req.JobID, Location: "US"}, nil
}

func (w *fakeWarehouse) LoadStatus(ctx context.Context, ref bq.JobRef) (bq.LoadStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.statusQueries[ref.ID]++
	if w.LoadStatusFunc != nil {
		return w.LoadStatusFunc(ref, w.statusQueries[ref.ID])
	}

	req, ok := w.loads[ref.ID]
	if !ok {
		return bq.LoadStatus{}, fmt.Errorf("job %s: %w", ref.ID, errors.New("not found"))
	}
	n := int64(len(req.Rows))
	return bq.LoadStatus{Done: true, OutputRows: &n}, nil
}

func (w *fakeWarehouse) Merge(ctx context.Context, req bq.MergeRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.merges = append(w.merges, req)
	if w.MergeFunc != nil {
		if err := w.MergeFunc(req); err != nil {
			return err
		}
	}

	stage, ok := w.stages[tableKey(req.Dataset, req.StageTable)]
	if !ok {
		return fmt.Errorf("stage table %s not found", req.StageTable)
	}

	target := w.targets[tableKey(req.Dataset, req.TargetTable)]
	if target == nil {
		target = make(map[string]map[string]any)
		w.targets[tableKey(req.Dataset, req.TargetTable)] = target
	}

	for _, row := range stage {
		key := primaryKey(row, req.PrimaryKey)
		if existing, ok := target[key]; ok && newer(existing, row, req.IncrementalKey) {
			continue
		}
		target[key] = maps.Clone(row)
	}
	return nil
}

func (w *fakeWarehouse) CountRows(ctx context.Context, dataset, table string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int64(len(w.targets[tableKey(dataset, table)])), nil
}

func (w *fakeWarehouse) mergeCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.merges)
}

func (w *fakeWarehouse) target(dataset, table string) map[string]map[string]any {
	w.mu.Lock()
	defer w.mu.Unlock()
	return maps.Clone(w.targets[tableKey(dataset, table)])
}

func primaryKey(row map[string]any, cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = fmt.Sprint(row[c])
	}
	return strings.Join(parts, "\x1f")
}

// newer reports whether a is strictly newer than b by the incremental key.
func newer(a, b map[string]any, key string) bool {
	at, _ := a[key].(time.Time)
	bt, _ := b[key].(time.Time)
	return at.After(bt)
}

// fakeArchiver keeps archived objects in memory.
type fakeArchiver struct {
	mu       sync.Mutex
	objects  map[string][]byte
	writeErr error
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{objects: make(map[string][]byte)}
}

func (a *fakeArchiver) ObjectName(viewID, runID, reportName string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%s.json", viewID, at.UTC().Format("2006-01-02"), runID, reportName)
}

func (a *fakeArchiver) WriteObject(ctx context.Context, objectName string, data []byte) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writeErr != nil {
		return "", a.writeErr
	}
	uri := "gs://archive/" + objectName
	a.objects[uri] = append([]byte(nil), data...)
	return uri, nil
}

func (a *fakeArchiver) ReadObject(ctx context.Context, uri string) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.objects[uri]
	if !ok {
		return nil, fmt.Errorf("object %s not found", uri)
	}
	return data, nil
}

// fakeRecorder captures run audit calls.
type fakeRecorder struct {
	mu        sync.Mutex
	started   []*bq.IngestRunRow
	failed    map[string]error
	succeeded map[string][2]int64
	summaries map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{
		failed:    make(map[string]error),
		succeeded: make(map[string][2]int64),
		summaries: make(map[string]string),
	}
}

func (r *fakeRecorder) StartIngestRun(ctx context.Context, row *bq.IngestRunRow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, row)
	return nil
}

func (r *fakeRecorder) MarkIngestRunFailed(ctx context.Context, runID string, runErr error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[runID] = runErr
}

func (r *fakeRecorder) MarkIngestRunSucceeded(ctx context.Context, runID string, reportsFetched, rowsFetched int64, summary string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.succeeded[runID] = [2]int64{reportsFetched, rowsFetched}
	r.summaries[runID] = summary
	return nil
}

var (
	_ ReportsAPI     = (*MockReportsAPI)(nil)
	_ bq.Warehouse   = (*fakeWarehouse)(nil)
	_ bq.RunRecorder = (*fakeRecorder)(nil)
	_ Archiver       = (*fakeArchiver)(nil)
)
