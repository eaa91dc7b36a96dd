package reporting

import "strings"

// Prefix qualifies dimension and metric names on the wire.
const Prefix = "ga:"

// Qualify adds the API prefix to a bare field name.
func Qualify(name string) string {
	if strings.HasPrefix(name, Prefix) {
		return name
	}
	return Prefix + name
}

// Unqualify strips the API prefix from a field name.
func Unqualify(name string) string {
	return strings.TrimPrefix(name, Prefix)
}

// BatchGetRequest is the body of one reports:batchGet call.
type BatchGetRequest struct {
	ReportRequests []ReportRequest `json:"reportRequests"`
}

// ReportRequest asks for one page of one report.
type ReportRequest struct {
	ViewID     string      `json:"viewId"`
	DateRanges []DateRange `json:"dateRanges"`
	Dimensions []Dimension `json:"dimensions"`
	Metrics    []Metric    `json:"metrics"`
	PageSize   int         `json:"pageSize,omitempty"`
	PageToken  string      `json:"pageToken,omitempty"`
}

// DateRange is an inclusive range of YYYY-MM-DD dates.
type DateRange struct {
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
}

type Dimension struct {
	Name string `json:"name"`
}

type Metric struct {
	Expression string `json:"expression"`
}

// BatchGetResponse holds one Report per requested ReportRequest, in request order.
type BatchGetResponse struct {
	Reports []Report `json:"reports"`
}

// Report is one page of one report.
type Report struct {
	ColumnHeader  *ColumnHeader `json:"columnHeader,omitempty"`
	Data          ReportData    `json:"data"`
	NextPageToken string        `json:"nextPageToken,omitempty"`
}

// PageToken returns the continuation token for the next page, or "" on the
// last page. Older payloads carry the token inside data.
func (r Report) PageToken() string {
	if r.NextPageToken != "" {
		return r.NextPageToken
	}
	return r.Data.NextPageToken
}

type ColumnHeader struct {
	Dimensions   []string     `json:"dimensions"`
	MetricHeader MetricHeader `json:"metricHeader"`
}

type MetricHeader struct {
	MetricHeaderEntries []MetricHeaderEntry `json:"metricHeaderEntries"`
}

// MetricHeaderEntry names a metric column and its value type
// (INTEGER, FLOAT, CURRENCY, PERCENT, TIME).
type MetricHeaderEntry struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
}

type ReportData struct {
	Rows          []ReportRow `json:"rows,omitempty"`
	RowCount      int         `json:"rowCount,omitempty"`
	NextPageToken string      `json:"nextPageToken,omitempty"`
}

// ReportRow holds dimension values and one metric vector per requested date range.
type ReportRow struct {
	Dimensions []string          `json:"dimensions"`
	Metrics    []DateRangeValues `json:"metrics"`
}

type DateRangeValues struct {
	Values []string `json:"values"`
}
