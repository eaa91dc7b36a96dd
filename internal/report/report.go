// Package report defines the closed set of analytics report kinds the
// pipeline knows how to extract, along with their warehouse schemas.
package report

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnknownReport is returned when a report name is not in the registry.
var ErrUnknownReport = errors.New("unknown report")

// Kind identifies a report definition.
type Kind string

const (
	Demographics Kind = "Demographics"
	Ages         Kind = "Ages"
	Acquisitions Kind = "Acquisitions"
	Events       Kind = "Events"
)

// FieldType is a warehouse column type.
type FieldType string

const (
	FieldString    FieldType = "STRING"
	FieldInteger   FieldType = "INTEGER"
	FieldFloat     FieldType = "FLOAT"
	FieldDate      FieldType = "DATE"
	FieldTimestamp FieldType = "TIMESTAMP"
)

// Field is one column of a report's warehouse schema.
type Field struct {
	Name string
	Type FieldType
}

// Spec is the immutable definition of one report kind.
type Spec struct {
	Kind       Kind
	Dimensions []string
	Metrics    []string
	Schema     []Field
}

// Name returns the report's identity.
func (s Spec) Name() string {
	return string(s.Kind)
}

// TableName returns the permanent warehouse table for this report under the
// given property and view, e.g. "Shop__AllWebSiteData__EventsReport".
func (s Spec) TableName(property, view string) string {
	return fmt.Sprintf("%s__%s__%sReport", property, view, s.Kind)
}

// FieldType returns the schema type of the named column.
func (s Spec) FieldType(name string) (FieldType, bool) {
	for _, f := range s.Schema {
		if f.Name == name {
			return f.Type, true
		}
	}
	return "", false
}

var trafficMetrics = []string{
	"users",
	"newUsers",
	"sessionsPerUser",
	"sessions",
	"pageviews",
	"pageviewsPerSession",
	"avgSessionDuration",
	"bounceRate",
}

var engagementMetrics = []string{
	"users",
	"newUsers",
	"sessions",
	"pageviews",
	"avgSessionDuration",
	"bounceRate",
	"avgTimeOnPage",
	"totalEvents",
	"uniqueEvents",
}

// metricTypes holds the column type of every metric used by the registry.
// Metrics not listed are stored as FLOAT.
var metricTypes = map[string]FieldType{
	"users":        FieldInteger,
	"newUsers":     FieldInteger,
	"sessions":     FieldInteger,
	"pageviews":    FieldInteger,
	"totalEvents":  FieldInteger,
	"uniqueEvents": FieldInteger,
}

// registry is ordered; All returns reports in this order.
var registry = []Spec{
	newSpec(Demographics,
		[]string{"date", "channelGrouping", "deviceCategory", "userType", "country"},
		trafficMetrics),
	newSpec(Ages,
		[]string{"date", "channelGrouping", "deviceCategory", "userAgeBracket"},
		trafficMetrics),
	newSpec(Acquisitions,
		[]string{"date", "deviceCategory", "channelGrouping", "socialNetwork", "fullReferrer", "pagePath"},
		engagementMetrics),
	newSpec(Events,
		[]string{"date", "deviceCategory", "channelGrouping", "eventCategory", "eventAction"},
		engagementMetrics),
}

func newSpec(kind Kind, dimensions, metrics []string) Spec {
	schema := make([]Field, 0, len(dimensions)+len(metrics))
	for _, d := range dimensions {
		t := FieldString
		if d == "date" {
			t = FieldDate
		}
		schema = append(schema, Field{Name: d, Type: t})
	}
	for _, m := range metrics {
		t, ok := metricTypes[m]
		if !ok {
			t = FieldFloat
		}
		schema = append(schema, Field{Name: m, Type: t})
	}
	return Spec{
		Kind:       kind,
		Dimensions: slices.Clone(dimensions),
		Metrics:    slices.Clone(metrics),
		Schema:     schema,
	}
}

func (s Spec) clone() Spec {
	return Spec{
		Kind:       s.Kind,
		Dimensions: slices.Clone(s.Dimensions),
		Metrics:    slices.Clone(s.Metrics),
		Schema:     slices.Clone(s.Schema),
	}
}

// All returns every registered report in registry order.
func All() []Spec {
	out := make([]Spec, 0, len(registry))
	for _, s := range registry {
		out = append(out, s.clone())
	}
	return out
}

// Lookup finds a report by name, case-insensitively.
func Lookup(name string) (Spec, error) {
	for _, s := range registry {
		if strings.EqualFold(string(s.Kind), strings.TrimSpace(name)) {
			return s.clone(), nil
		}
	}
	return Spec{}, fmt.Errorf("Lookup: %q: %w", name, ErrUnknownReport)
}

// Resolve maps report names to specs, preserving order and dropping
// duplicates. An empty list resolves to All().
func Resolve(names []string) ([]Spec, error) {
	if len(names) == 0 {
		return All(), nil
	}
	seen := make(map[Kind]bool, len(names))
	specs := make([]Spec, 0, len(names))
	for _, n := range names {
		s, err := Lookup(n)
		if err != nil {
			return nil, err
		}
		if seen[s.Kind] {
			continue
		}
		seen[s.Kind] = true
		specs = append(specs, s)
	}
	return specs, nil
}
