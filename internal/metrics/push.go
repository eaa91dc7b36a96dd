// Package metrics pushes the process metrics of a finished command to a
// Prometheus Pushgateway. Batch runs exit before any scrape could reach
// them, so the collectors registered by the other packages are pushed once
// at the end of a run.
package metrics

import (
	"context"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// DefaultJob is the Pushgateway job name used when none is given.
const DefaultJob = "analytics_ingest"

// Pusher pushes a gatherer's metrics under one job and grouping key.
type Pusher struct {
	gatewayURL string
	job        string
	gatherer   prometheus.Gatherer
	grouping   map[string]string
}

// NewPusher creates a Pusher for the default registry.
func NewPusher(gatewayURL, job string) (*Pusher, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("NewPusher: gateway URL is required")
	}
	if job == "" {
		job = DefaultJob
	}
	return &Pusher{
		gatewayURL: gatewayURL,
		job:        job,
		gatherer:   prometheus.DefaultGatherer,
		grouping:   make(map[string]string),
	}, nil
}

// WithGatherer replaces the default registry.
func (p *Pusher) WithGatherer(g prometheus.Gatherer) *Pusher {
	p.gatherer = g
	return p
}

// Group adds a grouping label, e.g. the view a run was scoped to.
func (p *Pusher) Group(name, value string) *Pusher {
	p.grouping[name] = value
	return p
}

// Push replaces the metrics of this job and grouping on the gateway.
func (p *Pusher) Push(ctx context.Context) error {
	pusher := push.New(p.gatewayURL, p.job).Gatherer(p.gatherer)

	names := make([]string, 0, len(p.grouping))
	for name := range p.grouping {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		pusher = pusher.Grouping(name, p.grouping[name])
	}

	if err := pusher.PushContext(ctx); err != nil {
		return fmt.Errorf("Push: %s: %w", p.gatewayURL, err)
	}
	return nil
}
