// Package pipeline fetches analytics reports in batched, paged rounds,
// normalizes their rows and loads them into the warehouse through staging
// tables that are merged into permanent per-report tables.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/jobs"
	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/dvloznov/analytics-ingest/internal/report"
	"github.com/google/uuid"
)

// RunnerConfig tunes a Runner. Zero values use the package defaults.
type RunnerConfig struct {
	PageSize         int
	MaxRounds        int
	PollInterval     time.Duration
	AwaitConcurrency int
}

// Runner executes WorkItems end to end.
type Runner struct {
	api       ReportsAPI
	warehouse bq.Warehouse
	store     jobs.JobStore
	archiver  Archiver
	recorder  bq.RunRecorder
	cfg       RunnerConfig

	now      func() time.Time
	newRunID func() string
}

// NewRunner creates a Runner. store may be nil.
func NewRunner(api ReportsAPI, warehouse bq.Warehouse, store jobs.JobStore, cfg RunnerConfig) *Runner {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Runner{
		api:       api,
		warehouse: warehouse,
		store:     store,
		cfg:       cfg,
		now:       time.Now,
		newRunID:  uuid.NewString,
	}
}

// WithArchiver enables archiving of raw pages after every fetch.
func (r *Runner) WithArchiver(a Archiver) *Runner {
	r.archiver = a
	return r
}

// WithRecorder enables the per-run audit row.
func (r *Runner) WithRecorder(rec bq.RunRecorder) *Runner {
	r.recorder = rec
	return r
}

// Run fetches, transforms, loads and merges the item's reports. Fetch and
// transform errors fail the run and return no result; load and merge
// errors are reported per report in the result.
func (r *Runner) Run(ctx context.Context, item WorkItem) (*RunResult, error) {
	state, err := r.newState(item)
	if err != nil {
		return nil, fmt.Errorf("Run: %w", err)
	}

	coordinator := r.coordinator(state.RunID)
	steps := []PipelineStep{
		&BuildStatesStep{},
		&StartRunStep{Recorder: r.recorder},
		&FetchStep{API: r.api, PageSize: r.cfg.PageSize, MaxRounds: r.cfg.MaxRounds},
	}
	if r.archiver != nil {
		steps = append(steps, &ArchiveStep{Archiver: r.archiver})
	}
	steps = append(steps,
		&TransformStep{},
		&SubmitStep{Coordinator: coordinator},
		&AwaitStep{Coordinator: coordinator},
		&AssembleStep{Coordinator: coordinator},
	)

	return r.execute(ctx, NewPipeline(steps...), state)
}

// Replay loads previously archived pages instead of calling the reporting
// API. The item's date range is taken from the archive, and every archived
// document must share it.
func (r *Runner) Replay(ctx context.Context, item WorkItem, archiveURIs []string) (*RunResult, error) {
	if r.archiver == nil {
		return nil, fmt.Errorf("Replay: no archiver configured")
	}

	state, err := r.newState(item)
	if err != nil {
		return nil, fmt.Errorf("Replay: %w", err)
	}
	state.ArchiveSources = archiveURIs

	coordinator := r.coordinator(state.RunID)
	p := NewPipeline(
		&ReadArchiveStep{Archiver: r.archiver},
		&StartRunStep{Recorder: r.recorder},
		&TransformStep{},
		&SubmitStep{Coordinator: coordinator},
		&AwaitStep{Coordinator: coordinator},
		&AssembleStep{Coordinator: coordinator},
	)

	return r.execute(ctx, p, state)
}

// Merge re-runs the stage-to-target merge of one report for a target and
// returns the target table's row count afterwards.
func (r *Runner) Merge(ctx context.Context, target Target, reportName string) (int64, error) {
	if err := target.Validate(); err != nil {
		return 0, fmt.Errorf("Merge: %w", err)
	}
	spec, err := report.Lookup(reportName)
	if err != nil {
		return 0, fmt.Errorf("Merge: %w", err)
	}

	table := TableFor(spec, target)
	if err := r.coordinator("").MergeTable(ctx, spec.Name(), table); err != nil {
		return 0, fmt.Errorf("Merge: %s: %w", spec.Name(), err)
	}

	n, err := r.warehouse.CountRows(ctx, table.Dataset, table.Table)
	if err != nil {
		return 0, fmt.Errorf("Merge: counting %s.%s: %w", table.Dataset, table.Table, err)
	}
	return n, nil
}

func (r *Runner) newState(item WorkItem) (*PipelineState, error) {
	if err := item.Target.Validate(); err != nil {
		return nil, err
	}

	now := r.now()
	dr := DefaultDateRange(civil.DateOf(now))
	if item.DateRange != nil {
		if err := item.DateRange.Validate(); err != nil {
			return nil, err
		}
		dr = *item.DateRange
	}

	return &PipelineState{
		RunID:     r.newRunID(),
		Item:      item,
		DateRange: dr,
		Meta: BatchMeta{
			SourceID:  item.Target.ViewID,
			BatchedAt: now.UTC(),
		},
	}, nil
}

func (r *Runner) coordinator(runID string) *LoadCoordinator {
	return NewLoadCoordinator(r.warehouse, r.store, LoadCoordinatorConfig{
		RunID:        runID,
		PollInterval: r.cfg.PollInterval,
		Concurrency:  r.cfg.AwaitConcurrency,
	})
}

func (r *Runner) execute(ctx context.Context, p *Pipeline, state *PipelineState) (*RunResult, error) {
	ctx = logger.WithRun(ctx, state.RunID, state.Item.Target.ViewID)
	log := logger.FromContext(ctx)
	start := time.Now()

	err := p.Execute(ctx, state)
	runDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		if r.recorder != nil && state.Recorded {
			r.recorder.MarkIngestRunFailed(ctx, state.RunID, err)
		}
		log.Error().Err(err).Msg("Run failed")
		return nil, fmt.Errorf("run %s: %w", state.RunID, err)
	}

	result := state.Result
	if result.Failed() {
		runsTotal.WithLabelValues("partial").Inc()
	} else {
		runsTotal.WithLabelValues("ok").Inc()
	}
	r.recordSuccess(ctx, state)

	log.Info().
		Int("reports", len(result.Reports)).
		Int64("rows_fetched", result.RowsFetched()).
		Bool("failed_reports", result.Failed()).
		Dur("duration", time.Since(start)).
		Msg("Run finished")

	return result, nil
}

func (r *Runner) recordSuccess(ctx context.Context, state *PipelineState) {
	if r.recorder == nil || !state.Recorded {
		return
	}
	result := state.Result
	summary, err := json.Marshal(result.Reports)
	if err != nil {
		lg := logger.FromContext(ctx)
		lg.Warn().Err(err).Msg("Failed to encode run summary")
		summary = []byte("[]")
	}
	if err := r.recorder.MarkIngestRunSucceeded(ctx, result.RunID, int64(len(result.Reports)), result.RowsFetched(), string(summary)); err != nil {
		lg := logger.FromContext(ctx)
		lg.Warn().Err(err).Msg("Failed to record run result")
	}
}
