package pipeline

import (
	"context"
	"fmt"

	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/jobs"
	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/dvloznov/analytics-ingest/internal/report"
)

// PipelineStep represents a single step of a run.
type PipelineStep interface {
	Name() string
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all steps of one run.
type PipelineState struct {
	RunID     string
	Item      WorkItem
	DateRange DateRange
	Meta      BatchMeta

	Specs   []report.Spec
	Fetches []*FetchState

	// ArchiveSources lists archive URIs to rebuild Fetches from on replay.
	ArchiveSources []string
	ArchiveURIs    map[string]string

	Rows         map[string][]NormalizedRow
	Jobs         []*jobs.LoadJob
	SubmitErrors map[string]error
	Outcomes     map[string]Outcome

	Result *RunResult

	// Recorded is set once the run's audit row has been written.
	Recorded bool
}

// BuildStatesStep resolves the requested reports and creates one fetch
// state per report.
type BuildStatesStep struct{}

func (s *BuildStatesStep) Name() string { return "build_states" }

func (s *BuildStatesStep) Execute(ctx context.Context, state *PipelineState) error {
	specs, err := report.Resolve(state.Item.Reports)
	if err != nil {
		return err
	}
	state.Specs = specs
	state.Fetches = make([]*FetchState, len(specs))
	for i, spec := range specs {
		state.Fetches[i] = NewFetchState(spec)
	}
	return nil
}

// StartRunStep logs the resolved run parameters and writes the audit row.
// It runs once the date range is final. Recorder may be nil.
type StartRunStep struct {
	Recorder bq.RunRecorder
}

func (s *StartRunStep) Name() string { return "start_run" }

func (s *StartRunStep) Execute(ctx context.Context, state *PipelineState) error {
	t := state.Item.Target
	log := logger.FromContext(ctx)
	log.Info().
		Str("account", t.Account).
		Str("property", t.Property).
		Str("view", t.View).
		Str("start", state.DateRange.Start.String()).
		Str("end", state.DateRange.End.String()).
		Int("reports", len(state.Specs)).
		Msg("Starting run")

	if s.Recorder == nil {
		return nil
	}
	row := &bq.IngestRunRow{
		RunID:     state.RunID,
		ViewID:    t.ViewID,
		Account:   t.Account,
		Property:  t.Property,
		View:      t.View,
		StartDate: state.DateRange.Start.String(),
		EndDate:   state.DateRange.End.String(),
		StartedTS: state.Meta.BatchedAt,
	}
	if err := s.Recorder.StartIngestRun(ctx, row); err != nil {
		log.Warn().Err(err).Msg("Failed to record run start")
		return nil
	}
	state.Recorded = true
	return nil
}

// FetchStep fetches every state to completion, at most MaxReportsPerBatch
// reports per batched call.
type FetchStep struct {
	API       ReportsAPI
	PageSize  int
	MaxRounds int
}

func (s *FetchStep) Name() string { return "fetch" }

func (s *FetchStep) Execute(ctx context.Context, state *PipelineState) error {
	fetcher := NewBatchFetcher(s.API, state.Item.Headers, s.MaxRounds)
	for start := 0; start < len(state.Fetches); start += MaxReportsPerBatch {
		end := min(start+MaxReportsPerBatch, len(state.Fetches))
		if err := fetcher.FetchAll(ctx, state.Item.Target, state.Fetches[start:end], state.DateRange, s.PageSize); err != nil {
			return err
		}
	}
	return nil
}

// ArchiveStep writes each fetched report to the archive. Archive failures
// are logged and do not fail the run.
type ArchiveStep struct {
	Archiver Archiver
}

func (s *ArchiveStep) Name() string { return "archive" }

func (s *ArchiveStep) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	state.ArchiveURIs = make(map[string]string, len(state.Fetches))

	for _, f := range state.Fetches {
		name := f.Spec.Name()
		data, err := EncodeArchive(f, state.RunID, state.Item.Target, state.DateRange, state.Meta.BatchedAt)
		if err != nil {
			log.Warn().Err(err).Str("report", name).Msg("Skipping archive")
			continue
		}
		object := s.Archiver.ObjectName(state.Item.Target.ViewID, state.RunID, name, state.Meta.BatchedAt)
		uri, err := s.Archiver.WriteObject(ctx, object, data)
		if err != nil {
			log.Warn().Err(err).Str("report", name).Msg("Failed to archive report pages")
			continue
		}
		state.ArchiveURIs[name] = uri
	}
	return nil
}

// ReadArchiveStep rebuilds fetch states from archived pages instead of
// calling the reporting API.
type ReadArchiveStep struct {
	Archiver Archiver
}

func (s *ReadArchiveStep) Name() string { return "read_archive" }

func (s *ReadArchiveStep) Execute(ctx context.Context, state *PipelineState) error {
	if len(state.ArchiveSources) == 0 {
		return fmt.Errorf("no archive sources")
	}

	seen := make(map[report.Kind]bool, len(state.ArchiveSources))
	state.ArchiveURIs = make(map[string]string, len(state.ArchiveSources))
	var archived *DateRange
	for _, uri := range state.ArchiveSources {
		data, err := s.Archiver.ReadObject(ctx, uri)
		if err != nil {
			return err
		}
		fs, target, dr, err := DecodeArchive(data)
		if err != nil {
			return fmt.Errorf("%s: %w", uri, err)
		}
		if target.ViewID != state.Item.Target.ViewID {
			return fmt.Errorf("%s: %w: archived view %s does not match %s",
				uri, ErrInvalidTarget, target.ViewID, state.Item.Target.ViewID)
		}
		if seen[fs.Spec.Kind] {
			return fmt.Errorf("%s: report %s archived twice", uri, fs.Spec.Name())
		}
		seen[fs.Spec.Kind] = true

		if archived == nil {
			archived = &dr
		} else if dr != *archived {
			return fmt.Errorf("%s: %w: archived range %s..%s differs from %s..%s",
				uri, ErrInvalidDateRange, dr.Start, dr.End, archived.Start, archived.End)
		}

		state.Specs = append(state.Specs, fs.Spec)
		state.Fetches = append(state.Fetches, fs)
		state.ArchiveURIs[fs.Spec.Name()] = uri
	}
	state.DateRange = *archived
	return nil
}

// TransformStep converts every fetched state into normalized rows.
type TransformStep struct{}

func (s *TransformStep) Name() string { return "transform" }

func (s *TransformStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Rows = make(map[string][]NormalizedRow, len(state.Fetches))
	for _, f := range state.Fetches {
		rows, err := Transform(f, state.Meta)
		if err != nil {
			return err
		}
		state.Rows[f.Spec.Name()] = rows
	}
	return nil
}

// SubmitStep starts one load per report with rows. A report whose load
// cannot be started is recorded and does not stop its siblings.
type SubmitStep struct {
	Coordinator *LoadCoordinator
}

func (s *SubmitStep) Name() string { return "submit" }

func (s *SubmitStep) Execute(ctx context.Context, state *PipelineState) error {
	state.SubmitErrors = make(map[string]error)
	for _, spec := range state.Specs {
		rows := state.Rows[spec.Name()]
		job, err := s.Coordinator.Submit(ctx, spec.Name(), rows, TableFor(spec, state.Item.Target))
		if err != nil {
			state.SubmitErrors[spec.Name()] = err
			continue
		}
		if job != nil {
			state.Jobs = append(state.Jobs, job)
		}
	}
	return nil
}

// AwaitStep waits for all submitted loads and their merges.
type AwaitStep struct {
	Coordinator *LoadCoordinator
}

func (s *AwaitStep) Name() string { return "await" }

func (s *AwaitStep) Execute(ctx context.Context, state *PipelineState) error {
	state.Outcomes = make(map[string]Outcome, len(state.Jobs))
	for _, o := range s.Coordinator.AwaitAll(ctx, state.Jobs) {
		state.Outcomes[o.ReportName] = o
	}
	return nil
}

// AssembleStep builds the RunResult in report order. Job IDs and merge
// state come from the coordinator's job store when it has one.
type AssembleStep struct {
	Coordinator *LoadCoordinator
}

func (s *AssembleStep) Name() string { return "assemble" }

func (s *AssembleStep) Execute(ctx context.Context, state *PipelineState) error {
	stored := make(map[string]*jobs.LoadJob)
	if s.Coordinator != nil {
		recorded, err := s.Coordinator.Jobs(ctx)
		if err != nil {
			lg := logger.FromContext(ctx)
			lg.Warn().Err(err).Msg("Failed to list load jobs")
		}
		// Oldest first, so the latest job per report wins.
		for _, j := range recorded {
			stored[j.ReportName] = j
		}
	}

	result := &RunResult{
		RunID:     state.RunID,
		Target:    state.Item.Target,
		DateRange: state.DateRange,
		Reports:   make([]ReportResult, 0, len(state.Specs)),
	}

	for i, spec := range state.Specs {
		name := spec.Name()
		rr := ReportResult{
			ReportName:  name,
			RowsFetched: len(state.Fetches[i].Rows),
			ArchiveURI:  state.ArchiveURIs[name],
		}

		if err, ok := state.SubmitErrors[name]; ok {
			rr.Status = string(jobs.JobStatusFailed)
			rr.Error = err.Error()
		} else if o, ok := state.Outcomes[name]; ok {
			job := o.Job
			if j, ok := stored[name]; ok {
				job = j
			}
			if job != nil {
				rr.JobID = job.JobID
				rr.Merged = job.Merged
			}
			rr.OutputRows = o.OutputRows
			rr.Status = string(o.Job.Status)
			if o.Err != nil {
				rr.Status = string(jobs.JobStatusFailed)
				rr.Error = o.Err.Error()
			}
		} else if len(state.Rows[name]) == 0 {
			rr.Status = StatusNoRows
		}

		result.Reports = append(result.Reports, rr)
	}

	state.Result = result
	return nil
}

// Pipeline executes a sequence of steps in order.
type Pipeline struct {
	steps []PipelineStep
}

// NewPipeline creates a new pipeline with the given steps.
func NewPipeline(steps ...PipelineStep) *Pipeline {
	return &Pipeline{steps: steps}
}

// Execute runs all steps in the pipeline sequentially, stopping at the
// first error.
func (p *Pipeline) Execute(ctx context.Context, state *PipelineState) error {
	log := logger.FromContext(ctx)
	for i, step := range p.steps {
		log.Debug().Int("step", i+1).Str("name", step.Name()).Msg("Running pipeline step")
		if err := step.Execute(ctx, state); err != nil {
			return fmt.Errorf("pipeline step %d (%s) failed: %w", i+1, step.Name(), err)
		}
	}
	return nil
}
