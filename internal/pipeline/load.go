package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	bq "github.com/dvloznov/analytics-ingest/internal/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/jobs"
	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrLoadFailed marks an Outcome whose warehouse load did not succeed.
	ErrLoadFailed = errors.New("load failed")

	// ErrMergeFailed marks an Outcome whose load succeeded but whose merge did not.
	ErrMergeFailed = errors.New("merge failed")
)

// Outcome is the terminal result of awaiting one load job.
type Outcome struct {
	ReportName string
	Job        *jobs.LoadJob
	OutputRows *int64
	Err        error
}

// LoadCoordinatorConfig tunes a LoadCoordinator. Zero values use the defaults.
type LoadCoordinatorConfig struct {
	RunID        string
	PollInterval time.Duration
	Concurrency  int
}

// LoadCoordinator owns the load jobs of one run: it starts each staging
// load, waits for it and merges the stage into the target once it succeeds.
type LoadCoordinator struct {
	warehouse bq.Warehouse
	store     jobs.JobStore
	cfg       LoadCoordinatorConfig

	mu       sync.Mutex
	datasets map[string]bool

	now      func() time.Time
	newJobID func() string
}

// NewLoadCoordinator creates a coordinator. store may be nil.
func NewLoadCoordinator(warehouse bq.Warehouse, store jobs.JobStore, cfg LoadCoordinatorConfig) *LoadCoordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultAwaitConcurrency
	}
	return &LoadCoordinator{
		warehouse: warehouse,
		store:     store,
		cfg:       cfg,
		datasets:  make(map[string]bool),
		now:       time.Now,
		newJobID: func() string {
			return "analytics_ingest_" + uuid.NewString()
		},
	}
}

// Submit starts loading rows into the table's staging table and returns
// without waiting. Empty rows are never submitted and yield (nil, nil).
// When the load cannot be started the returned job is already failed.
func (c *LoadCoordinator) Submit(ctx context.Context, reportName string, rows []NormalizedRow, table TableSpec) (*jobs.LoadJob, error) {
	if len(rows) == 0 {
		return nil, nil
	}

	job := &jobs.LoadJob{
		JobID:       c.newJobID(),
		RunID:       c.cfg.RunID,
		ReportName:  reportName,
		Dataset:     table.Dataset,
		TargetTable: table.Table,
		StageTable:  table.StageTable,
		PrimaryKey:  slices.Clone(table.PrimaryKey),
		Columns:     table.Columns(),
		Rows:        len(rows),
		Status:      jobs.JobStatusPending,
		CreatedAt:   c.now(),
	}
	c.persist(ctx, job)

	log := logger.FromContext(ctx).With().
		Str("report", reportName).
		Str("job_id", job.JobID).
		Logger()

	if err := c.ensureDataset(ctx, table.Dataset); err != nil {
		c.fail(ctx, job, err)
		return job, fmt.Errorf("Submit: %s: %w", reportName, err)
	}

	ref, err := c.warehouse.StartLoad(ctx, bq.LoadRequest{
		JobID:   job.JobID,
		Dataset: table.Dataset,
		Table:   table.StageTable,
		Schema:  table.Schema,
		Rows:    toWarehouseRows(rows),
	})
	if err != nil {
		c.fail(ctx, job, err)
		return job, fmt.Errorf("Submit: %s: starting load: %w", reportName, err)
	}

	started := c.now()
	job.Location = ref.Location
	job.Status = jobs.JobStatusRunning
	job.StartedAt = &started
	c.persist(ctx, job)

	log.Info().
		Int("rows", len(rows)).
		Str("stage_table", table.Dataset+"."+table.StageTable).
		Msg("Load job submitted")

	return job, nil
}

// AwaitAll waits for every job to reach a terminal status and merges each
// succeeded job right away. Jobs are awaited concurrently; one job's merge
// never waits for another's. Failures are reported in the outcomes, which
// are returned in input order. Awaiting an already succeeded job runs its
// merge again.
func (c *LoadCoordinator) AwaitAll(ctx context.Context, loadJobs []*jobs.LoadJob) []Outcome {
	outcomes := make([]Outcome, len(loadJobs))

	var g errgroup.Group
	g.SetLimit(c.cfg.Concurrency)

	for i, job := range loadJobs {
		if job == nil {
			continue
		}
		g.Go(func() error {
			outcomes[i] = c.await(ctx, job)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (c *LoadCoordinator) await(ctx context.Context, job *jobs.LoadJob) Outcome {
	log := logger.FromContext(ctx).With().
		Str("report", job.ReportName).
		Str("job_id", job.JobID).
		Logger()
	ctx = logger.WithContext(ctx, log)

	out := Outcome{ReportName: job.ReportName, Job: job}

	if !job.Status.Terminal() {
		c.poll(ctx, job)
	}

	if job.Status == jobs.JobStatusFailed {
		out.Err = fmt.Errorf("%w: %s", ErrLoadFailed, job.Error)
		return out
	}
	out.OutputRows = job.OutputRows

	if err := c.merge(ctx, job.ReportName, bq.MergeRequest{
		Dataset:        job.Dataset,
		StageTable:     job.StageTable,
		TargetTable:    job.TargetTable,
		PrimaryKey:     job.PrimaryKey,
		IncrementalKey: bq.BatchedAtColumn,
		Columns:        job.Columns,
	}); err != nil {
		job.Merged = false
		job.MergeError = err.Error()
		c.persist(ctx, job)
		out.Err = fmt.Errorf("%w: %v", ErrMergeFailed, err)
		return out
	}

	job.Merged = true
	job.MergeError = ""
	c.persist(ctx, job)
	return out
}

// poll checks the job at the configured interval until it is terminal or
// ctx is done. A job whose status cannot be read is failed.
func (c *LoadCoordinator) poll(ctx context.Context, job *jobs.LoadJob) {
	ref := bq.JobRef{ID: job.JobID, Location: job.Location}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		st, err := c.warehouse.LoadStatus(ctx, ref)
		if err != nil {
			c.fail(ctx, job, fmt.Errorf("reading load status: %w", err))
			return
		}
		if st.Done {
			if st.Err != nil {
				c.fail(ctx, job, st.Err)
				return
			}
			c.succeed(ctx, job, st.OutputRows)
			return
		}

		select {
		case <-ctx.Done():
			c.fail(ctx, job, ctx.Err())
			return
		case <-ticker.C:
		}
	}
}

// Jobs lists the jobs this coordinator's run has recorded, oldest first.
// Without a store it returns nil.
func (c *LoadCoordinator) Jobs(ctx context.Context) ([]*jobs.LoadJob, error) {
	if c.store == nil {
		return nil, nil
	}
	list, err := c.store.ListJobs(ctx, jobs.JobFilter{RunID: c.cfg.RunID})
	if err != nil {
		return nil, fmt.Errorf("Jobs: %w", err)
	}
	return list, nil
}

// MergeTable merges a table's stage into its target outside of a run.
func (c *LoadCoordinator) MergeTable(ctx context.Context, reportName string, table TableSpec) error {
	return c.merge(ctx, reportName, bq.MergeRequest{
		Dataset:        table.Dataset,
		StageTable:     table.StageTable,
		TargetTable:    table.Table,
		PrimaryKey:     table.PrimaryKey,
		IncrementalKey: bq.BatchedAtColumn,
		Columns:        table.Columns(),
	})
}

func (c *LoadCoordinator) merge(ctx context.Context, reportName string, req bq.MergeRequest) error {
	if err := c.warehouse.Merge(ctx, req); err != nil {
		mergesTotal.WithLabelValues(reportName, "error").Inc()
		lg := logger.FromContext(ctx)
		lg.Error().Err(err).Str("table", req.TargetTable).Msg("Merge failed")
		return err
	}
	mergesTotal.WithLabelValues(reportName, "ok").Inc()
	return nil
}

func (c *LoadCoordinator) ensureDataset(ctx context.Context, dataset string) error {
	c.mu.Lock()
	done := c.datasets[dataset]
	c.mu.Unlock()
	if done {
		return nil
	}

	if err := c.warehouse.EnsureDataset(ctx, dataset); err != nil {
		return err
	}

	c.mu.Lock()
	c.datasets[dataset] = true
	c.mu.Unlock()
	return nil
}

func (c *LoadCoordinator) succeed(ctx context.Context, job *jobs.LoadJob, outputRows *int64) {
	done := c.now()
	job.Status = jobs.JobStatusSucceeded
	job.OutputRows = outputRows
	job.CompletedAt = &done
	c.persist(ctx, job)
	loadJobsTotal.WithLabelValues(job.ReportName, string(jobs.JobStatusSucceeded)).Inc()

	lg := logger.FromContext(ctx)
	ev := lg.Info()
	if outputRows != nil {
		ev = ev.Int64("output_rows", *outputRows)
	}
	ev.Msg("Load job succeeded")
}

func (c *LoadCoordinator) fail(ctx context.Context, job *jobs.LoadJob, err error) {
	done := c.now()
	job.Status = jobs.JobStatusFailed
	job.Error = err.Error()
	job.CompletedAt = &done
	c.persist(ctx, job)
	loadJobsTotal.WithLabelValues(job.ReportName, string(jobs.JobStatusFailed)).Inc()

	lg := logger.FromContext(ctx)
	lg.Error().Err(err).Str("report", job.ReportName).Msg("Load job failed")
}

func (c *LoadCoordinator) persist(ctx context.Context, job *jobs.LoadJob) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveJob(ctx, job); err != nil {
		lg := logger.FromContext(ctx)
		lg.Warn().Err(err).Str("job_id", job.JobID).Msg("Failed to record load job state")
	}
}
