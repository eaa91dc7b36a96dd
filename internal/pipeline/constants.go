package pipeline

import "time"

// Default values for fetching and loading.
// These can be overridden via RunnerConfig or the CLI flags.
const (
	// DefaultPageSize is the number of rows requested per report page.
	DefaultPageSize = 50000

	// MaxReportsPerBatch is the reporting API limit on report requests per call.
	MaxReportsPerBatch = 5

	// DefaultMaxRounds aborts a fetch that keeps returning page tokens.
	DefaultMaxRounds = 1000

	// DefaultPollInterval is how often load job status is checked.
	DefaultPollInterval = 2 * time.Second

	// DefaultAwaitConcurrency bounds how many load jobs are awaited at once.
	DefaultAwaitConcurrency = 8

	// DefaultLookbackDays is the width of the default date range, ending today.
	DefaultLookbackDays = 10

	// StageTablePrefix is prepended to a report table name to form its staging table.
	StageTablePrefix = "_stage_"

	// StatusNoRows marks a report that ran and found nothing to load.
	StatusNoRows = "no rows"
)
