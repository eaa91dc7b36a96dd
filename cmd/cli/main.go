package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dvloznov/analytics-ingest/internal/config"
	"github.com/dvloznov/analytics-ingest/internal/gcsarchive"
	infraBQ "github.com/dvloznov/analytics-ingest/internal/infra/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/jobs/inmemory"
	"github.com/dvloznov/analytics-ingest/internal/lock"
	"github.com/dvloznov/analytics-ingest/internal/logger"
	"github.com/dvloznov/analytics-ingest/internal/metrics"
	"github.com/dvloznov/analytics-ingest/internal/pipeline"
	"github.com/dvloznov/analytics-ingest/internal/report"
	"github.com/dvloznov/analytics-ingest/internal/reporting"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		runRun(log)
	case "replay":
		runReplay(log)
	case "merge":
		runMerge(log)
	case "reports":
		runReports()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Analytics Ingest CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  run       Fetch reports for one view and load them into BigQuery")
	fmt.Println("  replay    Load previously archived report pages without calling the API")
	fmt.Println("  merge     Re-run the stage-to-target merge of one report")
	fmt.Println("  reports   List the known reports")
	fmt.Println("  help      Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// targetFlags are the flags naming the view a command works on.
type targetFlags struct {
	account  *string
	property *string
	view     *string
	viewID   *string
}

func bindTarget(fs *flag.FlagSet) targetFlags {
	return targetFlags{
		account:  fs.String("account", "", "account name, used as the BigQuery dataset"),
		property: fs.String("property", "", "property name, used in table names"),
		view:     fs.String("view", "", "view name, used in table names"),
		viewID:   fs.String("view-id", "", "reporting API view ID"),
	}
}

func (f targetFlags) target() pipeline.Target {
	return pipeline.Target{
		Account:  *f.account,
		Property: *f.property,
		View:     *f.view,
		ViewID:   *f.viewID,
	}
}

func runRun(log zerolog.Logger) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfg := config.Bind(fs, os.Getenv)
	tf := bindTarget(fs)
	reports := fs.String("reports", "", "comma-separated report names (default: all)")
	start := fs.String("start", "", "first day, YYYY-MM-DD (default: ten days ago)")
	end := fs.String("end", "", "last day, YYYY-MM-DD (default: today)")
	fs.Parse(os.Args[2:])

	log = log.Level(logger.ParseLevel(cfg.LogLevel))
	mustValidate(log, cfg, cfg.RequireWarehouse, cfg.RequireReporting)

	target := tf.target()
	if err := target.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Usage: cli run -account A -property P -view V -view-id ID")
	}
	dr, err := pipeline.ParseDateRange(*start, *end)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid date range")
	}

	ctx, cancel := commandContext(cfg)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	runner, closeRunner := newRunner(ctx, log, cfg, reporting.NewClient(cfg.ReportingConfig()))
	defer closeRunner()

	release := acquireTarget(ctx, log, cfg, target)
	result, err := runner.Run(ctx, pipeline.WorkItem{
		Target:    target,
		Reports:   splitList(*reports),
		DateRange: dr,
		Headers:   cfg.Headers(),
	})
	release()
	pushMetrics(ctx, log, cfg, target)

	if err != nil {
		log.Fatal().Err(err).Msg("Run failed")
	}
	printResult(log, result)
	if result.Failed() {
		os.Exit(2)
	}
}

func runReplay(log zerolog.Logger) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	cfg := config.Bind(fs, os.Getenv)
	tf := bindTarget(fs)
	uris := fs.String("uris", "", "comma-separated gs:// URIs of archived reports")
	fs.Parse(os.Args[2:])

	log = log.Level(logger.ParseLevel(cfg.LogLevel))
	mustValidate(log, cfg, cfg.RequireWarehouse)

	target := tf.target()
	if err := target.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Usage: cli replay -account A -property P -view V -view-id ID -uris gs://...")
	}
	sources := splitList(*uris)
	if len(sources) == 0 {
		log.Fatal().Msg("Error: -uris is required")
	}
	if cfg.ArchiveBucket == "" {
		// Replay reads from whatever bucket the URIs name.
		bucket, _, err := gcsarchive.ParseURI(sources[0])
		if err != nil {
			log.Fatal().Err(err).Msg("Invalid archive URI")
		}
		cfg.ArchiveBucket = bucket
	}

	ctx, cancel := commandContext(cfg)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	runner, closeRunner := newRunner(ctx, log, cfg, nil)
	defer closeRunner()

	release := acquireTarget(ctx, log, cfg, target)
	result, err := runner.Replay(ctx, pipeline.WorkItem{Target: target}, sources)
	release()
	pushMetrics(ctx, log, cfg, target)

	if err != nil {
		log.Fatal().Err(err).Msg("Replay failed")
	}
	printResult(log, result)
	if result.Failed() {
		os.Exit(2)
	}
}

func runMerge(log zerolog.Logger) {
	fs := flag.NewFlagSet("merge", flag.ExitOnError)
	cfg := config.Bind(fs, os.Getenv)
	tf := bindTarget(fs)
	reportName := fs.String("report", "", "report to merge, e.g. Events")
	fs.Parse(os.Args[2:])

	log = log.Level(logger.ParseLevel(cfg.LogLevel))
	mustValidate(log, cfg, cfg.RequireWarehouse)

	target := tf.target()
	if err := target.Validate(); err != nil || *reportName == "" {
		log.Fatal().Err(err).Msg("Usage: cli merge -account A -property P -view V -view-id ID -report NAME")
	}

	ctx, cancel := commandContext(cfg)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	cfg.ArchiveBucket = ""
	runner, closeRunner := newRunner(ctx, log, cfg, nil)
	defer closeRunner()

	release := acquireTarget(ctx, log, cfg, target)
	rows, err := runner.Merge(ctx, target, *reportName)
	release()

	if err != nil {
		log.Fatal().Err(err).Str("report", *reportName).Msg("Merge failed")
	}
	fmt.Printf("Merged %s into %s.%s (%d rows)\n", *reportName, target.Account, mustTable(*reportName, target), rows)
}

func runReports() {
	fs := flag.NewFlagSet("reports", flag.ExitOnError)
	property := fs.String("property", "", "property name, to show table names")
	view := fs.String("view", "", "view name, to show table names")
	fs.Parse(os.Args[2:])

	for _, spec := range report.All() {
		fmt.Printf("%s\n", spec.Name())
		if *property != "" && *view != "" {
			fmt.Printf("  table:      %s\n", spec.TableName(*property, *view))
		}
		fmt.Printf("  dimensions: %s\n", strings.Join(spec.Dimensions, ", "))
		fmt.Printf("  metrics:    %s\n", strings.Join(spec.Metrics, ", "))
	}
}

func mustValidate(log zerolog.Logger, cfg *config.Config, checks ...func() error) {
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	for _, check := range checks {
		if err := check(); err != nil {
			log.Fatal().Err(err).Msg("Invalid configuration")
		}
	}
}

func commandContext(cfg *config.Config) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, cfg.RunTimeout)
	return ctx, func() {
		cancel()
		stop()
	}
}

// newRunner wires the warehouse, job store, recorder and optional archive.
// api may be nil for commands that never call the reporting API.
func newRunner(ctx context.Context, log zerolog.Logger, cfg *config.Config, api pipeline.ReportsAPI) (*pipeline.Runner, func()) {
	warehouse, err := infraBQ.NewWarehouse(ctx, cfg.ProjectID, cfg.Location, cfg.OpsDataset)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	closers := []func() error{warehouse.Close}

	runner := pipeline.NewRunner(api, warehouse, inmemory.NewStore(), cfg.RunnerConfig()).
		WithRecorder(warehouse)

	if cfg.ArchiveBucket != "" {
		archive, err := gcsarchive.NewArchive(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create storage client")
		}
		closers = append(closers, archive.Close)
		runner.WithArchiver(archive)
	}

	return runner, func() {
		for _, c := range closers {
			if err := c(); err != nil {
				log.Warn().Err(err).Msg("Failed to close client")
			}
		}
	}
}

// acquireTarget takes the target lock when Redis is configured and keeps it
// alive until the returned release func is called.
func acquireTarget(ctx context.Context, log zerolog.Logger, cfg *config.Config, target pipeline.Target) func() {
	if cfg.RedisAddr == "" {
		return func() {}
	}

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	locker := lock.NewLocker(client, cfg.LockTTL, 0)

	lease, err := locker.Acquire(ctx, target.Account+"/"+target.ViewID, cfg.LockWait)
	if err != nil {
		client.Close()
		if errors.Is(err, lock.ErrLocked) {
			log.Fatal().Str("view_id", target.ViewID).Msg("Another run holds this target")
		}
		log.Fatal().Err(err).Msg("Failed to acquire target lock")
	}

	keepCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		lease.KeepAlive(keepCtx)
	}()

	return func() {
		stop()
		<-done
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("Failed to release target lock")
		}
		client.Close()
	}
}

func pushMetrics(ctx context.Context, log zerolog.Logger, cfg *config.Config, target pipeline.Target) {
	if cfg.PushgatewayURL == "" {
		return
	}
	p, err := metrics.NewPusher(cfg.PushgatewayURL, metrics.DefaultJob)
	if err != nil {
		log.Warn().Err(err).Msg("Metrics push disabled")
		return
	}
	if err := p.Group("view_id", target.ViewID).Push(context.WithoutCancel(ctx)); err != nil {
		log.Warn().Err(err).Msg("Failed to push metrics")
	}
}

func printResult(log zerolog.Logger, result *pipeline.RunResult) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Fatal().Err(err).Msg("Failed to encode result")
	}
}

func mustTable(reportName string, target pipeline.Target) string {
	spec, err := report.Lookup(reportName)
	if err != nil {
		return reportName
	}
	return spec.TableName(target.Property, target.View)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
