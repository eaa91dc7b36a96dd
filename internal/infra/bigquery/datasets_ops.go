package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/analytics-ingest/internal/logger"
	"google.golang.org/api/googleapi"
)

// maxNameLen is the BigQuery limit on dataset and table name length. RE2
// caps repeat counts at 1000, so the patterns leave the length to callers.
const maxNameLen = 1024

var (
	datasetPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	tablePattern   = regexp.MustCompile(`^[A-Za-z0-9_\-]+$`)
	columnPattern  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,299}$`)
)

func validDataset(name string) bool {
	return len(name) <= maxNameLen && datasetPattern.MatchString(name)
}

func validTableName(name string) bool {
	return len(name) <= maxNameLen && tablePattern.MatchString(name)
}

// EnsureDatasetWithClient creates the dataset in the given location. An
// already existing dataset is not an error.
func EnsureDatasetWithClient(ctx context.Context, client *bigquery.Client, dataset, location string) error {
	if !validDataset(dataset) {
		return fmt.Errorf("EnsureDataset: invalid dataset name %q", dataset)
	}

	err := client.Dataset(dataset).Create(ctx, &bigquery.DatasetMetadata{Location: location})
	if err == nil {
		lg := logger.FromContext(ctx)
		lg.Info().Str("dataset", dataset).Msg("Created dataset")
		return nil
	}
	if isStatus(err, http.StatusConflict) {
		return nil
	}
	return fmt.Errorf("EnsureDataset: creating dataset %s: %w", dataset, err)
}

// isStatus reports whether err is a Google API error with the given HTTP code.
func isStatus(err error, code int) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == code
}

func validateTable(dataset, table string) error {
	if !validDataset(dataset) {
		return fmt.Errorf("invalid dataset name %q", dataset)
	}
	if !validTableName(table) {
		return fmt.Errorf("invalid table name %q", table)
	}
	return nil
}
