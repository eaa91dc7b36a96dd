// Package gcsarchive stores raw fetched report pages in Google Cloud Storage
// so a run can be inspected or replayed without calling the reporting API again.
package gcsarchive

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/dvloznov/analytics-ingest/internal/logger"
)

// uploadTimeout bounds a single object write.
const uploadTimeout = 2 * time.Minute

// Archive writes and reads archived pages in one bucket under a common prefix.
type Archive struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewArchive creates an Archive with its own storage client. It assumes
// Application Default Credentials are configured.
func NewArchive(ctx context.Context, bucket, prefix string) (*Archive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("NewArchive: creating storage client: %w", err)
	}
	return NewArchiveWithClient(client, bucket, prefix), nil
}

// NewArchiveWithClient wraps an existing storage client.
func NewArchiveWithClient(client *storage.Client, bucket, prefix string) *Archive {
	return &Archive{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}
}

// Close closes the storage client.
func (a *Archive) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// ObjectName returns the object path for one report of one run:
// {prefix}/{viewID}/{YYYY-MM-DD}/{runID}/{report}.json
func (a *Archive) ObjectName(viewID, runID, reportName string, at time.Time) string {
	return ObjectName(a.prefix, viewID, runID, reportName, at)
}

// ObjectName builds an archive object path without a bound Archive.
func ObjectName(prefix, viewID, runID, reportName string, at time.Time) string {
	parts := []string{viewID, at.UTC().Format("2006-01-02"), runID, reportName + ".json"}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return path.Join(parts...)
}

// WriteObject uploads data as a JSON object and returns its gs:// URI.
func (a *Archive) WriteObject(ctx context.Context, objectName string, data []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := a.client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/json"

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("WriteObject: writing %s: %w", objectName, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("WriteObject: finalizing %s: %w", objectName, err)
	}

	uri := fmt.Sprintf("gs://%s/%s", a.bucket, objectName)
	lg := logger.FromContext(ctx)
	lg.Debug().
		Str("uri", uri).
		Int("bytes", len(data)).
		Msg("Archived object")

	return uri, nil
}

// ReadObject downloads the object at a gs:// URI.
func (a *Archive) ReadObject(ctx context.Context, gcsURI string) ([]byte, error) {
	bucket, object, err := ParseURI(gcsURI)
	if err != nil {
		return nil, fmt.Errorf("ReadObject: %w", err)
	}

	rc, err := a.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("ReadObject: opening %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("ReadObject: reading bytes: %w", err)
	}
	return data, nil
}

// ParseURI splits gs://bucket/path/to/object into bucket and object path.
func ParseURI(gcsURI string) (bucket, object string, err error) {
	if !strings.HasPrefix(gcsURI, "gs://") {
		return "", "", fmt.Errorf("invalid GCS URI: %s", gcsURI)
	}

	parts := strings.SplitN(strings.TrimPrefix(gcsURI, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", gcsURI)
	}
	return parts[0], parts[1], nil
}
