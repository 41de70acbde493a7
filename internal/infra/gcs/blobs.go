// Package gcs stores inbox attachments in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/dvloznov/teamledger/internal/domain"
)

const uploadTimeout = 2 * time.Minute

// BlobStore writes attachments under <prefix>/<team>/<inbox>/<name>.
// It assumes Application Default Credentials are configured.
type BlobStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a BlobStore for bucket. prefix may be empty.
func New(ctx context.Context, bucket, prefix string) (*BlobStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("New: bucket is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("New: creating storage client: %w", err)
	}
	return &BlobStore{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}, nil
}

// Close releases the storage client.
func (b *BlobStore) Close() error {
	return b.client.Close()
}

// Put uploads data and returns its gs:// URI. Objects are write-once: a
// retried upload of an existing object returns the same URI.
func (b *BlobStore) Put(ctx context.Context, teamID domain.TeamID, inboxID, name, contentType string, data []byte) (string, error) {
	object := ObjectName(b.prefix, teamID, inboxID, name)
	uri := "gs://" + b.bucket + "/" + object

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(object).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	w.ContentType = contentType
	w.Metadata = map[string]string{"team_id": string(teamID), "inbox_id": inboxID}

	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("Put: writing %s: %w", uri, err)
	}
	if err := w.Close(); err != nil {
		if preconditionFailed(err) {
			return uri, nil
		}
		return "", fmt.Errorf("Put: finalizing %s: %w", uri, err)
	}
	return uri, nil
}

// Get downloads the object behind a gs:// URI.
func (b *BlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	rc, err := b.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, domain.NotFoundf("Get", "attachment %s not found", uri)
		}
		return nil, fmt.Errorf("Get: reading object %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("Get: reading bytes: %w", err)
	}
	return data, nil
}

// ObjectName builds the object path for an attachment. The file name is
// reduced to its base so callers cannot escape the inbox folder.
func ObjectName(prefix string, teamID domain.TeamID, inboxID, name string) string {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = "attachment"
	}
	parts := []string{string(teamID), inboxID, base}
	if prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

// ParseURI splits gs://bucket/object.
func ParseURI(uri string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		return "", "", domain.Validationf("ParseURI", "invalid GCS URI %q", uri)
	}
	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", domain.Validationf("ParseURI", "GCS URI %q has no object path", uri)
	}
	return parts[0], parts[1], nil
}

func preconditionFailed(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusPreconditionFailed
}
