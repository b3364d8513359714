package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/notesd/apiserver/config"
	"google.golang.org/api/option"
)

// Uploads smaller than this go out in a single request.
const resumableThreshold = 16 << 20

type gcsBackend struct {
	client  *storage.Client
	handle  *storage.BucketHandle
	bucket  string
	project string
}

func newGCSBackend(ctx context.Context, cfg config.GCSConfig) (*gcsBackend, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if path := strings.TrimSpace(cfg.CredentialsFile); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &gcsBackend{
		client:  client,
		handle:  client.Bucket(cfg.Bucket),
		bucket:  cfg.Bucket,
		project: cfg.ProjectID,
	}, nil
}

// EnsureBucket creates the bucket when it is missing. Creation needs a
// project id.
func (g *gcsBackend) EnsureBucket(ctx context.Context) error {
	_, err := g.handle.Attrs(ctx)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, storage.ErrBucketNotExist):
		return err
	case strings.TrimSpace(g.project) == "":
		return fmt.Errorf("bucket %s does not exist and no project id is set", g.bucket)
	}
	return g.handle.Create(ctx, g.project, nil)
}

// Put writes key only if it does not exist yet. Export keys are unique, so
// a precondition failure means a duplicate write.
func (g *gcsBackend) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	w := g.handle.Object(key).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if size >= 0 && size < resumableThreshold {
		w.ChunkSize = 0
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (g *gcsBackend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := g.handle.Object(key).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return rc, err
}

func (g *gcsBackend) Bucket() string { return g.bucket }

func (g *gcsBackend) Close() error { return g.client.Close() }
