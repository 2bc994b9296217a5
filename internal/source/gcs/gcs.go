// Package gcs serves input files from Google Cloud Storage ("gs://bucket/prefix").
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"sparkify/internal/source"
)

func init() {
	source.Register("gs", func(ctx context.Context) (source.Source, error) {
		return NewFromEnv(ctx)
	})
}

// objectIterator matches *storage.ObjectIterator.
type objectIterator interface {
	Next() (*storage.ObjectAttrs, error)
}

// bucketAPI is the slice of *storage.Client the source needs.
type bucketAPI interface {
	Objects(ctx context.Context, bucket, prefix string) objectIterator
	NewReader(ctx context.Context, bucket, name string) (io.ReadCloser, error)
	Close() error
}

type clientAPI struct {
	c *storage.Client
}

func (a clientAPI) Objects(ctx context.Context, bucket, prefix string) objectIterator {
	return a.c.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
}

func (a clientAPI) NewReader(ctx context.Context, bucket, name string) (io.ReadCloser, error) {
	return a.c.Bucket(bucket).Object(name).NewReader(ctx)
}

func (a clientAPI) Close() error { return a.c.Close() }

type Source struct {
	api bucketAPI
}

// NewFromEnv uses Application Default Credentials with read-only scope.
func NewFromEnv(ctx context.Context, opts ...option.ClientOption) (*Source, error) {
	opts = append(opts, option.WithScopes(storage.ScopeReadOnly))
	c, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &Source{api: clientAPI{c: c}}, nil
}

// Walk streams the bucket listing. GCS lists names lexicographically.
func (s *Source) Walk(ctx context.Context, root string) iter.Seq2[source.File, error] {
	return func(yield func(source.File, error) bool) {
		bucket, prefix, err := source.SplitBucket(root)
		if err != nil {
			yield(source.File{}, err)
			return
		}
		it := s.api.Objects(ctx, bucket, prefix)
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(source.File{}, fmt.Errorf("gcs list %s: %w", root, err))
				return
			}
			if !source.IsJSON(attrs.Name) {
				continue
			}
			if !yield(source.File{Path: "gs://" + bucket + "/" + attrs.Name, Size: attrs.Size}, nil) {
				return
			}
		}
	}
}

func (s *Source) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, name, err := source.SplitBucket(path)
	if err != nil {
		return nil, err
	}
	r, err := s.api.NewReader(ctx, bucket, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open GCS reader: %w", err)
	}
	return r, nil
}

func (s *Source) Close() error { return s.api.Close() }

var _ source.Source = (*Source)(nil)
