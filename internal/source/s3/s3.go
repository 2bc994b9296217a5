// Package s3 serves input files from Amazon S3 ("s3://bucket/prefix").
package s3

import (
	"context"
	"fmt"
	"io"
	"iter"
	"os"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	awss3 "github.com/aws/aws-sdk-go/service/s3"

	"sparkify/internal/source"
)

// defaultRegion is where the public song and log datasets live.
const defaultRegion = "us-west-2"

func init() {
	source.Register("s3", func(context.Context) (source.Source, error) {
		return NewFromEnv()
	})
}

// API is the subset of *s3.S3 the source uses.
type API interface {
	ListObjectsV2WithContext(ctx aws.Context, in *awss3.ListObjectsV2Input, opts ...request.Option) (*awss3.ListObjectsV2Output, error)
	GetObjectWithContext(ctx aws.Context, in *awss3.GetObjectInput, opts ...request.Option) (*awss3.GetObjectOutput, error)
}

type Source struct {
	api API
}

func New(api API) *Source { return &Source{api: api} }

// NewFromEnv builds a client from the shared AWS config and environment.
// The region falls back to defaultRegion when none is configured.
func NewFromEnv() (*Source, error) {
	cfg := aws.NewConfig()
	if os.Getenv("AWS_REGION") == "" && os.Getenv("AWS_DEFAULT_REGION") == "" {
		cfg = cfg.WithRegion(defaultRegion)
	}
	sess, err := session.NewSessionWithOptions(session.Options{
		Config:            *cfg,
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return New(awss3.New(sess)), nil
}

// Walk pages through ListObjectsV2 lazily. S3 returns keys in UTF-8 binary
// order, so no sorting is needed.
func (s *Source) Walk(ctx context.Context, root string) iter.Seq2[source.File, error] {
	return func(yield func(source.File, error) bool) {
		bucket, prefix, err := source.SplitBucket(root)
		if err != nil {
			yield(source.File{}, err)
			return
		}

		in := &awss3.ListObjectsV2Input{
			Bucket: aws.String(bucket),
			Prefix: aws.String(prefix),
		}
		for {
			out, err := s.api.ListObjectsV2WithContext(ctx, in)
			if err != nil {
				yield(source.File{}, fmt.Errorf("s3 list %s: %w", root, err))
				return
			}
			for _, obj := range out.Contents {
				key := aws.StringValue(obj.Key)
				if !source.IsJSON(key) {
					continue
				}
				f := source.File{Path: "s3://" + bucket + "/" + key, Size: aws.Int64Value(obj.Size)}
				if !yield(f, nil) {
					return
				}
			}
			if !aws.BoolValue(out.IsTruncated) || out.NextContinuationToken == nil {
				return
			}
			in.ContinuationToken = out.NextContinuationToken
		}
	}
}

// Open streams the object body; the caller closes it.
func (s *Source) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key, err := source.SplitBucket(path)
	if err != nil {
		return nil, err
	}
	out, err := s.api.GetObjectWithContext(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get %s: %w", path, err)
	}
	return out.Body, nil
}

var _ source.Source = (*Source)(nil)
