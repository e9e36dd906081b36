package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"go.uber.org/zap"
)

// s3API is the subset of *s3.Client used here, extracted so tests can
// substitute a fake without dragging in an HTTP server.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// multipartThreshold mirrors the spec's 5 MiB single-shot/resumable split.
const multipartThreshold = 5 << 20

// S3Store implements Store atop an S3-compatible client.
type S3Store struct {
	client s3API
	bucket string
	logger *zap.Logger

	uploader *manager.Uploader
}

// S3Option configures an S3Store.
type S3Option func(*S3Store)

// WithS3Logger attaches a zap logger used only for the slow-path multipart
// upload event; never on the hot path,
// matching the teacher's "no logging on the hot path" rule.
func WithS3Logger(l *zap.Logger) S3Option {
	return func(s *S3Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewS3Store builds a Store backed by client/bucket. client is typically
// constructed by the caller via aws-sdk-go-v2/config.LoadDefaultConfig so
// that credentials, region and S3-compatible endpoint overrides stay the
// caller's responsibility.
func NewS3Store(client *s3.Client, bucket string, opts ...S3Option) *S3Store {
	s := &S3Store{
		client:   client,
		bucket:   bucket,
		logger:   zap.NewNop(),
		uploader: manager.NewUploader(client),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, "", fmt.Errorf("s3 get %s: %w", key, ErrNotFound)
		}
		return nil, "", fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, "", fmt.Errorf("s3 get %s: read body: %w", key, err)
	}
	return data, aws.ToString(out.ETag), nil
}

func (s *S3Store) GetStream(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("s3 get %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	return out.Body, nil
}

func (s *S3Store) PutConditional(ctx context.Context, key string, data []byte, contentType string, cond Precondition) (string, error) {
	in := &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String(contentType),
	}
	switch cond.Mode {
	case CreateOnly:
		in.IfNoneMatch = aws.String("*")
	case IfMatch:
		in.IfMatch = aws.String(cond.Token)
	case None:
		// unconditional
	}

	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		if isS3PreconditionFailure(err) {
			return "", fmt.Errorf("s3 put %s: %w", key, ErrPreconditionFailed)
		}
		return "", fmt.Errorf("s3 put %s: %w", key, err)
	}
	return aws.ToString(out.ETag), nil
}

func (s *S3Store) PutStream(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	if size > 0 && size <= multipartThreshold {
		data, err := io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("s3 put %s: read: %w", key, err)
		}
		_, err = s.PutConditional(ctx, key, data, contentType, Precondition{Mode: None})
		return err
	}

	s.logger.Debug("s3: using multipart upload", zap.String("key", key), zap.Int64("size", size))
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        r,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("s3 multipart put %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil && !isS3NotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}
	return nil
}

func (s *S3Store) Stat(ctx context.Context, key string) (int64, bool) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return 0, false
	}
	return aws.ToInt64(out.ContentLength), true
}

func isS3NotFound(err error) bool {
	var nf *types.NoSuchKey
	if errors.As(err, &nf) {
		return true
	}
	var rerr *smithyhttp.ResponseError
	if errors.As(err, &rerr) {
		return rerr.HTTPStatusCode() == 404
	}
	return false
}

func isS3PreconditionFailure(err error) bool {
	var rerr *smithyhttp.ResponseError
	if errors.As(err, &rerr) {
		if rerr.HTTPStatusCode() == 412 {
			return true
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "PreconditionFailed" || code == "ConditionalRequestConflict" {
			return true
		}
	}
	return false
}
