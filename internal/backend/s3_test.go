package backend

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeS3API struct {
	getErr    error
	putErr    error
	deleteErr error
	headErr   error
	putETag   string
}

func (f *fakeS3API) GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return nil, f.getErr
}
func (f *fakeS3API) PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	return &s3.PutObjectOutput{ETag: aws.String(f.putETag)}, nil
}
func (f *fakeS3API) DeleteObject(context.Context, *s3.DeleteObjectInput, ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	return nil, f.deleteErr
}
func (f *fakeS3API) HeadObject(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	return nil, f.headErr
}

func responseErr(status int) error {
	return &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
		Err:      errors.New("boom"),
	}
}

func TestS3GetNotFound(t *testing.T) {
	s := &S3Store{client: &fakeS3API{getErr: &types.NoSuchKey{}}, bucket: "b", logger: zap.NewNop()}
	_, _, err := s.Get(context.Background(), "k")
	assert.True(t, IsNotFound(err))
}

func TestS3GetNotFoundVia404(t *testing.T) {
	s := &S3Store{client: &fakeS3API{getErr: responseErr(404)}, bucket: "b", logger: zap.NewNop()}
	_, _, err := s.Get(context.Background(), "k")
	assert.True(t, IsNotFound(err))
}

func TestS3PutPreconditionFailedVia412(t *testing.T) {
	s := &S3Store{client: &fakeS3API{putErr: responseErr(412)}, bucket: "b", logger: zap.NewNop()}
	_, err := s.PutConditional(context.Background(), "k", []byte("v"), "text/plain", Precondition{Mode: CreateOnly})
	assert.True(t, IsPreconditionFailed(err))
}

func TestS3PutPreconditionFailedViaAPIErrorCode(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "PreconditionFailed", Message: "nope"}
	s := &S3Store{client: &fakeS3API{putErr: apiErr}, bucket: "b", logger: zap.NewNop()}
	_, err := s.PutConditional(context.Background(), "k", []byte("v"), "text/plain", Precondition{Mode: IfMatch, Token: "etag"})
	assert.True(t, IsPreconditionFailed(err))
}

func TestS3PutSucceedsReturnsETag(t *testing.T) {
	s := &S3Store{client: &fakeS3API{putETag: `"abc"`}, bucket: "b", logger: zap.NewNop()}
	tok, err := s.PutConditional(context.Background(), "k", []byte("v"), "text/plain", Precondition{Mode: CreateOnly})
	require.NoError(t, err)
	assert.Equal(t, `"abc"`, tok)
}

func TestS3DeleteOfMissingIsNotAnError(t *testing.T) {
	s := &S3Store{client: &fakeS3API{deleteErr: &types.NoSuchKey{}}, bucket: "b", logger: zap.NewNop()}
	assert.NoError(t, s.Delete(context.Background(), "k"))
}

func TestS3StatReturnsFalseOnError(t *testing.T) {
	s := &S3Store{client: &fakeS3API{headErr: responseErr(404)}, bucket: "b", logger: zap.NewNop()}
	size, exists := s.Stat(context.Background(), "k")
	assert.False(t, exists)
	assert.Equal(t, int64(0), size)
}
