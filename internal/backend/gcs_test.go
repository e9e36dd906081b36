package backend

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
)

// GCSStore wraps *storage.BucketHandle, a concrete SDK type with no seam
// for an in-process fake (unlike s3API, which is trimmed down to an
// interface specifically for this reason). The precondition-classification
// logic is pure, though, and is exercised directly here; full round-trip
// coverage of GCSStore is left to integration testing against a real or
// emulated bucket, as the design spec treats the object-store SDK itself as
// out of scope.
func TestIsGCSPreconditionFailure(t *testing.T) {
	assert.True(t, isGCSPreconditionFailure(&googleapi.Error{Code: 412}))
	assert.False(t, isGCSPreconditionFailure(&googleapi.Error{Code: 404}))
	assert.False(t, isGCSPreconditionFailure(errors.New("plain error")))
}
