package errs

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
)

func TestToGRPCTable(t *testing.T) {
	cases := []struct {
		kind Kind
		want codes.Code
	}{
		{Validation, codes.InvalidArgument},
		{ExecutorValidation, codes.InvalidArgument},
		{Unauthenticated, codes.Unauthenticated},
		{Access, codes.PermissionDenied},
		{ExecutorAccess, codes.PermissionDenied},
		{NotFound, codes.NotFound},
		{CacheNotFound, codes.NotFound},
		{Duplicate, codes.AlreadyExists},
		{CacheDuplicate, codes.AlreadyExists},
		{WrongType, codes.FailedPrecondition},
		{DataConflict, codes.FailedPrecondition},
		{TemporaryFailure, codes.Unavailable},
		{ExecutorTemporaryFailure, codes.Unavailable},
		{Internal, codes.Internal},
		{Unexpected, codes.Internal},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, ToGRPC(c.kind), "kind %s", c.kind)
	}
}

func TestToHTTPTable(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{Validation, http.StatusBadRequest},
		{Unauthenticated, http.StatusUnauthorized},
		{Access, http.StatusForbidden},
		{NotFound, http.StatusNotFound},
		{Duplicate, http.StatusConflict},
		{WrongType, http.StatusPreconditionFailed},
		{DataConflict, http.StatusPreconditionFailed},
		{TemporaryFailure, http.StatusServiceUnavailable},
		{Internal, http.StatusInternalServerError},
		{Unexpected, http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, ToHTTP(c.kind), "kind %s", c.kind)
	}
}

func TestFromGRPCCode(t *testing.T) {
	assert.Equal(t, TemporaryFailure, FromGRPCCode(codes.Unavailable))
	assert.Equal(t, TemporaryFailure, FromGRPCCode(codes.DeadlineExceeded))
	assert.Equal(t, Access, FromGRPCCode(codes.Unauthenticated))
	assert.Equal(t, Access, FromGRPCCode(codes.PermissionDenied))
	assert.Equal(t, Validation, FromGRPCCode(codes.InvalidArgument))
	assert.Equal(t, Validation, FromGRPCCode(codes.FailedPrecondition))
	assert.Equal(t, ExecutorFailure, FromGRPCCode(codes.Unknown))
}
