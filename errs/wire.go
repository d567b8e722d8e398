package errs

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// ToGRPC maps a Kind onto the gRPC status code table in spec §6. This is the
// only place that mapping happens — every RPC handler funnels errors through
// here before writing a response.
func ToGRPC(k Kind) codes.Code {
	switch k {
	case Validation:
		return codes.InvalidArgument
	case Unauthenticated:
		return codes.Unauthenticated
	case Access, ExecutorAccess:
		return codes.PermissionDenied
	case NotFound, CacheNotFound:
		return codes.NotFound
	case Duplicate, CacheDuplicate:
		return codes.AlreadyExists
	case WrongType, DataConflict:
		return codes.FailedPrecondition
	case TemporaryFailure, ExecutorTemporaryFailure:
		return codes.Unavailable
	case ExecutorValidation:
		return codes.InvalidArgument
	case ExecutorFailure, CacheTicket, CacheCorruption, DataSize:
		return codes.Internal
	default:
		return codes.Internal
	}
}

// ToHTTP maps a Kind onto the HTTP status table in spec §6.
func ToHTTP(k Kind) int {
	switch k {
	case Validation, ExecutorValidation:
		return http.StatusBadRequest
	case Unauthenticated:
		return http.StatusUnauthorized
	case Access, ExecutorAccess:
		return http.StatusForbidden
	case NotFound, CacheNotFound:
		return http.StatusNotFound
	case Duplicate, CacheDuplicate:
		return http.StatusConflict
	case WrongType, DataConflict:
		return http.StatusPreconditionFailed
	case TemporaryFailure, ExecutorTemporaryFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// FromGRPCCode maps an inbound gRPC status code (from a runtime RPC, §4.5)
// back onto our Kind taxonomy.
func FromGRPCCode(c codes.Code) Kind {
	switch c {
	case codes.Unavailable, codes.DeadlineExceeded:
		return TemporaryFailure
	case codes.Unauthenticated, codes.PermissionDenied:
		return Access
	case codes.InvalidArgument, codes.FailedPrecondition:
		return Validation
	default:
		return ExecutorFailure
	}
}
