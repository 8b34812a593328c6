package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"google.golang.org/grpc/codes"

	"github.com/rhizomemesh/rhizome/daemon/service"
	"github.com/rhizomemesh/rhizome/daemon/store"
	"github.com/rhizomemesh/rhizome/internal/rhizome"
)

// JSONError is the body of every error response.
type JSONError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, JSONError{Code: code, Message: msg})
}

// writeError maps err to a gRPC code and from there to an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	c := grpcCode(err)
	writeJSONError(w, runtime.HTTPStatusFromCode(c), codeToString(c), err.Error())
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrPayloadMissing):
		return codes.NotFound
	case errors.Is(err, store.ErrSameVersion):
		return codes.AlreadyExists
	case errors.Is(err, store.ErrOlderVersion), errors.Is(err, service.ErrSecretRequired):
		return codes.FailedPrecondition
	case errors.Is(err, rhizome.ErrInvalidSignature), errors.Is(err, rhizome.ErrSecretMismatch):
		return codes.PermissionDenied
	case errors.Is(err, rhizome.ErrInvalidManifest), errors.Is(err, rhizome.ErrInvalidID),
		errors.Is(err, store.ErrPayloadMismatch), errors.Is(err, store.ErrInvalidPrefix),
		errors.Is(err, service.ErrMissingPayload):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

func codeToString(c codes.Code) string {
	switch c {
	case codes.InvalidArgument:
		return "INVALID_ARGUMENT"
	case codes.NotFound:
		return "NOT_FOUND"
	case codes.FailedPrecondition:
		return "FAILED_PRECONDITION"
	case codes.AlreadyExists:
		return "ALREADY_EXISTS"
	case codes.PermissionDenied:
		return "PERMISSION_DENIED"
	case codes.Unauthenticated:
		return "UNAUTHENTICATED"
	case codes.ResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case codes.Unimplemented:
		return "UNIMPLEMENTED"
	case codes.Unavailable:
		return "UNAVAILABLE"
	default:
		return "INTERNAL"
	}
}
