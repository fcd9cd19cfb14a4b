package upload

import (
	"context"
	"errors"

	"github.com/drivekit/go-uploader/upload/network"
)

var (
	// ErrBatchUnauthorized ends every unfinished task of a batch once the session is rejected.
	// Callers should send the user back to sign in.
	ErrBatchUnauthorized = errors.New("session is no longer authorized")
	// ErrBatchStarted ...
	ErrBatchStarted = errors.New("batch already started")
)

func errorKind(err error) string {
	var (
		mismatch *network.DigestMismatchError
		assembly *network.ServerAssemblyError
		status   *network.StatusError
	)

	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBatchUnauthorized), network.IsUnauthorized(err):
		return "authorization"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.As(err, &mismatch):
		return "digest_mismatch"
	case errors.As(err, &assembly):
		return "server_assembly"
	case network.IsRetryable(err):
		return "transport"
	case errors.As(err, &status):
		return "status"
	default:
		return "other"
	}
}
