package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/dove-platform/dgw/common/go/xerror"
)

var errorCodes = []struct {
	err  error
	code codes.Code
}{
	{xerror.ErrConfiguration, codes.InvalidArgument},
	{xerror.ErrBusy, codes.Unavailable},
	{xerror.ErrNotFound, codes.NotFound},
	{xerror.ErrFull, codes.ResourceExhausted},
	{xerror.ErrExists, codes.AlreadyExists},
	{xerror.ErrTransport, codes.Unavailable},
	{xerror.ErrProtocol, codes.Internal},
	{xerror.ErrDependency, codes.FailedPrecondition},
	{context.DeadlineExceeded, codes.DeadlineExceeded},
	{context.Canceled, codes.Canceled},
}

// statusError converts a control error into a gRPC status error.
func statusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			return status.Error(c.code, err.Error())
		}
	}
	return status.Error(codes.Internal, err.Error())
}
