package grpcutil

import (
	"context"

	"github.com/gogo/status"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
)

// Code returns the gRPC code carried by err, looking through errors.Wrap layers.
// nil maps to codes.OK and plain errors to codes.Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if s, ok := status.FromError(err); ok {
		return s.Code()
	}
	if s, ok := status.FromError(errors.Cause(err)); ok {
		return s.Code()
	}
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Unknown
}

// IsGRPCContextCanceled returns whether the input error is a GRPC error wrapping
// the context.Canceled error.
func IsGRPCContextCanceled(err error) bool {
	return Code(err) == codes.Canceled
}

// Cancelled builds the status recorded on a query canceled by the coordinator or an operator.
func Cancelled(reason string) error {
	return status.Error(codes.Canceled, reason)
}

// Expired builds the status recorded on a query reclaimed after its deadline.
func Expired(reason string) error {
	return status.Error(codes.DeadlineExceeded, reason)
}
