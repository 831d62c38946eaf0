package rpc

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/simorchestrator/internal/control"
	"github.com/signalsfoundry/simorchestrator/internal/dispatch"
	"github.com/signalsfoundry/simorchestrator/internal/ids"
	"github.com/signalsfoundry/simorchestrator/internal/nodepool"
	"github.com/signalsfoundry/simorchestrator/internal/orchestrator"
	"github.com/signalsfoundry/simorchestrator/internal/sim/state"
	"github.com/signalsfoundry/simorchestrator/internal/telemetry"
	"github.com/signalsfoundry/simorchestrator/internal/verification"
	"github.com/signalsfoundry/simorchestrator/model"
)

// ErrInvalidRequest is used for requests rejected before reaching the core.
var ErrInvalidRequest = errors.New("invalid request")

// ToStatusError maps orchestrator errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, state.ErrTimeout):
		return status.Error(codes.DeadlineExceeded, err.Error())

	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())

	case errors.Is(err, control.ErrDeliveryFailure),
		errors.Is(err, dispatch.ErrLaunchFailed),
		errors.Is(err, orchestrator.ErrNoTransport):
		return status.Error(codes.Unavailable, err.Error())

	case errors.Is(err, state.ErrNotFound),
		errors.Is(err, control.ErrNotFound),
		errors.Is(err, nodepool.ErrNodeNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, nodepool.ErrNoCapacity),
		errors.Is(err, ids.ErrExhausted):
		return status.Error(codes.ResourceExhausted, err.Error())

	case errors.Is(err, state.ErrAlreadyTerminal),
		errors.Is(err, verification.ErrFinalized):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, state.ErrExists),
		errors.Is(err, nodepool.ErrNodeExists),
		errors.Is(err, ids.ErrDuplicateID),
		errors.Is(err, telemetry.ErrBindingExists):
		return status.Error(codes.AlreadyExists, err.Error())

	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, control.ErrValidation),
		errors.Is(err, model.ErrInvalidControl),
		errors.Is(err, model.ErrInvalidData),
		errors.Is(err, nodepool.ErrInvalidNode),
		errors.Is(err, ids.ErrInvalidID),
		errors.Is(err, telemetry.ErrInvalidBinding),
		errors.Is(err, verification.ErrInvalidTestID),
		errors.Is(err, verification.ErrInvalidCycle),
		errors.Is(err, state.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrNotTerminal):
		return status.Error(codes.InvalidArgument, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// fromStatusError maps a node's gRPC status back onto relay sentinels so
// permanent failures are not retried.
func fromStatusError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.NotFound:
		return errors.Join(control.ErrNotFound, err)
	case codes.InvalidArgument:
		return errors.Join(control.ErrValidation, err)
	default:
		return err
	}
}
