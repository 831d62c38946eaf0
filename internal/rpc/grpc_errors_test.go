package rpc

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/simorchestrator/internal/control"
	"github.com/signalsfoundry/simorchestrator/internal/nodepool"
	"github.com/signalsfoundry/simorchestrator/internal/sim/state"
	"github.com/signalsfoundry/simorchestrator/internal/verification"
	"github.com/signalsfoundry/simorchestrator/model"
)

func TestToStatusError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		code    codes.Code
		wantNil bool
	}{
		{name: "nil", err: nil, wantNil: true},
		{name: "status passthrough", err: status.Error(codes.PermissionDenied, "denied"), code: codes.PermissionDenied},
		{name: "simulation not found", err: fmt.Errorf("%w: %q", state.ErrNotFound, "sim-1"), code: codes.NotFound},
		{name: "control target not found", err: control.ErrNotFound, code: codes.NotFound},
		{name: "node not found", err: nodepool.ErrNodeNotFound, code: codes.NotFound},
		{name: "no capacity", err: nodepool.ErrNoCapacity, code: codes.ResourceExhausted},
		{name: "already terminal", err: state.ErrAlreadyTerminal, code: codes.FailedPrecondition},
		{name: "finalized", err: verification.ErrFinalized, code: codes.FailedPrecondition},
		{name: "timeout", err: state.ErrTimeout, code: codes.DeadlineExceeded},
		{name: "context deadline", err: context.DeadlineExceeded, code: codes.DeadlineExceeded},
		{name: "delivery failure", err: fmt.Errorf("%w: node gone", control.ErrDeliveryFailure), code: codes.Unavailable},
		{name: "validation", err: control.ErrValidation, code: codes.InvalidArgument},
		{name: "invalid control", err: model.ErrInvalidControl, code: codes.InvalidArgument},
		{name: "invalid request", err: ErrInvalidRequest, code: codes.InvalidArgument},
		{name: "node exists", err: nodepool.ErrNodeExists, code: codes.AlreadyExists},
		{name: "fallback", err: errors.New("boom"), code: codes.Internal},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := ToStatusError(tc.err)
			if tc.wantNil {
				if got != nil {
					t.Fatalf("ToStatusError(nil) = %v, want nil", got)
				}
				return
			}

			if got == nil {
				t.Fatalf("ToStatusError(%v) = nil, want error", tc.err)
			}
			if code := status.Code(got); code != tc.code {
				t.Fatalf("ToStatusError(%v) code = %v, want %v", tc.err, code, tc.code)
			}
		})
	}
}

func TestFromStatusErrorMarksPermanentFailures(t *testing.T) {
	t.Parallel()

	if err := fromStatusError(status.Error(codes.NotFound, "no vehicle")); !errors.Is(err, control.ErrNotFound) {
		t.Fatalf("NotFound maps to %v, want control.ErrNotFound", err)
	}
	if err := fromStatusError(status.Error(codes.InvalidArgument, "bad")); !errors.Is(err, control.ErrValidation) {
		t.Fatalf("InvalidArgument maps to %v, want control.ErrValidation", err)
	}
	err := fromStatusError(status.Error(codes.Unavailable, "down"))
	if errors.Is(err, control.ErrNotFound) || errors.Is(err, control.ErrValidation) {
		t.Fatalf("Unavailable = %v, want transient error", err)
	}
	if fromStatusError(nil) != nil {
		t.Fatalf("fromStatusError(nil) != nil")
	}
}
