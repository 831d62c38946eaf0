package rpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/simorchestrator/api"
	"github.com/signalsfoundry/simorchestrator/internal/control"
	"github.com/signalsfoundry/simorchestrator/internal/dispatch"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/orchestrator"
	"github.com/signalsfoundry/simorchestrator/internal/verification"
	"github.com/signalsfoundry/simorchestrator/model"
)

// OrchestratorService serves AIs and test runners from a Core.
//
// Semantics:
//   - FetchData always answers every requested id; unresolved ids carry an
//     Error payload rather than failing the call.
//   - SubmitSimulations never fails as a whole: per-key failures are
//     in-band, and an empty batch yields a Void result.
//   - SendControl blocks until an AvCommand is delivered once or a
//     SimCommand is acknowledged and applied.
//   - WaitForSimulatorRequest parks until the simulation asks the caller's
//     vehicle for a command, returning RUNNING, or until the simulation
//     ends, returning its terminal state.
type OrchestratorService struct {
	core *orchestrator.Core
	log  logging.Logger
}

var _ api.OrchestratorServer = (*OrchestratorService)(nil)

// NewOrchestratorService binds the service to core.
func NewOrchestratorService(core *orchestrator.Core, log logging.Logger) *OrchestratorService {
	if log == nil {
		log = logging.Noop()
	}
	return &OrchestratorService{core: core, log: log}
}

func (s *OrchestratorService) FetchData(ctx context.Context, req *model.DataRequest) (*model.DataResponse, error) {
	ctx, span := startSpan(ctx, "telemetry.fetch", attribute.Int("request_ids", len(req.RequestIDs)))
	defer span.End()

	data := s.core.FetchData(ctx, req.RequestIDs)
	return &model.DataResponse{Data: data}, nil
}

func (s *OrchestratorService) SendControl(ctx context.Context, req *api.SendControlRequest) (*api.Empty, error) {
	if req.Simulation == "" {
		return nil, fmt.Errorf("%w: sid is required", ErrInvalidRequest)
	}
	ctx, span := startSpan(ctx, "control.send", attrSimulation.String(string(req.Simulation)))
	target := control.Target{Simulation: req.Simulation, Vehicle: req.Vehicle}
	err := s.core.SendControl(ctx, target, req.Control)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (s *OrchestratorService) SubmitSimulations(ctx context.Context, req *api.SubmitSimulationsRequest) (*model.SubmissionResult, error) {
	ctx, span := startSpan(ctx, "dispatch.submit", attribute.Int("simulations", len(req.Simulations)))
	defer span.End()

	batch := make(map[string]dispatch.Spec, len(req.Simulations))
	for key, spec := range req.Simulations {
		batch[key] = dispatch.Spec{TestID: spec.TestID, Scenario: spec.Scenario}
	}
	res := s.core.Submit(ctx, batch)
	logging.LoggerFromContext(ctx, s.log).Debug(ctx, "batch submitted",
		logging.Int("requested", len(batch)),
		logging.Int("entries", len(res.Entries)),
	)
	return &res, nil
}

func (s *OrchestratorService) GetSimState(ctx context.Context, req *api.GetSimStateRequest) (*api.GetSimStateResponse, error) {
	if req.Simulation == "" {
		return nil, fmt.Errorf("%w: sid is required", ErrInvalidRequest)
	}
	rec, err := s.core.SimRecord(ctx, req.Simulation)
	if err != nil {
		return nil, err
	}
	return &api.GetSimStateResponse{State: rec.State, Record: rec}, nil
}

func (s *OrchestratorService) GetTestResult(ctx context.Context, req *api.GetTestResultRequest) (*api.TestResultResponse, error) {
	rep, err := s.core.TestResult(ctx, req.TestID)
	if err != nil {
		return nil, err
	}
	return reportToResponse(rep), nil
}

func (s *OrchestratorService) RecordVerification(ctx context.Context, req *api.RecordVerificationRequest) (*api.TestResultResponse, error) {
	ctx, span := startSpan(ctx, "verification.record", attrTestID.String(req.TestID))
	result, err := s.core.RecordVerification(ctx, req.TestID, req.Result, req.Cycle.Start, req.Cycle.End)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &api.TestResultResponse{TestID: req.TestID, Result: result}, nil
}

func (s *OrchestratorService) WaitForSimulatorRequest(ctx context.Context, req *api.WaitForSimulatorRequestRequest) (*api.SimStateResponse, error) {
	if req.Simulation == "" || req.Vehicle == "" {
		return nil, fmt.Errorf("%w: sid and vid are required", ErrInvalidRequest)
	}
	st, err := s.core.WaitForSimulatorRequest(ctx, control.Target{Simulation: req.Simulation, Vehicle: req.Vehicle})
	if err != nil {
		return nil, err
	}
	return &api.SimStateResponse{State: st}, nil
}

func reportToResponse(rep verification.Report) *api.TestResultResponse {
	out := &api.TestResultResponse{
		TestID:    rep.TestID,
		Result:    rep.Result,
		Finalized: rep.Finalized,
		Records:   rep.Records,
	}
	for _, c := range rep.Cycles {
		out.Cycles = append(out.Cycles, api.Cycle{Start: c.Start, End: c.End})
	}
	return out
}
