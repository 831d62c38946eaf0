package rpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/signalsfoundry/simorchestrator/api"
	"github.com/signalsfoundry/simorchestrator/internal/control"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/nodepool"
	"github.com/signalsfoundry/simorchestrator/internal/orchestrator"
	"github.com/signalsfoundry/simorchestrator/internal/telemetry"
)

// NodeRegistryService serves simulation nodes: registration, liveness,
// progress and completion reports, vehicle and sensor announcements, and
// the simulation side of the AI turn handshake.
type NodeRegistryService struct {
	core *orchestrator.Core
	log  logging.Logger
}

var _ api.NodeRegistryServer = (*NodeRegistryService)(nil)

// NewNodeRegistryService binds the service to core.
func NewNodeRegistryService(core *orchestrator.Core, log logging.Logger) *NodeRegistryService {
	if log == nil {
		log = logging.Noop()
	}
	return &NodeRegistryService{core: core, log: log}
}

func (s *NodeRegistryService) RegisterNode(ctx context.Context, req *api.RegisterNodeRequest) (*api.RegisterNodeResponse, error) {
	id, err := s.core.RegisterNode(ctx, nodepool.Node{
		ID:       req.Node,
		Address:  req.Address,
		Capacity: req.Capacity,
	})
	if err != nil {
		return nil, err
	}
	interval := s.core.Pool.Config().HeartbeatInterval
	return &api.RegisterNodeResponse{Node: id, HeartbeatIntervalMillis: interval.Milliseconds()}, nil
}

func (s *NodeRegistryService) DeregisterNode(ctx context.Context, req *api.DeregisterNodeRequest) (*api.Empty, error) {
	if err := s.core.DeregisterNode(ctx, req.Node); err != nil {
		return nil, err
	}
	logging.LoggerFromContext(ctx, s.log).Info(ctx, "node deregistered", logging.Node(req.Node))
	return &api.Empty{}, nil
}

func (s *NodeRegistryService) Heartbeat(ctx context.Context, req *api.HeartbeatRequest) (*api.Empty, error) {
	if err := s.core.Heartbeat(ctx, req.Node, req.Timestamp); err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (s *NodeRegistryService) ReportProgress(ctx context.Context, req *api.ReportProgressRequest) (*api.Empty, error) {
	if err := s.core.ReportProgress(ctx, req.Simulation); err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (s *NodeRegistryService) ReportCompletion(ctx context.Context, req *api.ReportCompletionRequest) (*api.Empty, error) {
	cause := req.Cause
	if cause == "" {
		cause = "reported by node"
	}
	ctx, span := startSpan(ctx, "state.complete",
		attrSimulation.String(string(req.Simulation)),
		attribute.String("orchestrator.state", req.State.String()),
	)
	err := s.core.ReportCompletion(ctx, req.Simulation, req.State, cause)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (s *NodeRegistryService) RegisterVehicle(ctx context.Context, req *api.RegisterVehicleRequest) (*api.RegisterVehicleResponse, error) {
	if req.Simulation == "" {
		return nil, fmt.Errorf("%w: sid is required", ErrInvalidRequest)
	}
	vid, err := s.core.RegisterVehicle(ctx, req.Simulation, req.Vehicle)
	if err != nil {
		return nil, err
	}
	return &api.RegisterVehicleResponse{Vehicle: vid}, nil
}

func (s *NodeRegistryService) BindSensor(ctx context.Context, req *api.BindSensorRequest) (*api.Empty, error) {
	err := s.core.BindSensor(ctx, telemetry.SensorBinding{
		RequestID:  req.RequestID,
		Simulation: req.Simulation,
		Vehicle:    req.Vehicle,
		Kind:       req.Kind,
	})
	if err != nil {
		return nil, err
	}
	return &api.Empty{}, nil
}

func (s *NodeRegistryService) RequestAIFor(ctx context.Context, req *api.RequestAIForRequest) (*api.RequestAIForResponse, error) {
	if req.Simulation == "" || req.Vehicle == "" {
		return nil, fmt.Errorf("%w: sid and vid are required", ErrInvalidRequest)
	}
	answered, err := s.core.RequestAIFor(ctx, control.Target{Simulation: req.Simulation, Vehicle: req.Vehicle})
	if err != nil {
		return nil, err
	}
	return &api.RequestAIForResponse{Answered: answered}, nil
}
