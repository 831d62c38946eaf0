package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/simorchestrator/model"
)

const (
	OrchestratorServiceName = "simorchestrator.v1.Orchestrator"
	NodeRegistryServiceName = "simorchestrator.v1.NodeRegistry"
	SimNodeServiceName      = "simorchestrator.v1.SimNode"
)

// OrchestratorServer is served by the orchestrator for AIs and test runners.
type OrchestratorServer interface {
	FetchData(context.Context, *model.DataRequest) (*model.DataResponse, error)
	SendControl(context.Context, *SendControlRequest) (*Empty, error)
	SubmitSimulations(context.Context, *SubmitSimulationsRequest) (*model.SubmissionResult, error)
	GetSimState(context.Context, *GetSimStateRequest) (*GetSimStateResponse, error)
	GetTestResult(context.Context, *GetTestResultRequest) (*TestResultResponse, error)
	RecordVerification(context.Context, *RecordVerificationRequest) (*TestResultResponse, error)
	WaitForSimulatorRequest(context.Context, *WaitForSimulatorRequestRequest) (*SimStateResponse, error)
}

// NodeRegistryServer is served by the orchestrator for simulation nodes.
type NodeRegistryServer interface {
	RegisterNode(context.Context, *RegisterNodeRequest) (*RegisterNodeResponse, error)
	DeregisterNode(context.Context, *DeregisterNodeRequest) (*Empty, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*Empty, error)
	ReportProgress(context.Context, *ReportProgressRequest) (*Empty, error)
	ReportCompletion(context.Context, *ReportCompletionRequest) (*Empty, error)
	RegisterVehicle(context.Context, *RegisterVehicleRequest) (*RegisterVehicleResponse, error)
	BindSensor(context.Context, *BindSensorRequest) (*Empty, error)
	RequestAIFor(context.Context, *RequestAIForRequest) (*RequestAIForResponse, error)
}

// SimNodeServer is served by every simulation node.
type SimNodeServer interface {
	StartSimulation(context.Context, *StartSimulationRequest) (*Empty, error)
	PollSensor(context.Context, *PollSensorRequest) (*model.Data, error)
	DeliverControl(context.Context, *DeliverControlRequest) (*Empty, error)
}

// unary adapts a typed method into a grpc.MethodDesc.
func unary[S, Req, Resp any](service, name string, call func(S, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + name
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var orchestratorServiceDesc = grpc.ServiceDesc{
	ServiceName: OrchestratorServiceName,
	HandlerType: (*OrchestratorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(OrchestratorServiceName, "FetchData", OrchestratorServer.FetchData),
		unary(OrchestratorServiceName, "SendControl", OrchestratorServer.SendControl),
		unary(OrchestratorServiceName, "SubmitSimulations", OrchestratorServer.SubmitSimulations),
		unary(OrchestratorServiceName, "GetSimState", OrchestratorServer.GetSimState),
		unary(OrchestratorServiceName, "GetTestResult", OrchestratorServer.GetTestResult),
		unary(OrchestratorServiceName, "RecordVerification", OrchestratorServer.RecordVerification),
		unary(OrchestratorServiceName, "WaitForSimulatorRequest", OrchestratorServer.WaitForSimulatorRequest),
	},
	Metadata: "simorchestrator/v1/orchestrator",
}

var nodeRegistryServiceDesc = grpc.ServiceDesc{
	ServiceName: NodeRegistryServiceName,
	HandlerType: (*NodeRegistryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(NodeRegistryServiceName, "RegisterNode", NodeRegistryServer.RegisterNode),
		unary(NodeRegistryServiceName, "DeregisterNode", NodeRegistryServer.DeregisterNode),
		unary(NodeRegistryServiceName, "Heartbeat", NodeRegistryServer.Heartbeat),
		unary(NodeRegistryServiceName, "ReportProgress", NodeRegistryServer.ReportProgress),
		unary(NodeRegistryServiceName, "ReportCompletion", NodeRegistryServer.ReportCompletion),
		unary(NodeRegistryServiceName, "RegisterVehicle", NodeRegistryServer.RegisterVehicle),
		unary(NodeRegistryServiceName, "BindSensor", NodeRegistryServer.BindSensor),
		unary(NodeRegistryServiceName, "RequestAIFor", NodeRegistryServer.RequestAIFor),
	},
	Metadata: "simorchestrator/v1/node_registry",
}

var simNodeServiceDesc = grpc.ServiceDesc{
	ServiceName: SimNodeServiceName,
	HandlerType: (*SimNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(SimNodeServiceName, "StartSimulation", SimNodeServer.StartSimulation),
		unary(SimNodeServiceName, "PollSensor", SimNodeServer.PollSensor),
		unary(SimNodeServiceName, "DeliverControl", SimNodeServer.DeliverControl),
	},
	Metadata: "simorchestrator/v1/sim_node",
}

// RegisterOrchestratorServer attaches srv to s.
func RegisterOrchestratorServer(s grpc.ServiceRegistrar, srv OrchestratorServer) {
	s.RegisterService(&orchestratorServiceDesc, srv)
}

// RegisterNodeRegistryServer attaches srv to s.
func RegisterNodeRegistryServer(s grpc.ServiceRegistrar, srv NodeRegistryServer) {
	s.RegisterService(&nodeRegistryServiceDesc, srv)
}

// RegisterSimNodeServer attaches srv to s.
func RegisterSimNodeServer(s grpc.ServiceRegistrar, srv SimNodeServer) {
	s.RegisterService(&simNodeServiceDesc, srv)
}
