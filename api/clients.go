package api

import (
	"context"

	"google.golang.org/grpc"

	"github.com/signalsfoundry/simorchestrator/model"
)

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// OrchestratorClient calls the Orchestrator service.
type OrchestratorClient struct {
	cc grpc.ClientConnInterface
}

func NewOrchestratorClient(cc grpc.ClientConnInterface) *OrchestratorClient {
	return &OrchestratorClient{cc: cc}
}

func (c *OrchestratorClient) FetchData(ctx context.Context, in *model.DataRequest, opts ...grpc.CallOption) (*model.DataResponse, error) {
	return invoke[model.DataResponse](ctx, c.cc, OrchestratorServiceName, "FetchData", in, opts)
}

func (c *OrchestratorClient) SendControl(ctx context.Context, in *SendControlRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, OrchestratorServiceName, "SendControl", in, opts)
}

func (c *OrchestratorClient) SubmitSimulations(ctx context.Context, in *SubmitSimulationsRequest, opts ...grpc.CallOption) (*model.SubmissionResult, error) {
	return invoke[model.SubmissionResult](ctx, c.cc, OrchestratorServiceName, "SubmitSimulations", in, opts)
}

func (c *OrchestratorClient) GetSimState(ctx context.Context, in *GetSimStateRequest, opts ...grpc.CallOption) (*GetSimStateResponse, error) {
	return invoke[GetSimStateResponse](ctx, c.cc, OrchestratorServiceName, "GetSimState", in, opts)
}

func (c *OrchestratorClient) GetTestResult(ctx context.Context, in *GetTestResultRequest, opts ...grpc.CallOption) (*TestResultResponse, error) {
	return invoke[TestResultResponse](ctx, c.cc, OrchestratorServiceName, "GetTestResult", in, opts)
}

func (c *OrchestratorClient) RecordVerification(ctx context.Context, in *RecordVerificationRequest, opts ...grpc.CallOption) (*TestResultResponse, error) {
	return invoke[TestResultResponse](ctx, c.cc, OrchestratorServiceName, "RecordVerification", in, opts)
}

func (c *OrchestratorClient) WaitForSimulatorRequest(ctx context.Context, in *WaitForSimulatorRequestRequest, opts ...grpc.CallOption) (*SimStateResponse, error) {
	return invoke[SimStateResponse](ctx, c.cc, OrchestratorServiceName, "WaitForSimulatorRequest", in, opts)
}

// NodeRegistryClient calls the NodeRegistry service.
type NodeRegistryClient struct {
	cc grpc.ClientConnInterface
}

func NewNodeRegistryClient(cc grpc.ClientConnInterface) *NodeRegistryClient {
	return &NodeRegistryClient{cc: cc}
}

func (c *NodeRegistryClient) RegisterNode(ctx context.Context, in *RegisterNodeRequest, opts ...grpc.CallOption) (*RegisterNodeResponse, error) {
	return invoke[RegisterNodeResponse](ctx, c.cc, NodeRegistryServiceName, "RegisterNode", in, opts)
}

func (c *NodeRegistryClient) DeregisterNode(ctx context.Context, in *DeregisterNodeRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, NodeRegistryServiceName, "DeregisterNode", in, opts)
}

func (c *NodeRegistryClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, NodeRegistryServiceName, "Heartbeat", in, opts)
}

func (c *NodeRegistryClient) ReportProgress(ctx context.Context, in *ReportProgressRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, NodeRegistryServiceName, "ReportProgress", in, opts)
}

func (c *NodeRegistryClient) ReportCompletion(ctx context.Context, in *ReportCompletionRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, NodeRegistryServiceName, "ReportCompletion", in, opts)
}

func (c *NodeRegistryClient) RegisterVehicle(ctx context.Context, in *RegisterVehicleRequest, opts ...grpc.CallOption) (*RegisterVehicleResponse, error) {
	return invoke[RegisterVehicleResponse](ctx, c.cc, NodeRegistryServiceName, "RegisterVehicle", in, opts)
}

func (c *NodeRegistryClient) BindSensor(ctx context.Context, in *BindSensorRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, NodeRegistryServiceName, "BindSensor", in, opts)
}

func (c *NodeRegistryClient) RequestAIFor(ctx context.Context, in *RequestAIForRequest, opts ...grpc.CallOption) (*RequestAIForResponse, error) {
	return invoke[RequestAIForResponse](ctx, c.cc, NodeRegistryServiceName, "RequestAIFor", in, opts)
}

// SimNodeClient calls one simulation node.
type SimNodeClient struct {
	cc grpc.ClientConnInterface
}

func NewSimNodeClient(cc grpc.ClientConnInterface) *SimNodeClient {
	return &SimNodeClient{cc: cc}
}

func (c *SimNodeClient) StartSimulation(ctx context.Context, in *StartSimulationRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, SimNodeServiceName, "StartSimulation", in, opts)
}

func (c *SimNodeClient) PollSensor(ctx context.Context, in *PollSensorRequest, opts ...grpc.CallOption) (*model.Data, error) {
	return invoke[model.Data](ctx, c.cc, SimNodeServiceName, "PollSensor", in, opts)
}

func (c *SimNodeClient) DeliverControl(ctx context.Context, in *DeliverControlRequest, opts ...grpc.CallOption) (*Empty, error) {
	return invoke[Empty](ctx, c.cc, SimNodeServiceName, "DeliverControl", in, opts)
}
