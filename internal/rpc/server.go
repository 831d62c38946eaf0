package rpc

import (
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/signalsfoundry/simorchestrator/api"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/observability"
	"github.com/signalsfoundry/simorchestrator/internal/orchestrator"
)

// NewServer builds a gRPC server exposing the Orchestrator and NodeRegistry
// services of core. collector may be nil.
func NewServer(core *orchestrator.Core, collector *observability.RPCCollector, log logging.Logger, opts ...grpc.ServerOption) *grpc.Server {
	if log == nil {
		log = logging.Noop()
	}
	interceptors := []grpc.UnaryServerInterceptor{
		RequestIDUnaryServerInterceptor(log),
		TracingUnaryServerInterceptor(),
	}
	if collector != nil {
		interceptors = append(interceptors, collector.UnaryServerInterceptor())
	}
	// Innermost so metrics and spans see mapped status codes.
	interceptors = append(interceptors, ErrorMappingUnaryServerInterceptor())

	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(interceptors...),
	}
	server := grpc.NewServer(append(serverOpts, opts...)...)

	api.RegisterOrchestratorServer(server, NewOrchestratorService(core, log))
	api.RegisterNodeRegistryServer(server, NewNodeRegistryService(core, log))
	return server
}
