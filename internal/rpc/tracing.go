package rpc

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/simorchestrator/api"
	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/observability"
	"github.com/signalsfoundry/simorchestrator/model"
)

const tracerName = "github.com/signalsfoundry/simorchestrator/internal/rpc"

// Span attribute keys shared by every orchestrator span.
const (
	attrSimulation = attribute.Key("orchestrator.sid")
	attrNode       = attribute.Key("orchestrator.snid")
	attrVehicle    = attribute.Key("orchestrator.vid")
	attrTestID     = attribute.Key("orchestrator.test_id")
)

// TracingUnaryServerInterceptor names the server span after the RPC, tags
// it with the simulation, node and vehicle the request addresses and marks
// it failed with the final gRPC code. A span is started when no stats
// handler has created one.
func TracingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	tracer := otel.Tracer(tracerName)

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		service, method := observability.SplitMethod(info.FullMethod)
		name := service + "." + method

		span := trace.SpanFromContext(ctx)
		owned := !span.SpanContext().IsValid()
		if owned {
			ctx, span = tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
			defer span.End()
		} else {
			span.SetName(name)
		}

		span.SetAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
			attribute.String("rpc.full_method", strings.TrimPrefix(info.FullMethod, "/")),
		)
		span.SetAttributes(scopeAttributes(req)...)
		if reqID := logging.RequestIDFromContext(ctx); reqID != "" {
			span.SetAttributes(attribute.String("request_id", reqID))
		}

		resp, err := handler(ctx, req)
		if err != nil {
			code := status.Code(err)
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, code.String())
			span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(code)))
		}
		return resp, err
	}
}

// scopeAttributes extracts the identifiers a request is about.
func scopeAttributes(req interface{}) []attribute.KeyValue {
	var (
		sid  model.SimulationID
		snid model.SimulationNodeID
		vid  model.VehicleID
		test string
	)
	switch r := req.(type) {
	case *api.SendControlRequest:
		sid, vid = r.Simulation, r.Vehicle
	case *api.GetSimStateRequest:
		sid = r.Simulation
	case *api.GetTestResultRequest:
		test = r.TestID
	case *api.RecordVerificationRequest:
		test = r.TestID
	case *api.WaitForSimulatorRequestRequest:
		sid, vid = r.Simulation, r.Vehicle
	case *api.RequestAIForRequest:
		sid, vid = r.Simulation, r.Vehicle
	case *api.RegisterNodeRequest:
		snid = r.Node
	case *api.DeregisterNodeRequest:
		snid = r.Node
	case *api.HeartbeatRequest:
		snid = r.Node
	case *api.ReportProgressRequest:
		sid = r.Simulation
	case *api.ReportCompletionRequest:
		sid = r.Simulation
	case *api.RegisterVehicleRequest:
		sid, vid = r.Simulation, r.Vehicle
	case *api.BindSensorRequest:
		sid, vid = r.Simulation, r.Vehicle
	}

	var attrs []attribute.KeyValue
	if sid != "" {
		attrs = append(attrs, attrSimulation.String(string(sid)))
	}
	if snid != "" {
		attrs = append(attrs, attrNode.String(string(snid)))
	}
	if vid != "" {
		attrs = append(attrs, attrVehicle.String(string(vid)))
	}
	if test != "" {
		attrs = append(attrs, attrTestID.String(test))
	}
	return attrs
}

// startSpan opens an internal span below the RPC span.
func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, err.Error())
	}
	span.End()
}
