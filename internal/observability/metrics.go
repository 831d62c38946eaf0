package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// RPCCollector holds the gRPC metrics for both directions: calls served to
// clients and nodes, and calls the orchestrator makes to simulation nodes.
type RPCCollector struct {
	gatherer prometheus.Gatherer

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
	RPCInFlight  prometheus.Gauge
	NodeCalls    *prometheus.CounterVec
}

// NewRPCCollector registers RPC metrics with reg, or with the default
// registry when reg is nil.
func NewRPCCollector(reg prometheus.Registerer) (*RPCCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := &RPCCollector{gatherer: prometheus.DefaultGatherer}
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}

	var err error
	if c.RPCRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_rpc_requests_total",
		Help: "Handled RPCs, labeled by service, method and gRPC status code.",
	}, []string{"service", "method", "code"})); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orchestrator_rpc_duration_seconds",
		Help:    "Handled RPC latency in seconds. Long polls land in the top buckets.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{"service", "method"})); err != nil {
		return nil, err
	}
	if c.RPCInFlight, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orchestrator_rpc_in_flight",
		Help: "RPCs currently being handled, including parked turn waits.",
	})); err != nil {
		return nil, err
	}
	if c.NodeCalls, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_node_calls_total",
		Help: "Outbound calls to simulation nodes, labeled by method and gRPC status code.",
	}, []string{"method", "code"})); err != nil {
		return nil, err
	}
	return c, nil
}

// UnaryServerInterceptor counts and times every served unary RPC.
func (c *RPCCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		if c == nil {
			return handler(ctx, req)
		}
		service, method := SplitMethod(info.FullMethod)

		c.RPCInFlight.Inc()
		start := time.Now()
		resp, err := handler(ctx, req)
		c.RPCInFlight.Dec()

		c.RPCRequests.WithLabelValues(service, method, status.Code(err).String()).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// UnaryClientInterceptor counts calls made to simulation nodes.
func (c *RPCCollector) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, fullMethod string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		err := invoker(ctx, fullMethod, req, reply, cc, opts...)
		if c != nil {
			_, method := SplitMethod(fullMethod)
			c.NodeCalls.WithLabelValues(method, status.Code(err).String()).Inc()
		}
		return err
	}
}

// Handler serves the gatherer the collector was registered with.
func (c *RPCCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// SplitMethod turns "/pkg.Service/Method" into ("Service", "Method"). Either
// part comes back as "unknown" when it cannot be parsed.
func SplitMethod(fullMethod string) (string, string) {
	parts := strings.Split(strings.TrimPrefix(fullMethod, "/"), "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service, method := parts[len(parts)-2], parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds col to reg. When an identical collector is already
// registered, the existing one is returned so repeated construction shares
// series.
func register[C prometheus.Collector](reg prometheus.Registerer, col C) (C, error) {
	err := reg.Register(col)
	if err == nil {
		return col, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
		return col, fmt.Errorf("register metric: incompatible existing collector: %w", err)
	}
	return col, fmt.Errorf("register metric: %w", err)
}
