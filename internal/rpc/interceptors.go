package rpc

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/simorchestrator/internal/logging"
	"github.com/signalsfoundry/simorchestrator/internal/observability"
)

const requestIDMetadataKey = "x-request-id"

// RequestIDUnaryServerInterceptor adopts the caller's x-request-id (or
// mints one), echoes it in the response header and attaches a request
// logger to the context. Each call is logged on completion: failures at
// warn, everything else at debug.
func RequestIDUnaryServerInterceptor(base logging.Logger) grpc.UnaryServerInterceptor {
	if base == nil {
		base = logging.Noop()
	}
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		if incoming := firstHeader(md, requestIDMetadataKey); incoming != "" {
			ctx = logging.ContextWithRequestID(ctx, incoming)
		}

		service, method := observability.SplitMethod(info.FullMethod)
		ctx, reqLog := logging.WithRequestLogger(ctx, base.With(logging.String("rpc", service+"."+method)))
		ctx = logging.ContextWithLogger(ctx, reqLog)
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, logging.RequestIDFromContext(ctx)))

		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			reqLog.Warn(ctx, "rpc failed",
				logging.String("code", status.Code(err).String()),
				logging.Duration("elapsed", time.Since(start)),
				logging.Err(err),
			)
			return resp, err
		}
		reqLog.Debug(ctx, "rpc handled", logging.Duration("elapsed", time.Since(start)))
		return resp, nil
	}
}

// ErrorMappingUnaryServerInterceptor converts handler errors with
// ToStatusError so every service reports the same codes.
func ErrorMappingUnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if err != nil {
			return nil, ToStatusError(err)
		}
		return resp, nil
	}
}

// RequestIDUnaryClientInterceptor forwards the caller's request_id to the
// node so both sides log the same id.
func RequestIDUnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply interface{}, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if id := logging.RequestIDFromContext(ctx); id != "" {
			ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, id)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

func firstHeader(md metadata.MD, key string) string {
	if md == nil {
		return ""
	}
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
