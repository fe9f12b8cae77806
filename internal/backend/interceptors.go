package backend

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const (
	apiKeyMetadata       = "x-api-key"
	apiExtraMetadata     = "x-api-extra"
	requestIDMetadataKey = "x-request-id"
)

// outgoingMetadataInterceptor stamps every call with the till credentials and
// a request id. A request id already present in ctx is kept.
func outgoingMetadataInterceptor(apiKey, apiExtra string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		var kv []string
		if apiKey != "" {
			kv = append(kv, apiKeyMetadata, apiKey)
		}
		if apiExtra != "" {
			kv = append(kv, apiExtraMetadata, apiExtra)
		}
		if md, _ := metadata.FromOutgoingContext(ctx); len(md.Get(requestIDMetadataKey)) == 0 {
			kv = append(kv, requestIDMetadataKey, uuid.NewString())
		}
		if len(kv) > 0 {
			ctx = metadata.AppendToOutgoingContext(ctx, kv...)
		}
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// clientLoggingInterceptor logs each backend call with the idempotency key it carried.
func clientLoggingInterceptor(logger *zerolog.Logger) grpc.UnaryClientInterceptor {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "grpc_client").Logger()
	}

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		md, _ := metadata.FromOutgoingContext(ctx)
		event := log.Debug()
		if err != nil {
			event = log.Warn().Err(err)
		}
		event.Str("method", shortMethod(method)).
			Str("request_id", first(md.Get(requestIDMetadataKey))).
			Str("idempotency_key", first(md.Get(IdempotencyMetadata))).
			Stringer("code", status.Code(err)).
			Dur("duration", time.Since(start)).
			Msg("Backend call")
		return err
	}
}

// serverLoggingInterceptor echoes the caller's request id back in the header
// and logs the outcome.
func serverLoggingInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "grpc_server").Logger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		md, _ := metadata.FromIncomingContext(ctx)
		requestID := first(md.Get(requestIDMetadataKey))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		_ = grpc.SetHeader(ctx, metadata.Pairs(requestIDMetadataKey, requestID))

		start := time.Now()
		resp, err := handler(ctx, req)

		remote := "unknown"
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}
		log.Info().
			Str("method", shortMethod(info.FullMethod)).
			Str("request_id", requestID).
			Str("idempotency_key", first(md.Get(IdempotencyMetadata))).
			Str("remote", remote).
			Stringer("code", status.Code(err)).
			Dur("duration", time.Since(start)).
			Msg("Backend request")
		return resp, err
	}
}

func shortMethod(full string) string {
	if i := strings.LastIndexByte(full, '/'); i >= 0 {
		return full[i+1:]
	}
	return full
}

func first(vals []string) string {
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}
