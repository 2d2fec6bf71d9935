package ingest

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"tracegate.org/internal/auth"
)

// UnaryAuthInterceptor guards gRPC export endpoints with the ingestion gate.
// Each call re-authenticates from scratch; there is no per-connection
// credential cache.
func UnaryAuthInterceptor(gate *Gate) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		credential, ok := bearerFromMetadata(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing credentials")
		}
		user, method, err := gate.Authenticate(ctx, credential)
		if err != nil {
			if errors.Is(err, auth.ErrUnavailable) {
				return nil, status.Error(codes.Unavailable, "credential backend unavailable")
			}
			return nil, status.Error(codes.Unauthenticated, "invalid credentials")
		}
		ctx = auth.ContextWithUser(ctx, user)
		ctx = metadata.AppendToOutgoingContext(ctx, "x-tracegate-auth-method", method)
		return handler(ctx, req)
	}
}

func bearerFromMetadata(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	values := md.Get("authorization")
	if len(values) == 0 {
		return "", false
	}
	raw := strings.TrimSpace(values[0])
	if raw == "" {
		return "", false
	}
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}
	return raw, raw != ""
}
