// Package grpc provides transport-level middleware for exposing the auth
// service over gRPC. The unary interceptor validates access tokens from
// request metadata and injects the verified claims into the handler context.
package grpc

import (
	"context"

	"github.com/dmitrijs2005/authkeeper/internal/common"
	"github.com/dmitrijs2005/authkeeper/internal/server/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type ctxKey string

const claimsKey ctxKey = "authClaims"

// AccessTokenInterceptor returns a unary server interceptor that requires a
// valid access token for every method in protectedMethods (full method
// names, e.g. "/authkeeper.AuthService/Logout"). Other methods pass through
// untouched. On success the parsed token payload is available to handlers
// via ClaimsFromContext.
func AccessTokenInterceptor(jwtSecret []byte, protectedMethods map[string]bool) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {

		if protectedMethods[info.FullMethod] {

			var accessToken string
			if md, ok := metadata.FromIncomingContext(ctx); ok {
				values := md.Get(common.AccessTokenHeaderName)
				if len(values) > 0 {
					accessToken = values[0]
				}
			}
			if len(accessToken) == 0 {
				return nil, status.Error(codes.Unauthenticated, "missing token")
			}

			payload, err := auth.ParseAccessToken(accessToken, jwtSecret)
			if err != nil {
				return nil, status.Error(codes.Unauthenticated, "invalid token")
			}

			ctx = context.WithValue(ctx, claimsKey, payload)
		}

		return handler(ctx, req)
	}
}

// ClaimsFromContext extracts the token payload stored by the interceptor.
// The second return is false for unauthenticated contexts.
func ClaimsFromContext(ctx context.Context) (*auth.TokenPayload, bool) {
	payload, ok := ctx.Value(claimsKey).(*auth.TokenPayload)
	return payload, ok
}
