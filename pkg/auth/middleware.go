package auth

import (
	"context"
	"errors"
	"strings"

	"connectrpc.com/connect"
	"github.com/google/uuid"
)

type contextKey string

const (
	tokenHeader            = "Authorization"
	tokenPrefix            = "Bearer "
	identityKey contextKey = "identity"
)

// Identity is the authenticated caller as seen by handlers
type Identity struct {
	UserID uuid.UUID
	Role   string
}

// NewAuthInterceptor creates a ConnectRPC interceptor that requires a valid bearer token.
func NewAuthInterceptor(signer *Signer) connect.UnaryInterceptorFunc {
	return func(next connect.UnaryFunc) connect.UnaryFunc {
		return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
			authHeader := req.Header().Get(tokenHeader)
			if authHeader == "" {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("missing authorization header"))
			}

			if !strings.HasPrefix(authHeader, tokenPrefix) {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid authorization header format"))
			}

			claims, err := signer.ValidateToken(strings.TrimPrefix(authHeader, tokenPrefix))
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("invalid or expired token"))
			}

			userID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return nil, connect.NewError(connect.CodeUnauthenticated, errors.New("token subject is not a user id"))
			}

			ctx = WithIdentity(ctx, Identity{UserID: userID, Role: claims.Role})
			return next(ctx, req)
		}
	}
}

// WithIdentity stores the caller identity in ctx
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity retrieves the caller identity from ctx
func GetIdentity(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
