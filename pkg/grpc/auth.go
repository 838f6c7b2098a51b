package grpc

import (
	"context"
	"crypto/subtle"
	"strings"

	"github.com/example/storefront/pkg/identity"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Schemes accepted in the authorization metadata entry.
const (
	// SchemeBearer carries a storefront session token.
	SchemeBearer = "Bearer"
	// SchemeGuest carries the guest token a browser holds in its cookie.
	SchemeGuest = "Guest"
	// SchemeService carries the shared secret of the fulfilment system.
	SchemeService = "Service"

	authMetadataKey = "authorization"
)

// systemAdmin acts for the fulfilment system.
var systemAdmin = identity.Actor{Admin: true}

type actorKey struct{}

// Authenticator turns call metadata into the Actor the tracking methods run
// as. Callers never name the actor in the request body.
type Authenticator struct {
	identity     *identity.Service
	serviceToken []byte
}

// NewAuthenticator accepts sessions resolved by ids and, when serviceToken is
// non-empty, the fulfilment secret.
func NewAuthenticator(ids *identity.Service, serviceToken string) *Authenticator {
	return &Authenticator{identity: ids, serviceToken: []byte(serviceToken)}
}

func (a *Authenticator) authenticate(ctx context.Context) (identity.Actor, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	values := md.Get(authMetadataKey)
	if len(values) == 0 {
		return identity.Actor{}, status.Error(codes.Unauthenticated, "missing credentials")
	}

	scheme, token, _ := strings.Cut(strings.TrimSpace(values[0]), " ")
	token = strings.TrimSpace(token)
	if token == "" {
		return identity.Actor{}, status.Error(codes.Unauthenticated, "malformed credentials")
	}

	switch {
	case strings.EqualFold(scheme, SchemeBearer):
		res, err := a.identity.Resolve(ctx, identity.Credentials{BearerToken: token})
		if err != nil {
			return identity.Actor{}, toStatus(err)
		}
		return res.Actor, nil
	case strings.EqualFold(scheme, SchemeGuest):
		if _, err := uuid.Parse(token); err != nil {
			return identity.Actor{}, status.Error(codes.Unauthenticated, "malformed guest token")
		}
		return identity.Guest(token), nil
	case strings.EqualFold(scheme, SchemeService):
		if len(a.serviceToken) == 0 || subtle.ConstantTimeCompare([]byte(token), a.serviceToken) != 1 {
			return identity.Actor{}, status.Error(codes.Unauthenticated, "invalid service token")
		}
		return systemAdmin, nil
	default:
		return identity.Actor{}, status.Errorf(codes.Unauthenticated, "unsupported authorization scheme %q", scheme)
	}
}

// unary authenticates calls to the tracking service. Health and reflection
// stay open.
func (a *Authenticator) unary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	if !strings.HasPrefix(info.FullMethod, "/"+ServiceName+"/") {
		return handler(ctx, req)
	}
	actor, err := a.authenticate(ctx)
	if err != nil {
		return nil, err
	}
	return handler(context.WithValue(ctx, actorKey{}, actor), req)
}

func actorFrom(ctx context.Context) (identity.Actor, error) {
	actor, ok := ctx.Value(actorKey{}).(identity.Actor)
	if !ok {
		return identity.Actor{}, status.Error(codes.Unauthenticated, "missing credentials")
	}
	return actor, nil
}

// TokenAuth attaches an authorization entry to every call it is used on.
type TokenAuth struct {
	Scheme string
	Token  string
}

func SessionToken(token string) TokenAuth { return TokenAuth{Scheme: SchemeBearer, Token: token} }
func GuestToken(token string) TokenAuth   { return TokenAuth{Scheme: SchemeGuest, Token: token} }
func ServiceToken(secret string) TokenAuth {
	return TokenAuth{Scheme: SchemeService, Token: secret}
}

// WithServiceToken makes every call on the connection as the fulfilment
// system.
func WithServiceToken(secret string) grpc.DialOption {
	return grpc.WithPerRPCCredentials(ServiceToken(secret))
}

func (t TokenAuth) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{authMetadataKey: t.Scheme + " " + t.Token}, nil
}

// Tracking connections use insecure transport credentials.
func (TokenAuth) RequireTransportSecurity() bool {
	return false
}
