package gateway

import (
	"context"

	"github.com/dmitrymomot/bedwatch/pkg/jwt"
	"github.com/dmitrymomot/bedwatch/pkg/registry"
)

// Verifier turns a bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (registry.Identity, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, token string) (registry.Identity, error)

// Verify implements Verifier.
func (f VerifierFunc) Verify(ctx context.Context, token string) (registry.Identity, error) {
	return f(ctx, token)
}

// JWTVerifier verifies HS256 tokens issued by svc.
func JWTVerifier(svc *jwt.Service) Verifier {
	return VerifierFunc(func(_ context.Context, token string) (registry.Identity, error) {
		claims, err := svc.Parse(token)
		if err != nil {
			return registry.Identity{}, err
		}
		return registry.Identity{
			ID:          claims.UserID(),
			Role:        claims.Role,
			Permissions: claims.Permissions,
			Tier:        claims.Tier,
			Verified:    claims.Verified,
		}, nil
	})
}
