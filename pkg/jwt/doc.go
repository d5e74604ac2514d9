// Package jwt signs and verifies the HS256 tokens clients present to the gateway.
//
// Service wraps github.com/golang-jwt/jwt/v5 with a fixed signing method, optional
// issuer and audience checks and a clock leeway. Tokens carry the registered claims plus
// the identity fields the connection registry needs: role, permissions, tier and
// verified.
//
//	svc, err := jwt.FromConfig(cfg)
//	token, err := svc.Generate(jwt.Claims{Role: "admin", RegisteredClaims: gojwt.RegisteredClaims{Subject: "u1"}})
//	claims, err := svc.Parse(token)
//
// Middleware verifies a token taken from the request by a TokenExtractorFunc and stores
// the claims in the request context. RequireRole rejects requests whose claims lack a
// role.
package jwt
