// Package principal implements the gateway's Principal Resolver stage
// (spec §4.1): binding an opaque identity token to a Principal, pure
// and off the hot-I/O-path — signing keys are held in memory with
// bounded refresh, never fetched per request.
package principal

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mindburn-labs/sentrygate/pkg/gwerrors"
	"github.com/mindburn-labs/sentrygate/pkg/gwtypes"
)

// clockSkewLeeway bounds the accepted clock drift between issuer and
// gateway, per spec §4.1. It applies to the not-before and issued-at
// checks; expiry is checked separately in Resolve without leeway.
const clockSkewLeeway = 60 * time.Second

// Claims extends the registered JWT claims with the fields the
// gateway needs to build a gwtypes.Principal.
type Claims struct {
	jwt.RegisteredClaims
	Type         gwtypes.PrincipalType `json:"type"`
	Role         string                `json:"role,omitempty"`
	Teams        []string              `json:"teams,omitempty"`
	TrustLevel   gwtypes.TrustLevel    `json:"trust_level,omitempty"`
	Attributes   map[string]string     `json:"attributes,omitempty"`
	Capabilities []string              `json:"capabilities,omitempty"`
}

// Resolver binds tokens to Principals.
type Resolver struct {
	keySet KeySet
}

// NewResolver constructs a Resolver backed by the given KeySet.
func NewResolver(ks KeySet) (*Resolver, error) {
	if ks == nil {
		return nil, fmt.Errorf("principal: keyset is required")
	}
	return &Resolver{keySet: ks}, nil
}

// Resolve validates the token and produces the Principal it encodes.
// peerAddr is carried through for audit's ip_address field; it is not
// otherwise interpreted here.
func (r *Resolver) Resolve(tokenString, peerAddr string) (*gwtypes.Principal, error) {
	if tokenString == "" {
		return nil, gwerrors.New(gwerrors.KindAuth, "missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, r.keySet.KeyFunc(),
		jwt.WithLeeway(clockSkewLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindAuth, err, "token validation failed")
	}
	if !token.Valid {
		return nil, gwerrors.New(gwerrors.KindAuth, "invalid token")
	}
	if claims.Subject == "" {
		return nil, gwerrors.New(gwerrors.KindAuth, "token subject is required")
	}
	// Expiry is enforced without leeway: a token is rejected from its
	// exp instant on.
	if claims.ExpiresAt != nil && !time.Now().Before(claims.ExpiresAt.Time) {
		return nil, gwerrors.New(gwerrors.KindAuth, "token expired")
	}

	principalType := claims.Type
	if principalType == "" {
		principalType = gwtypes.PrincipalHuman
	}
	trust := claims.TrustLevel
	if trust == "" {
		trust = gwtypes.TrustLimited
	}

	return &gwtypes.Principal{
		ID:           claims.Subject,
		Type:         principalType,
		Role:         claims.Role,
		Teams:        claims.Teams,
		TrustLevel:   trust,
		Attributes:   claims.Attributes,
		Capabilities: claims.Capabilities,
	}, nil
}

// IssueToken is a test/bootstrap helper producing a token for a
// Principal; production issuance belongs to the out-of-scope identity
// provider (spec §1), but the gateway must be able to mint tokens for
// its own integration tests without depending on one.
func (r *Resolver) IssueToken(p gwtypes.Principal, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    "sentrygate",
		},
		Type:         p.Type,
		Role:         p.Role,
		Teams:        p.Teams,
		TrustLevel:   p.TrustLevel,
		Attributes:   p.Attributes,
		Capabilities: p.Capabilities,
	}
	return r.keySet.Sign(claims)
}
