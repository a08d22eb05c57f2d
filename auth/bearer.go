package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// BearerConfig controls validation of JWT bearer tokens. Exactly one key
// source must be configured: an HMAC shared secret or a JWKS endpoint.
type BearerConfig struct {
	// Issuer is the required "iss" claim.
	Issuer string
	// ExpectedAudiences lists acceptable "aud" values; the token must carry
	// at least one of them.
	ExpectedAudiences []string
	// AllowedAlgs restricts signing algorithms. Defaults to RS256 for JWKS
	// and HS256 for a shared secret.
	AllowedAlgs []string
	// Leeway tolerates clock skew on time-based claims. Defaults to 60s.
	Leeway time.Duration

	// HMACSecret enables shared-secret validation.
	HMACSecret []byte
	// JWKSURI enables JWKS-based validation; keys are fetched and cached.
	JWKSURI string
}

// BearerAuthenticator validates JWT bearer tokens against a static
// configuration (no discovery).
type BearerAuthenticator struct {
	cfg     BearerConfig
	keyfunc jwt.Keyfunc
}

// NewBearer constructs a BearerAuthenticator. When cfg.JWKSURI is set, the
// key set is fetched eagerly and refreshed in the background.
func NewBearer(ctx context.Context, cfg BearerConfig) (*BearerAuthenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(cfg.ExpectedAudiences) == 0 {
		return nil, errors.New("at least one expected audience is required")
	}
	if (len(cfg.HMACSecret) == 0) == (cfg.JWKSURI == "") {
		return nil, errors.New("exactly one of HMACSecret or JWKSURI is required")
	}
	if cfg.Leeway == 0 {
		cfg.Leeway = 60 * time.Second
	}

	var kf jwt.Keyfunc
	if cfg.JWKSURI != "" {
		if len(cfg.AllowedAlgs) == 0 {
			cfg.AllowedAlgs = []string{"RS256"}
		}
		jwks, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.JWKSURI})
		if err != nil {
			return nil, fmt.Errorf("jwks init: %w", err)
		}
		kf = jwks.Keyfunc
	} else {
		if len(cfg.AllowedAlgs) == 0 {
			cfg.AllowedAlgs = []string{"HS256"}
		}
		secret := cfg.HMACSecret
		kf = func(t *jwt.Token) (any, error) { return secret, nil }
	}

	return &BearerAuthenticator{cfg: cfg, keyfunc: kf}, nil
}

// CheckAuthentication implements Authenticator.
func (a *BearerAuthenticator) CheckAuthentication(ctx context.Context, token string) (UserInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
	)
	parsed, err := parser.Parse(token, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], a.cfg.ExpectedAudiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub claim", ErrUnauthorized)
	}
	return &jwtUserInfo{sub: sub, claims: claims}, nil
}

func audIntersects(aud any, wants []string) bool {
	wantSet := make(map[string]struct{}, len(wants))
	for _, w := range wants {
		wantSet[w] = struct{}{}
	}
	switch v := aud.(type) {
	case string:
		_, ok := wantSet[v]
		return ok
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				if _, hit := wantSet[s]; hit {
					return true
				}
			}
		}
	case []string:
		for _, s := range v {
			if _, hit := wantSet[s]; hit {
				return true
			}
		}
	}
	return false
}

type jwtUserInfo struct {
	sub    string
	claims jwt.MapClaims
}

func (u *jwtUserInfo) UserID() string { return u.sub }

func (u *jwtUserInfo) Claims(ref any) error {
	b, err := json.Marshal(u.claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

var _ Authenticator = (*BearerAuthenticator)(nil)
