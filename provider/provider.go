// Package provider defines the adapter framework: the capability set every
// third-party integration implements, the read-only registry they live in,
// the normalized response shapes, and the shared OAuth token-endpoint
// client adapters build on.
package provider

import (
	"context"
	"time"
)

// Verbs of the uniform dispatch surface.
const (
	VerbFetch  = "fetch"
	VerbCreate = "create"
	VerbUpdate = "update"
	VerbDelete = "delete"
)

// Token is the result of a code exchange or refresh. RefreshToken is empty
// when the provider did not issue or rotate one; ExpiresAt nil means the
// token does not expire.
type Token struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    *time.Time
	Scopes       []string
}

// UserInfo identifies the provider-side account behind a connection. The
// fields are opaque to the broker.
type UserInfo struct {
	ID    string
	Email string
	Name  string
}

// Handle bundles everything an adapter verb needs to act on behalf of a
// connected end user.
type Handle struct {
	ConnectionID   string
	AccessToken    string
	TokenType      string
	Scopes         []string
	ProviderUserID string
}

// Params carries the caller-supplied arguments of a verb invocation.
type Params map[string]any

// String returns the string value of a param, or def when absent.
func (p Params) String(key, def string) string {
	if v, ok := p[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Int returns the integer value of a param, or def when absent. JSON numbers
// arrive as float64.
func (p Params) Int(key string, def int) int {
	switch v := p[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

// Config carries the per-deployment credentials and endpoints an adapter is
// constructed with, loaded from the provider descriptor row.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string // overrides the adapter default when set
	TokenURL     string
}

// Adapter is the capability set of one provider integration. Implementations
// are plain values registered by name at process start; the registry is
// read-only afterwards.
type Adapter interface {
	Name() string
	DisplayName() string
	Category() string

	// BuildAuthorizationURL constructs the provider consent URL with the
	// given state token and PKCE S256 challenge.
	BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) string

	// ExchangeCode trades an authorization code (plus its PKCE verifier)
	// for tokens.
	ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Token, error)

	// Refresh trades a refresh token for a fresh access token.
	Refresh(ctx context.Context, refreshToken string) (*Token, error)

	// UserInfo fetches the provider-side identity for an access token.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)

	// The uniform verbs. Outputs follow the normalized schemas.
	Fetch(ctx context.Context, h *Handle, params Params) (any, error)
	Create(ctx context.Context, h *Handle, params Params) (any, error)
	Update(ctx context.Context, h *Handle, params Params) (any, error)
	Delete(ctx context.Context, h *Handle, params Params) (any, error)

	// NormalizeError maps a raw provider error into the broker taxonomy.
	NormalizeError(err error) error

	// TranslateScopes maps broker-vocabulary scopes to provider-native
	// scope strings. Unrecognized scopes pass through unchanged.
	TranslateScopes(scopes []string) []string
}

// Invoke routes a verb name to the adapter's method.
func Invoke(ctx context.Context, a Adapter, verb string, h *Handle, params Params) (any, bool, error) {
	switch verb {
	case VerbFetch:
		out, err := a.Fetch(ctx, h, params)
		return out, true, err
	case VerbCreate:
		out, err := a.Create(ctx, h, params)
		return out, true, err
	case VerbUpdate:
		out, err := a.Update(ctx, h, params)
		return out, true, err
	case VerbDelete:
		out, err := a.Delete(ctx, h, params)
		return out, true, err
	default:
		return nil, false, nil
	}
}

// TranslateWithMap is the standard scope-translation helper: known broker
// scopes map through m, unknown ones pass through unchanged.
func TranslateWithMap(m map[string]string, scopes []string) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if native, ok := m[s]; ok {
			out = append(out, native)
			continue
		}
		out = append(out, s)
	}
	return out
}
