package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenEndpoint is the shared OAuth 2.0 token-endpoint client adapters build
// their ExchangeCode and Refresh operations on. It speaks the standard form
// encoding and tolerates the common response variants.
type TokenEndpoint struct {
	URL          string
	ClientID     string
	ClientSecret string

	// ClientAssertion, when set, replaces client_secret authentication with
	// a JWT client assertion (RFC 7523).
	ClientAssertion func() (string, error)

	// HTTPClient defaults to a client with a 15 second timeout.
	HTTPClient *http.Client
}

// tokenResponse is the standard token-endpoint success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
}

// tokenError is the standard RFC 6749 error body.
type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Exchange trades an authorization code and its PKCE verifier for tokens.
func (e *TokenEndpoint) Exchange(ctx context.Context, code, verifier, redirectURI string) (*Token, error) {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
	}
	if verifier != "" {
		form.Set("code_verifier", verifier)
	}
	return e.post(ctx, form)
}

// Refresh trades a refresh token for a fresh access token.
func (e *TokenEndpoint) Refresh(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return e.post(ctx, form)
}

func (e *TokenEndpoint) post(ctx context.Context, form url.Values) (*Token, error) {
	form.Set("client_id", e.ClientID)
	if e.ClientAssertion != nil {
		assertion, err := e.ClientAssertion()
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
	} else if e.ClientSecret != "" {
		form.Set("client_secret", e.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := e.client().Do(req)
	if err != nil {
		return nil, &OAuthError{Description: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &OAuthError{StatusCode: resp.StatusCode, Description: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		return nil, &OAuthError{
			StatusCode:  resp.StatusCode,
			Code:        te.Error,
			Description: te.ErrorDescription,
		}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, &OAuthError{StatusCode: resp.StatusCode, Description: "malformed token response"}
	}
	if tr.AccessToken == "" {
		return nil, &OAuthError{StatusCode: resp.StatusCode, Description: "token response missing access_token"}
	}

	token := &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	if token.TokenType == "" {
		token.TokenType = "Bearer"
	}
	if tr.ExpiresIn > 0 {
		at := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UTC()
		token.ExpiresAt = &at
	}
	if tr.Scope != "" {
		token.Scopes = strings.Fields(tr.Scope)
	}
	return token, nil
}

func (e *TokenEndpoint) client() *http.Client {
	if e.HTTPClient != nil {
		return e.HTTPClient
	}
	return &http.Client{Timeout: 15 * time.Second}
}

// BuildAuthorizationURL assembles a standard authorization-code consent URL
// with PKCE S256 parameters. Adapters with extra query knobs append to the
// returned values before encoding instead.
func BuildAuthorizationURL(authURL, clientID, redirectURI string, scopes []string, state, pkceChallenge string, extra url.Values) string {
	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"state":                 {state},
		"code_challenge":        {pkceChallenge},
		"code_challenge_method": {"S256"},
	}
	if len(scopes) > 0 {
		q.Set("scope", strings.Join(scopes, " "))
	}
	for key, values := range extra {
		for _, v := range values {
			q.Add(key, v)
		}
	}
	return authURL + "?" + q.Encode()
}
