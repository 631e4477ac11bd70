package provider

import (
	"errors"
	"fmt"

	"github.com/linklabs/linkbroker/errs"
)

// OAuthError is a structured error from a provider's OAuth endpoint,
// carrying the HTTP status and the RFC 6749 error code when present. The
// token manager classifies refresh failures by inspecting it.
type OAuthError struct {
	StatusCode  int
	Code        string // e.g. invalid_grant
	Description string
}

func (e *OAuthError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider oauth error %d: %s (%s)", e.StatusCode, e.Code, e.Description)
	}
	return fmt.Sprintf("provider oauth error %d: %s", e.StatusCode, e.Description)
}

// Transient reports whether the failure is a retryable provider fault
// (network error or 5xx) rather than a verdict on the credentials.
func (e *OAuthError) Transient() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// InvalidGrant reports whether the provider explicitly rejected the grant
// as invalid or revoked.
func (e *OAuthError) InvalidGrant() bool {
	return e.Code == "invalid_grant"
}

// ExpiredGrant reports whether the provider rejected the grant as expired
// by policy.
func (e *OAuthError) ExpiredGrant() bool {
	return e.Code == "expired_token" || e.Code == "token_expired"
}

// APIError is a structured error from a provider's resource API, used by
// verb implementations and classified by NormalizeError hooks.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error %d: %s %s", e.StatusCode, e.Code, e.Message)
}

// NormalizeHTTPError is the default error-normalization hook: it maps a raw
// provider error into the broker taxonomy by HTTP status. Adapters with
// provider-specific failure shapes wrap or replace it.
func NormalizeHTTPError(err error) error {
	if err == nil {
		return nil
	}

	var bkErr *errs.Error
	if errors.As(err, &bkErr) {
		return err
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 401:
			return errs.ConnectionExpired("provider rejected the credentials")
		case apiErr.StatusCode == 403:
			return errs.ScopeInsufficient("provider rejected the request for missing scope")
		case apiErr.StatusCode == 404:
			return errs.NotFound("provider resource not found")
		case apiErr.StatusCode == 429:
			return errs.RateLimited("provider rate limit exceeded")
		case apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
			return errs.Validation(apiErr.Message)
		default:
			return errs.Provider(apiErr.Message, err)
		}
	}

	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return errs.Provider(oauthErr.Description, err)
	}

	return errs.Provider("provider request failed", err)
}
