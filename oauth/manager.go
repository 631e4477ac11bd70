// Package oauth runs the broker-mediated authorization-code flow: it mints
// single-use state rows with PKCE, builds provider consent URLs, and turns
// provider callbacks into active connections. Projects never see provider
// credentials; the browser only ever visits the provider and the project's
// own redirect URI.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"gorm.io/gorm"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/store"
	"github.com/linklabs/linkbroker/token"
)

// StateTTL is how long an authorization attempt may sit between Initiate and
// the provider callback.
const StateTTL = 10 * time.Minute

// stateRetention is how long expired, unconsumed state rows are kept before
// the sweeper removes them.
const stateRetention = 24 * time.Hour

// Manager drives the authorization-code flow end to end.
type Manager struct {
	store       *store.Store
	keyring     krypto.Encryptor
	registry    *provider.Registry
	events      token.Emitter
	callbackURL string
	stateTTL    time.Duration
	now         func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStateTTL overrides the state lifetime.
func WithStateTTL(d time.Duration) Option {
	return func(m *Manager) { m.stateTTL = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a flow manager. callbackURL is the broker's public
// callback endpoint, registered with every provider as the redirect URI.
func NewManager(s *store.Store, keyring krypto.Encryptor, registry *provider.Registry, events token.Emitter, callbackURL string, opts ...Option) *Manager {
	m := &Manager{
		store:       s,
		keyring:     keyring,
		registry:    registry,
		events:      events,
		callbackURL: callbackURL,
		stateTTL:    StateTTL,
		now:         time.Now,
	}
	if m.events == nil {
		m.events = token.NopEmitter{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InitiateRequest is the developer-facing connect request.
type InitiateRequest struct {
	ProjectID   string
	Provider    string
	UserID      string // project-supplied external id
	Scopes      []string
	RedirectURI string
}

// InitiateResult is returned to the developer, who sends the end user's
// browser to AuthorizationURL.
type InitiateResult struct {
	AuthorizationURL string    `json:"authorizationUrl"`
	State            string    `json:"state"`
	ExpiresAt        time.Time `json:"expiresAt"`
}

// Initiate starts an authorization attempt: it resolves the end user, mints
// a state row bound to a PKCE verifier, and builds the provider consent URL.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	if req.Provider == "" {
		return nil, errs.Validation("provider is required")
	}
	if req.UserID == "" {
		return nil, errs.Validation("userId is required")
	}
	if req.RedirectURI == "" {
		return nil, errs.Validation("redirectUri is required")
	}
	if _, err := url.ParseRequestURI(req.RedirectURI); err != nil {
		return nil, errs.Validation("redirectUri is not a valid absolute URL")
	}

	desc, err := m.store.GetProvider(ctx, req.Provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.NotFound("unknown or disabled provider: " + req.Provider)
		}
		return nil, errs.Internal("failed to load provider descriptor", err)
	}
	adapter, ok := m.registry.Get(desc.Name)
	if !ok {
		return nil, errs.Internal("provider "+desc.Name+" is enabled but has no adapter", nil)
	}

	scopes := req.Scopes
	if len(scopes) == 0 {
		scopes = desc.DefaultScopes
	}
	if len(desc.Scopes) > 0 {
		for _, s := range scopes {
			if !desc.Scopes.Contains(s) {
				return nil, errs.Validation("scope not permitted for provider: " + s).
					WithDetails(map[string]any{"scope": s, "permitted": []string(desc.Scopes)})
			}
		}
	}

	user, err := m.store.GetOrCreateEndUser(ctx, req.ProjectID, req.UserID)
	if err != nil {
		return nil, errs.Internal("failed to resolve end user", err)
	}

	pkce, err := NewPKCE()
	if err != nil {
		return nil, errs.Internal("failed to generate pkce verifier", err)
	}
	stateToken, err := krypto.GenerateURLToken(32)
	if err != nil {
		return nil, errs.Internal("failed to generate state token", err)
	}

	expiresAt := m.now().Add(m.stateTTL).UTC()
	st := &store.OAuthState{
		StateToken:   stateToken,
		ProjectID:    req.ProjectID,
		Provider:     desc.Name,
		EndUserID:    user.ID,
		RedirectURI:  req.RedirectURI,
		Scopes:       store.StringList(scopes),
		CodeVerifier: pkce.Verifier,
		ExpiresAt:    expiresAt,
	}
	if err := m.store.CreateState(ctx, st); err != nil {
		return nil, errs.Internal("failed to persist authorization state", err)
	}

	return &InitiateResult{
		AuthorizationURL: adapter.BuildAuthorizationURL(m.callbackURL, scopes, stateToken, pkce.Challenge),
		State:            stateToken,
		ExpiresAt:        expiresAt,
	}, nil
}

// CallbackResult tells the HTTP layer where to send the browser.
type CallbackResult struct {
	RedirectURL  string
	ConnectionID string
}

// HandleCallback processes the provider's redirect. The state is consumed
// before anything else so a replayed callback can never mint a second
// connection; an unknown, expired, or already-used state fails with
// INVALID_STATE and no redirect, because without the state row the project's
// redirect URI is unknown.
func (m *Manager) HandleCallback(ctx context.Context, stateToken, code, providerErr string) (*CallbackResult, error) {
	if stateToken == "" {
		return nil, errs.InvalidState("missing state parameter")
	}

	var st *store.OAuthState
	err := m.store.Transaction(ctx, func(tx *gorm.DB) error {
		var err error
		st, err = m.store.ConsumeState(ctx, tx, stateToken, m.now().UTC())
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.InvalidState("state is unknown, expired, or already used")
		}
		return nil, errs.Internal("failed to consume authorization state", err)
	}

	if providerErr != "" {
		errorCode := "PROVIDER_ERROR"
		if providerErr == "access_denied" {
			errorCode = "ACCESS_DENIED"
		}
		logger.Infow("authorization declined at provider",
			"provider", st.Provider, "project_id", st.ProjectID, "error", providerErr)
		return m.errorRedirect(st, errorCode), nil
	}
	if code == "" {
		return m.errorRedirect(st, "PROVIDER_ERROR"), nil
	}

	adapter, ok := m.registry.Get(st.Provider)
	if !ok {
		return nil, errs.Internal("provider "+st.Provider+" has no adapter", nil)
	}

	tok, err := adapter.ExchangeCode(ctx, code, st.CodeVerifier, m.callbackURL)
	if err != nil {
		logger.Warnw("code exchange failed",
			"provider", st.Provider, "project_id", st.ProjectID, "error", err)
		return m.errorRedirect(st, "PROVIDER_ERROR"), nil
	}

	conn, err := m.establishConnection(ctx, adapter, st, tok)
	if err != nil {
		logger.Errorw("failed to persist connection after exchange",
			"provider", st.Provider, "project_id", st.ProjectID, "error", err)
		return m.errorRedirect(st, "INTERNAL_ERROR"), nil
	}

	m.events.Emit(conn.ProjectID, token.EventConnectionCreated, map[string]any{
		"connectionId": conn.ID,
		"provider":     conn.Provider,
		"userId":       conn.EndUserID,
		"scopes":       []string(conn.Scopes),
	})

	return &CallbackResult{
		RedirectURL:  appendQuery(st.RedirectURI, url.Values{"connection_id": {conn.ID}, "status": {"success"}}),
		ConnectionID: conn.ID,
	}, nil
}

// establishConnection encrypts the exchanged tokens and upserts the
// connection row into the active state. Provider identity is fetched
// best-effort; a failed user-info call never fails the connection.
func (m *Manager) establishConnection(ctx context.Context, adapter provider.Adapter, st *store.OAuthState, tok *provider.Token) (*store.Connection, error) {
	accessEnc, err := m.keyring.EncryptString(tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	refreshEnc := ""
	if tok.RefreshToken != "" {
		if refreshEnc, err = m.keyring.EncryptString(tok.RefreshToken); err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}

	var providerUserID, providerEmail string
	if info, err := adapter.UserInfo(ctx, tok.AccessToken); err == nil && info != nil {
		providerUserID = info.ID
		providerEmail = info.Email
	} else if err != nil {
		logger.Debugw("user-info fetch failed, connecting without provider identity",
			"provider", st.Provider, "error", err)
	}

	scopes := tok.Scopes
	if len(scopes) == 0 {
		scopes = st.Scopes
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return m.store.UpsertConnection(ctx, nil, &store.Connection{
		ProjectID:             st.ProjectID,
		Provider:              st.Provider,
		EndUserID:             st.EndUserID,
		ProviderUserID:        providerUserID,
		ProviderEmail:         providerEmail,
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		TokenType:             tokenType,
		ExpiresAt:             tok.ExpiresAt,
		Scopes:                store.StringList(scopes),
		Status:                store.ConnectionActive,
	})
}

func (m *Manager) errorRedirect(st *store.OAuthState, errorCode string) *CallbackResult {
	return &CallbackResult{
		RedirectURL: appendQuery(st.RedirectURI, url.Values{"status": {"error"}, "error_code": {errorCode}}),
	}
}

// appendQuery merges params into a redirect URI, preserving any query the
// project put there.
func appendQuery(rawURL string, params url.Values) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		// Validated at Initiate; fall back to naive joining.
		return rawURL + "?" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// StartSweeper periodically removes expired, never-consumed state rows.
// Consumed rows are kept for audit. Returns when ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := m.now().Add(-stateRetention).UTC()
			n, err := m.store.DeleteExpiredStates(ctx, cutoff)
			if err != nil {
				logger.Errorw("state sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debugw("swept expired authorization states", "removed", n)
			}
		}
	}
}
