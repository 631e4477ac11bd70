// Package token owns token freshness and the connection lifecycle. Its hot
// path, GetValidAccessToken, returns a decrypted access token, refreshing it
// through the provider when it is within the expiry skew buffer — with
// single-flight coalescing in process and an advisory lock across processes
// so each connection sees at most one refresh per window.
package token

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/store"
)

// ExpirySkew is how far before actual expiry a token is treated as stale, so
// a token never dies mid provider call.
const ExpirySkew = 60 * time.Second

// refreshTimeout bounds one coalesced refresh round-trip.
const refreshTimeout = 30 * time.Second

// Lifecycle event types emitted to the webhook dispatcher.
const (
	EventConnectionCreated = "connection.created"
	EventConnectionExpired = "connection.expired"
	EventConnectionRevoked = "connection.revoked"
	EventConnectionError   = "connection.error"
)

// Emitter receives lifecycle events. Implemented by the webhook dispatcher;
// emission must not block the caller.
type Emitter interface {
	Emit(projectID, eventType string, data map[string]any)
}

// NopEmitter discards events, for wiring tests.
type NopEmitter struct{}

func (NopEmitter) Emit(string, string, map[string]any) {}

// Lease is a read lease on a valid access token.
type Lease struct {
	AccessToken string
	TokenType   string
	Scopes      []string
	Connection  *store.Connection
}

// Manager implements the token lifecycle.
type Manager struct {
	store    *store.Store
	keyring  krypto.Encryptor
	registry *provider.Registry
	events   Emitter
	group    singleflight.Group
	skew     time.Duration
	now      func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithSkew overrides the expiry skew buffer.
func WithSkew(d time.Duration) Option {
	return func(m *Manager) { m.skew = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager builds a token manager.
func NewManager(s *store.Store, keyring krypto.Encryptor, registry *provider.Registry, events Emitter, opts ...Option) *Manager {
	m := &Manager{
		store:    s,
		keyring:  keyring,
		registry: registry,
		events:   events,
		skew:     ExpirySkew,
		now:      time.Now,
	}
	if m.events == nil {
		m.events = NopEmitter{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetValidAccessToken returns a lease on a fresh access token for the
// connection, refreshing through the provider when needed. Terminal
// statuses fail fast without a provider round-trip.
func (m *Manager) GetValidAccessToken(ctx context.Context, connectionID string) (*Lease, error) {
	conn, err := m.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.ConnectionNotFound("unknown connection")
		}
		return nil, errs.Internal("failed to load connection", err)
	}

	if lease, err := m.leaseIfFresh(conn); lease != nil || err != nil {
		return lease, err
	}

	// Stale: refresh, coalescing concurrent callers onto one round-trip.
	// The refresh runs detached from the caller's context: the winner
	// disconnecting must not cancel the refresh every waiter is sharing.
	result, err, _ := m.group.Do(connectionID, func() (any, error) {
		refreshCtx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		return m.refresh(refreshCtx, connectionID)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Lease), nil
}

// leaseIfFresh returns a lease when the connection's token is usable as-is,
// an error when the status is terminal, and (nil, nil) when a refresh is
// required.
func (m *Manager) leaseIfFresh(conn *store.Connection) (*Lease, error) {
	switch conn.Status {
	case store.ConnectionRevoked:
		return nil, errs.ConnectionRevoked("connection has been revoked")
	case store.ConnectionExpired:
		return nil, errs.ConnectionExpired("connection has expired; the user must re-connect")
	case store.ConnectionPending:
		return nil, errs.ConnectionNotFound("connection was never completed")
	}

	if conn.ExpiresAt == nil || conn.ExpiresAt.After(m.now().Add(m.skew)) {
		if conn.Status == store.ConnectionError {
			// Error status with a live token means the last refresh
			// failed non-terminally; let the caller proceed.
			logger.Debugw("serving token for connection in error status", "connection_id", conn.ID)
		}
		access, err := m.keyring.DecryptString(conn.AccessTokenEncrypted)
		if err != nil {
			return nil, errs.Internal("failed to decrypt access token", err)
		}
		return &Lease{
			AccessToken: access,
			TokenType:   conn.TokenType,
			Scopes:      conn.Scopes,
			Connection:  conn,
		}, nil
	}
	return nil, nil
}

// terminalOutcome is a refresh-failure classification that has to outlive
// the lock transaction: returning an error from the transaction body would
// roll back any status write made inside it, so the write and the event
// happen after the transaction commits.
type terminalOutcome struct {
	status  string
	message string
	event   string
	surface error
}

// refresh performs one provider refresh round-trip under the cross-process
// connection lock. Losers of the cross-process race observe the winner's
// fresh row and return it without a second round-trip.
func (m *Manager) refresh(ctx context.Context, connectionID string) (*Lease, error) {
	var (
		lease   *Lease
		outcome *terminalOutcome
		conn    store.Connection
	)
	err := m.store.WithConnectionLock(ctx, connectionID, func(tx *gorm.DB) error {
		if err := tx.First(&conn, "id = ?", connectionID).Error; err != nil {
			return errs.ConnectionNotFound("unknown connection")
		}

		// Another process may have refreshed while we waited on the lock.
		if fresh, err := m.leaseIfFresh(&conn); fresh != nil || err != nil {
			lease = fresh
			return err
		}

		adapter, ok := m.registry.Get(conn.Provider)
		if !ok {
			return errs.Internal("no adapter registered for provider "+conn.Provider, nil)
		}

		if conn.RefreshTokenEncrypted == "" {
			outcome = &terminalOutcome{
				status:  store.ConnectionExpired,
				message: "access token expired and no refresh token is held",
				event:   EventConnectionExpired,
				surface: errs.ConnectionExpired("connection has expired; the user must re-connect"),
			}
			return nil
		}

		refreshToken, err := m.keyring.DecryptString(conn.RefreshTokenEncrypted)
		if err != nil {
			return errs.Internal("failed to decrypt refresh token", err)
		}

		newToken, err := adapter.Refresh(ctx, refreshToken)
		if err != nil {
			outcome, err = m.classifyRefreshFailure(err)
			return err
		}

		accessEnc, err := m.keyring.EncryptString(newToken.AccessToken)
		if err != nil {
			return errs.Internal("failed to encrypt access token", err)
		}
		refreshEnc := ""
		if newToken.RefreshToken != "" && newToken.RefreshToken != refreshToken {
			if refreshEnc, err = m.keyring.EncryptString(newToken.RefreshToken); err != nil {
				return errs.Internal("failed to encrypt refresh token", err)
			}
		}
		if err := m.store.UpdateConnectionTokens(ctx, tx, conn.ID, accessEnc, refreshEnc, newToken.ExpiresAt); err != nil {
			return errs.Internal("failed to persist refreshed tokens", err)
		}

		conn.AccessTokenEncrypted = accessEnc
		conn.ExpiresAt = newToken.ExpiresAt
		conn.Status = store.ConnectionActive
		if newToken.TokenType != "" {
			conn.TokenType = newToken.TokenType
		}
		lease = &Lease{
			AccessToken: newToken.AccessToken,
			TokenType:   conn.TokenType,
			Scopes:      conn.Scopes,
			Connection:  &conn,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		if err := m.store.UpdateConnectionStatus(ctx, nil, conn.ID, outcome.status, outcome.message); err != nil {
			return nil, errs.Internal("failed to record connection status", err)
		}
		m.emit(&conn, outcome.event)
		return nil, outcome.surface
	}
	return lease, nil
}

// classifyRefreshFailure applies the failure table: invalid grant revokes,
// expired grant expires, transient faults leave the row untouched, and any
// other client error parks the connection in the error status. Status
// changes come back as an outcome for the caller to commit.
func (m *Manager) classifyRefreshFailure(cause error) (*terminalOutcome, error) {
	var oauthErr *provider.OAuthError
	if !errors.As(cause, &oauthErr) {
		return nil, errs.Provider("token refresh failed", cause)
	}

	switch {
	case oauthErr.InvalidGrant():
		return &terminalOutcome{
			status:  store.ConnectionRevoked,
			message: oauthErr.Description,
			event:   EventConnectionRevoked,
			surface: errs.ConnectionRevoked("provider revoked the credentials"),
		}, nil
	case oauthErr.ExpiredGrant():
		return &terminalOutcome{
			status:  store.ConnectionExpired,
			message: oauthErr.Description,
			event:   EventConnectionExpired,
			surface: errs.ConnectionExpired("connection has expired; the user must re-connect"),
		}, nil
	case oauthErr.Transient():
		return nil, errs.Provider("provider token endpoint unavailable", cause)
	default:
		return &terminalOutcome{
			status:  store.ConnectionError,
			message: oauthErr.Error(),
			event:   EventConnectionError,
			surface: errs.Provider("token refresh rejected by provider", cause),
		}, nil
	}
}

// Revoke marks a connection revoked on behalf of the project (developer
// delete). The transition is valid from any state.
func (m *Manager) Revoke(ctx context.Context, projectID, connectionID string) error {
	conn, err := m.store.GetConnectionForProject(ctx, projectID, connectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return errs.ConnectionNotFound("unknown connection")
		}
		return errs.Internal("failed to load connection", err)
	}

	if err := m.store.UpdateConnectionStatus(ctx, nil, conn.ID, store.ConnectionRevoked, "revoked by project"); err != nil {
		return errs.Internal("failed to revoke connection", err)
	}
	m.emit(conn, EventConnectionRevoked)
	return nil
}

func (m *Manager) emit(conn *store.Connection, eventType string) {
	m.events.Emit(conn.ProjectID, eventType, map[string]any{
		"connectionId": conn.ID,
		"provider":     conn.Provider,
		"userId":       conn.EndUserID,
		"scopes":       []string(conn.Scopes),
	})
}
