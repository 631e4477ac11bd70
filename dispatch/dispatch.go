// Package dispatch is the stateless execution path: it resolves a connection,
// leases a fresh access token, routes the verb to the provider adapter, and
// records the outcome. Responses are never cached and tokens never leave the
// process.
package dispatch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/store"
	"github.com/linklabs/linkbroker/token"
)

// Request is one operation against a connected provider. Provider is
// optional; when set it must match the connection's provider, which catches
// a caller mixing up connection ids.
type Request struct {
	ProjectID    string
	ConnectionID string
	Provider     string
	Verb         string
	Params       provider.Params
}

// Result carries the provider's normalized output plus routing facts for the
// response envelope.
type Result struct {
	Data         any
	Provider     string
	ConnectionID string
	Latency      time.Duration
}

// Dispatcher executes operations. It holds no per-request state.
type Dispatcher struct {
	store    *store.Store
	registry *provider.Registry
	tokens   *token.Manager
	now      func() time.Time
}

// New builds a dispatcher.
func New(s *store.Store, registry *provider.Registry, tokens *token.Manager) *Dispatcher {
	return &Dispatcher{store: s, registry: registry, tokens: tokens, now: time.Now}
}

// Execute runs one verb against the connection's provider.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.ConnectionID == "" {
		return nil, errs.Validation("connectionId is required")
	}
	switch req.Verb {
	case provider.VerbFetch, provider.VerbCreate, provider.VerbUpdate, provider.VerbDelete:
	default:
		return nil, errs.Validation("unsupported operation verb: " + req.Verb)
	}

	conn, err := d.store.GetConnectionForProject(ctx, req.ProjectID, req.ConnectionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, errs.ConnectionNotFound("unknown connection")
		}
		return nil, errs.Internal("failed to load connection", err)
	}
	if req.Provider != "" && req.Provider != conn.Provider {
		// Misrouted id: report not-found rather than leaking which provider
		// the connection actually belongs to.
		return nil, errs.ConnectionNotFound("no " + req.Provider + " connection with that id")
	}

	adapter, ok := d.registry.Get(conn.Provider)
	if !ok {
		return nil, errs.Internal("no adapter registered for provider "+conn.Provider, nil)
	}

	lease, err := d.tokens.GetValidAccessToken(ctx, conn.ID)
	if err != nil {
		d.log(conn, req.Verb, statusOf(err))
		return nil, err
	}

	handle := &provider.Handle{
		ConnectionID:   conn.ID,
		AccessToken:    lease.AccessToken,
		TokenType:      lease.TokenType,
		Scopes:         lease.Scopes,
		ProviderUserID: conn.ProviderUserID,
	}

	start := d.now()
	out, handled, err := provider.Invoke(ctx, adapter, req.Verb, handle, req.Params)
	latency := d.now().Sub(start)
	if !handled {
		return nil, errs.Validation("unsupported operation verb: " + req.Verb)
	}
	if err != nil {
		err = adapter.NormalizeError(err)
		d.logWithLatency(conn, req.Verb, statusOf(err), latency)
		return nil, err
	}

	d.logWithLatency(conn, req.Verb, http.StatusOK, latency)
	d.touchLastUsed(conn.ID)

	return &Result{
		Data:         out,
		Provider:     conn.Provider,
		ConnectionID: conn.ID,
		Latency:      latency,
	}, nil
}

func statusOf(err error) int {
	return errs.From(err).Status()
}

func (d *Dispatcher) log(conn *store.Connection, verb string, status int) {
	d.logWithLatency(conn, verb, status, 0)
}

// logWithLatency appends the per-request audit row. Logging never fails a
// dispatch.
func (d *Dispatcher) logWithLatency(conn *store.Connection, verb string, status int, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := d.store.CreateAPILog(ctx, &store.APILog{
		ProjectID:    conn.ProjectID,
		Provider:     conn.Provider,
		ConnectionID: conn.ID,
		Endpoint:     "/" + conn.Provider + "/" + verb,
		Method:       http.MethodPost,
		StatusCode:   status,
		LatencyMS:    latency.Milliseconds(),
	})
	if err != nil {
		logger.Errorw("failed to append api log", "connection_id", conn.ID, "error", err)
	}
}

func (d *Dispatcher) touchLastUsed(connectionID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.store.TouchConnectionLastUsed(ctx, connectionID, time.Now().UTC()); err != nil {
			logger.Warnw("failed to touch connection last_used_at",
				"connection_id", connectionID, "error", err)
		}
	}()
}
