package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/linklabs/linkbroker/dispatch"
	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/oauth"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/store"
	"github.com/linklabs/linkbroker/webhook"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, r, errs.Internal("database unreachable", err))
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"status": "ok"})
}

// --- OAuth flow ---

type connectRequest struct {
	Provider    string   `json:"provider"`
	UserID      string   `json:"userId"`
	Scopes      []string `json:"scopes"`
	RedirectURI string   `json:"redirectUri"`
}

func (s *Server) handleOAuthConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := s.oauth.Initiate(r.Context(), oauth.InitiateRequest{
		ProjectID:   identityFrom(r.Context()).ProjectID,
		Provider:    req.Provider,
		UserID:      req.UserID,
		Scopes:      req.Scopes,
		RedirectURI: req.RedirectURI,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, res)
}

func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.oauth.HandleCallback(r.Context(), q.Get("state"), q.Get("code"), q.Get("error"))
	if err != nil {
		// No state row means no redirect URI to send the browser to.
		writeError(w, r, err)
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusFound)
}

// --- Connections ---

// connectionDTO is the developer-visible view of a connection. Token
// material never appears here.
type connectionDTO struct {
	ID            string     `json:"id"`
	Provider      string     `json:"provider"`
	UserID        string     `json:"userId"`
	ProviderEmail string     `json:"providerEmail,omitempty"`
	Scopes        []string   `json:"scopes"`
	Status        string     `json:"status"`
	ErrorMessage  string     `json:"errorMessage,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt    *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

func (s *Server) connectionDTO(r *http.Request, conn *store.Connection) connectionDTO {
	externalID := conn.EndUserID
	if user, err := s.store.GetEndUserByID(r.Context(), conn.EndUserID); err == nil {
		externalID = user.ExternalID
	}
	scopes := []string(conn.Scopes)
	if scopes == nil {
		scopes = []string{}
	}
	return connectionDTO{
		ID:            conn.ID,
		Provider:      conn.Provider,
		UserID:        externalID,
		ProviderEmail: conn.ProviderEmail,
		Scopes:        scopes,
		Status:        conn.Status,
		ErrorMessage:  conn.ErrorMessage,
		ExpiresAt:     conn.ExpiresAt,
		LastUsedAt:    conn.LastUsedAt,
		CreatedAt:     conn.CreatedAt,
	}
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	projectID := identityFrom(r.Context()).ProjectID
	q := r.URL.Query()

	filter := store.ConnectionFilter{
		Provider: q.Get("provider"),
		Status:   q.Get("status"),
	}
	if externalID := q.Get("userId"); externalID != "" {
		user, err := s.store.GetEndUser(r.Context(), projectID, externalID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeData(w, r, http.StatusOK, []connectionDTO{})
				return
			}
			writeError(w, r, errs.Internal("failed to resolve user", err))
			return
		}
		filter.EndUserID = user.ID
	}

	conns, err := s.store.ListConnections(r.Context(), projectID, filter)
	if err != nil {
		writeError(w, r, errs.Internal("failed to list connections", err))
		return
	}
	out := make([]connectionDTO, 0, len(conns))
	for i := range conns {
		out = append(out, s.connectionDTO(r, &conns[i]))
	}
	writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleGetConnection(w http.ResponseWriter, r *http.Request) {
	projectID := identityFrom(r.Context()).ProjectID
	conn, err := s.store.GetConnectionForProject(r.Context(), projectID, chi.URLParam(r, "connectionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, errs.ConnectionNotFound("unknown connection"))
			return
		}
		writeError(w, r, errs.Internal("failed to load connection", err))
		return
	}
	writeData(w, r, http.StatusOK, s.connectionDTO(r, conn))
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	projectID := identityFrom(r.Context()).ProjectID
	if err := s.tokens.Revoke(r.Context(), projectID, chi.URLParam(r, "connectionID")); err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"status": store.ConnectionRevoked})
}

// --- Providers ---

type providerDTO struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"displayName"`
	Category    string   `json:"category"`
	Scopes      []string `json:"scopes"`
}

func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	descriptors, err := s.store.ListProviders(r.Context())
	if err != nil {
		writeError(w, r, errs.Internal("failed to list providers", err))
		return
	}
	out := make([]providerDTO, 0, len(descriptors))
	for _, d := range descriptors {
		// Only advertise providers the broker can actually serve.
		if _, ok := s.registry.Get(d.Name); !ok {
			continue
		}
		out = append(out, providerDTO{
			Name:        d.Name,
			DisplayName: d.DisplayName,
			Category:    d.Category,
			Scopes:      d.Scopes,
		})
	}
	writeData(w, r, http.StatusOK, out)
}

// --- Webhooks ---

type createWebhookRequest struct {
	URL    string   `json:"url"`
	Events []string `json:"events"`
}

type webhookDTO struct {
	ID      string   `json:"id"`
	URL     string   `json:"url"`
	Events  []string `json:"events"`
	Enabled bool     `json:"enabled"`
	// Secret is present only in the creation response.
	Secret string `json:"secret,omitempty"`
}

func (s *Server) handleCreateWebhook(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.URL == "" {
		writeError(w, r, errs.Validation("url is required"))
		return
	}
	if len(req.Events) == 0 {
		writeError(w, r, errs.Validation("at least one event type is required"))
		return
	}

	secret, err := webhook.NewSecret()
	if err != nil {
		writeError(w, r, errs.Internal("failed to mint webhook secret", err))
		return
	}
	secretEnc, err := s.keyring.EncryptString(secret)
	if err != nil {
		writeError(w, r, errs.Internal("failed to encrypt webhook secret", err))
		return
	}

	sub := &store.WebhookSubscription{
		ProjectID:       identityFrom(r.Context()).ProjectID,
		URL:             req.URL,
		SecretEncrypted: secretEnc,
		Events:          store.StringList(req.Events),
		Enabled:         true,
	}
	if err := s.store.CreateSubscription(r.Context(), sub); err != nil {
		writeError(w, r, errs.Internal("failed to create subscription", err))
		return
	}

	writeData(w, r, http.StatusCreated, webhookDTO{
		ID:      sub.ID,
		URL:     sub.URL,
		Events:  sub.Events,
		Enabled: sub.Enabled,
		Secret:  secret,
	})
}

func (s *Server) handleListWebhooks(w http.ResponseWriter, r *http.Request) {
	subs, err := s.store.ListSubscriptions(r.Context(), identityFrom(r.Context()).ProjectID)
	if err != nil {
		writeError(w, r, errs.Internal("failed to list subscriptions", err))
		return
	}
	out := make([]webhookDTO, 0, len(subs))
	for _, sub := range subs {
		out = append(out, webhookDTO{
			ID:      sub.ID,
			URL:     sub.URL,
			Events:  sub.Events,
			Enabled: sub.Enabled,
		})
	}
	writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleDeleteWebhook(w http.ResponseWriter, r *http.Request) {
	projectID := identityFrom(r.Context()).ProjectID
	err := s.store.DeleteSubscription(r.Context(), projectID, chi.URLParam(r, "subscriptionID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, r, errs.NotFound("unknown subscription"))
			return
		}
		writeError(w, r, errs.Internal("failed to delete subscription", err))
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{"deleted": true})
}

// --- Dispatch ---

type executeRequest struct {
	ConnectionID string          `json:"connectionId"`
	Operation    string          `json:"operation"`
	Params       provider.Params `json:"params"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s.execute(w, r, dispatch.Request{
		ProjectID:    identityFrom(r.Context()).ProjectID,
		ConnectionID: req.ConnectionID,
		Verb:         req.Operation,
		Params:       req.Params,
	})
}

type providerVerbRequest struct {
	ConnectionID string          `json:"connectionId"`
	Params       provider.Params `json:"params"`
}

func (s *Server) handleProviderVerb(w http.ResponseWriter, r *http.Request) {
	var req providerVerbRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s.execute(w, r, dispatch.Request{
		ProjectID:    identityFrom(r.Context()).ProjectID,
		ConnectionID: req.ConnectionID,
		Provider:     chi.URLParam(r, "provider"),
		Verb:         chi.URLParam(r, "verb"),
		Params:       req.Params,
	})
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, req dispatch.Request) {
	res, err := s.dispatcher.Execute(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeData(w, r, http.StatusOK, map[string]any{
		"provider":     res.Provider,
		"connectionId": res.ConnectionID,
		"result":       res.Data,
	})
}
