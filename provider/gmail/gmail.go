// Package gmail is the reference provider adapter. It connects Google
// accounts through the standard authorization-code flow with PKCE and maps
// the uniform verbs onto the Gmail REST API, normalizing messages into the
// common schema.
package gmail

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/provider"
)

const (
	defaultAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"
	defaultAPIBase  = "https://gmail.googleapis.com/gmail/v1"
	userInfoURL     = "https://www.googleapis.com/oauth2/v2/userinfo"
)

// scopeMap translates broker-vocabulary scopes to Google scope URLs.
var scopeMap = map[string]string{
	"email.read":   "https://www.googleapis.com/auth/gmail.readonly",
	"email.send":   "https://www.googleapis.com/auth/gmail.send",
	"email.modify": "https://www.googleapis.com/auth/gmail.modify",
	"profile":      "https://www.googleapis.com/auth/userinfo.email",
}

// Adapter implements provider.Adapter for Gmail.
type Adapter struct {
	authURL     string
	apiBase     string
	userInfoURL string
	clientID    string
	endpoint    *provider.TokenEndpoint
	httpClient  *http.Client
}

// Option customizes the adapter, used by tests to point it at fakes.
type Option func(*Adapter)

// WithAPIBase overrides the Gmail API base URL.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = base }
}

// WithUserInfoURL overrides the user-info endpoint.
func WithUserInfoURL(u string) Option {
	return func(a *Adapter) { a.userInfoURL = u }
}

// WithHTTPClient overrides the HTTP client for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New builds a Gmail adapter from the deployment credentials.
func New(cfg provider.Config, opts ...Option) *Adapter {
	a := &Adapter{
		authURL:     defaultAuthURL,
		apiBase:     defaultAPIBase,
		userInfoURL: userInfoURL,
		clientID:    cfg.ClientID,
		httpClient:  &http.Client{Timeout: 25 * time.Second},
	}
	if cfg.AuthURL != "" {
		a.authURL = cfg.AuthURL
	}
	tokenURL := defaultTokenURL
	if cfg.TokenURL != "" {
		tokenURL = cfg.TokenURL
	}
	a.endpoint = &provider.TokenEndpoint{
		URL:          tokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Name() string        { return "gmail" }
func (a *Adapter) DisplayName() string { return "Gmail" }
func (a *Adapter) Category() string    { return "email" }

// BuildAuthorizationURL asks for offline access so Google issues a refresh
// token, and forces the consent screen so re-connections get one too.
func (a *Adapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) string {
	return provider.BuildAuthorizationURL(
		a.authURL, a.clientID, redirectURI,
		a.TranslateScopes(scopes), state, pkceChallenge,
		url.Values{
			"access_type": {"offline"},
			"prompt":      {"consent"},
		},
	)
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.Token, error) {
	return a.endpoint.Exchange(ctx, code, verifier, redirectURI)
}

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*provider.Token, error) {
	return a.endpoint.Refresh(ctx, refreshToken)
}

func (a *Adapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	var info struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	err := a.doJSON(ctx, accessToken, http.MethodGet, a.userInfoURL, nil, &info)
	if err != nil {
		return nil, err
	}
	return &provider.UserInfo{ID: info.ID, Email: info.Email, Name: info.Name}, nil
}

func (a *Adapter) TranslateScopes(scopes []string) []string {
	return provider.TranslateWithMap(scopeMap, scopes)
}

// Fetch lists messages, or gets one when params carry an id.
func (a *Adapter) Fetch(ctx context.Context, h *Handle, params provider.Params) (any, error) {
	if id := params.String("id", ""); id != "" {
		msg, err := a.getMessage(ctx, h.AccessToken, id)
		if err != nil {
			return nil, err
		}
		return normalizeMessage(msg), nil
	}
	return a.listMessages(ctx, h.AccessToken, params)
}

// Create sends a message built from to/subject/body params.
func (a *Adapter) Create(ctx context.Context, h *Handle, params provider.Params) (any, error) {
	to := params.String("to", "")
	subject := params.String("subject", "")
	body := params.String("body", "")
	if to == "" {
		return nil, errs.Validation("create requires a to address")
	}

	raw := buildRFC822(to, params.String("cc", ""), subject, body)
	payload := map[string]string{
		"raw": base64.RawURLEncoding.EncodeToString([]byte(raw)),
	}

	var sent gmailMessage
	err := a.doJSON(ctx, h.AccessToken, http.MethodPost,
		a.apiBase+"/users/me/messages/send", payload, &sent)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": sent.ID, "threadId": sent.ThreadID}, nil
}

// Update modifies message labels via addLabels / removeLabels params.
func (a *Adapter) Update(ctx context.Context, h *Handle, params provider.Params) (any, error) {
	id := params.String("id", "")
	if id == "" {
		return nil, errs.Validation("update requires a message id")
	}

	payload := map[string]any{}
	if add, ok := params["addLabels"]; ok {
		payload["addLabelIds"] = add
	}
	if remove, ok := params["removeLabels"]; ok {
		payload["removeLabelIds"] = remove
	}
	if len(payload) == 0 {
		return nil, errs.Validation("update requires addLabels or removeLabels")
	}

	var msg gmailMessage
	err := a.doJSON(ctx, h.AccessToken, http.MethodPost,
		a.apiBase+"/users/me/messages/"+url.PathEscape(id)+"/modify", payload, &msg)
	if err != nil {
		return nil, err
	}
	return normalizeMessage(&msg), nil
}

// Delete moves a message to the trash, or deletes permanently with
// permanent=true.
func (a *Adapter) Delete(ctx context.Context, h *Handle, params provider.Params) (any, error) {
	id := params.String("id", "")
	if id == "" {
		return nil, errs.Validation("delete requires a message id")
	}

	if permanent, _ := params["permanent"].(bool); permanent {
		err := a.doJSON(ctx, h.AccessToken, http.MethodDelete,
			a.apiBase+"/users/me/messages/"+url.PathEscape(id), nil, nil)
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id, "deleted": true}, nil
	}

	var msg gmailMessage
	err := a.doJSON(ctx, h.AccessToken, http.MethodPost,
		a.apiBase+"/users/me/messages/"+url.PathEscape(id)+"/trash", nil, &msg)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": msg.ID, "trashed": true}, nil
}

func (a *Adapter) NormalizeError(err error) error {
	return provider.NormalizeHTTPError(err)
}

// Handle aliases the framework handle for readability in signatures.
type Handle = provider.Handle

func (a *Adapter) listMessages(ctx context.Context, accessToken string, params provider.Params) (any, error) {
	q := url.Values{}
	if query := params.String("query", ""); query != "" {
		q.Set("q", query)
	}
	if pageToken := params.String("pageToken", ""); pageToken != "" {
		q.Set("pageToken", pageToken)
	}
	maxResults := params.Int("maxResults", 25)
	q.Set("maxResults", strconv.Itoa(maxResults))

	var list struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
		NextPageToken      string `json:"nextPageToken"`
		ResultSizeEstimate int64  `json:"resultSizeEstimate"`
	}
	err := a.doJSON(ctx, accessToken, http.MethodGet,
		a.apiBase+"/users/me/messages?"+q.Encode(), nil, &list)
	if err != nil {
		return nil, err
	}

	page := provider.Page[*provider.NormalizedMessage]{
		Items:              make([]*provider.NormalizedMessage, 0, len(list.Messages)),
		NextPageToken:      list.NextPageToken,
		ResultSizeEstimate: list.ResultSizeEstimate,
	}
	for _, stub := range list.Messages {
		msg, err := a.getMessage(ctx, accessToken, stub.ID)
		if err != nil {
			return nil, err
		}
		page.Items = append(page.Items, normalizeMessage(msg))
	}
	return page, nil
}

func (a *Adapter) getMessage(ctx context.Context, accessToken, id string) (*gmailMessage, error) {
	var msg gmailMessage
	err := a.doJSON(ctx, accessToken, http.MethodGet,
		a.apiBase+"/users/me/messages/"+url.PathEscape(id)+"?format=full", nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// doJSON performs an authenticated Gmail API call, decoding the JSON reply
// into out and mapping failures to *provider.APIError.
func (a *Adapter) doJSON(ctx context.Context, accessToken, method, rawURL string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return &provider.APIError{Message: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &provider.APIError{StatusCode: resp.StatusCode, Message: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ge struct {
			Error struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
				Status  string `json:"status"`
			} `json:"error"`
		}
		_ = json.Unmarshal(raw, &ge)
		return &provider.APIError{
			StatusCode: resp.StatusCode,
			Code:       ge.Error.Status,
			Message:    ge.Error.Message,
		}
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed gmail response: %w", err)
	}
	return nil
}

// buildRFC822 assembles a minimal outgoing message.
func buildRFC822(to, cc, subject, body string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	if cc != "" {
		fmt.Fprintf(&b, "Cc: %s\r\n", cc)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.String()
}
