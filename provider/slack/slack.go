// Package slack adapts the Slack Web API to the uniform verbs: fetch reads
// conversation history, create posts messages, update edits them, and delete
// removes them. Slack reports failures as ok:false in a 200 response, so
// error normalization keys off Slack's error strings rather than HTTP
// status codes.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/provider"
)

const (
	defaultAuthURL  = "https://slack.com/oauth/v2/authorize"
	defaultTokenURL = "https://slack.com/api/oauth.v2.access"
	defaultAPIBase  = "https://slack.com/api"
)

// scopeMap translates broker-vocabulary scopes to Slack scope names.
var scopeMap = map[string]string{
	"messages.read":  "channels:history",
	"messages.write": "chat:write",
	"profile":        "users:read",
}

// Adapter implements provider.Adapter for Slack.
type Adapter struct {
	authURL    string
	apiBase    string
	clientID   string
	endpoint   *provider.TokenEndpoint
	httpClient *http.Client
}

// Option customizes the adapter, used by tests to point it at fakes.
type Option func(*Adapter)

// WithAPIBase overrides the Slack API base URL.
func WithAPIBase(base string) Option {
	return func(a *Adapter) { a.apiBase = base }
}

// WithHTTPClient overrides the HTTP client for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

// New builds a Slack adapter from the deployment credentials.
func New(cfg provider.Config, opts ...Option) *Adapter {
	a := &Adapter{
		authURL:    defaultAuthURL,
		apiBase:    defaultAPIBase,
		clientID:   cfg.ClientID,
		httpClient: &http.Client{Timeout: 25 * time.Second},
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

func (a *Adapter) Name() string        { return "slack" }
func (a *Adapter) DisplayName() string { return "Slack" }
func (a *Adapter) Category() string    { return "messaging" }

func (a *Adapter) BuildAuthorizationURL(redirectURI string, scopes []string, state, pkceChallenge string) string {
	return provider.BuildAuthorizationURL(
		a.authURL, a.clientID, redirectURI,
		a.TranslateScopes(scopes), state, pkceChallenge, nil)
}

func (a *Adapter) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*provider.Token, error) {
	return a.endpoint.Exchange(ctx, code, verifier, redirectURI)
}

func (a *Adapter) Refresh(ctx context.Context, refreshToken string) (*provider.Token, error) {
	return a.endpoint.Refresh(ctx, refreshToken)
}

func (a *Adapter) UserInfo(ctx context.Context, accessToken string) (*provider.UserInfo, error) {
	var res struct {
		UserID string `json:"user_id"`
		User   string `json:"user"`
		Team   string `json:"team"`
	}
	if err := a.call(ctx, accessToken, "auth.test", nil, &res); err != nil {
		return nil, err
	}
	return &provider.UserInfo{ID: res.UserID, Name: res.User}, nil
}

func (a *Adapter) TranslateScopes(scopes []string) []string {
	return provider.TranslateWithMap(scopeMap, scopes)
}

// Fetch reads conversation history. params: channel (required), limit,
// cursor.
func (a *Adapter) Fetch(ctx context.Context, h *provider.Handle, params provider.Params) (any, error) {
	channel := params.String("channel", "")
	if channel == "" {
		return nil, errs.Validation("fetch requires a channel")
	}

	args := map[string]any{
		"channel": channel,
		"limit":   params.Int("limit", 25),
	}
	if cursor := params.String("cursor", ""); cursor != "" {
		args["cursor"] = cursor
	}

	var res struct {
		Messages []slackMessage `json:"messages"`
		Metadata struct {
			NextCursor string `json:"next_cursor"`
		} `json:"response_metadata"`
	}
	if err := a.call(ctx, h.AccessToken, "conversations.history", args, &res); err != nil {
		return nil, err
	}

	page := provider.Page[*provider.NormalizedMessage]{
		Items:         make([]*provider.NormalizedMessage, 0, len(res.Messages)),
		NextPageToken: res.Metadata.NextCursor,
	}
	for i := range res.Messages {
		page.Items = append(page.Items, normalizeMessage(channel, &res.Messages[i]))
	}
	return page, nil
}

// Create posts a message. params: channel, text, threadTs (optional).
func (a *Adapter) Create(ctx context.Context, h *provider.Handle, params provider.Params) (any, error) {
	channel := params.String("channel", "")
	text := params.String("text", "")
	if channel == "" || text == "" {
		return nil, errs.Validation("create requires channel and text")
	}

	args := map[string]any{"channel": channel, "text": text}
	if threadTs := params.String("threadTs", ""); threadTs != "" {
		args["thread_ts"] = threadTs
	}

	var res struct {
		Channel string       `json:"channel"`
		TS      string       `json:"ts"`
		Message slackMessage `json:"message"`
	}
	if err := a.call(ctx, h.AccessToken, "chat.postMessage", args, &res); err != nil {
		return nil, err
	}
	return map[string]any{"id": res.TS, "channel": res.Channel}, nil
}

// Update edits a message. params: channel, id (message ts), text.
func (a *Adapter) Update(ctx context.Context, h *provider.Handle, params provider.Params) (any, error) {
	channel := params.String("channel", "")
	id := params.String("id", "")
	text := params.String("text", "")
	if channel == "" || id == "" || text == "" {
		return nil, errs.Validation("update requires channel, id, and text")
	}

	var res struct {
		Channel string `json:"channel"`
		TS      string `json:"ts"`
	}
	args := map[string]any{"channel": channel, "ts": id, "text": text}
	if err := a.call(ctx, h.AccessToken, "chat.update", args, &res); err != nil {
		return nil, err
	}
	return map[string]any{"id": res.TS, "channel": res.Channel, "updated": true}, nil
}

// Delete removes a message. params: channel, id (message ts).
func (a *Adapter) Delete(ctx context.Context, h *provider.Handle, params provider.Params) (any, error) {
	channel := params.String("channel", "")
	id := params.String("id", "")
	if channel == "" || id == "" {
		return nil, errs.Validation("delete requires channel and id")
	}

	var res struct {
		TS string `json:"ts"`
	}
	args := map[string]any{"channel": channel, "ts": id}
	if err := a.call(ctx, h.AccessToken, "chat.delete", args, &res); err != nil {
		return nil, err
	}
	return map[string]any{"id": res.TS, "deleted": true}, nil
}

// NormalizeError maps Slack's error strings onto the broker taxonomy before
// falling back to the shared HTTP mapping.
func (a *Adapter) NormalizeError(err error) error {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case "invalid_auth", "token_revoked", "token_expired", "account_inactive":
			return errs.ConnectionExpired("slack rejected the token; the user must re-connect")
		case "missing_scope", "not_allowed_token_type":
			return errs.ScopeInsufficient("slack token lacks the required scope")
		case "channel_not_found", "message_not_found", "thread_not_found":
			return errs.NotFound("slack: " + apiErr.Code)
		case "ratelimited", "rate_limited":
			return errs.RateLimited("slack rate limit hit")
		}
	}
	return provider.NormalizeHTTPError(err)
}

// slackMessage is the wire shape of one history entry.
type slackMessage struct {
	Type     string `json:"type"`
	User     string `json:"user"`
	Text     string `json:"text"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

// normalizeMessage maps a Slack message into the common schema. Slack ts
// values are epoch seconds with a fractional part and double as message ids.
func normalizeMessage(channel string, msg *slackMessage) *provider.NormalizedMessage {
	out := &provider.NormalizedMessage{
		ID:       msg.TS,
		ThreadID: msg.ThreadTS,
		Provider: "slack",
		From:     provider.Address{Email: msg.User},
		Body:     &provider.MessageBody{Text: msg.Text},
		Snippet:  msg.Text,
		Labels:   []string{channel},
		To:       []provider.Address{},
		IsRead:   true,
		Raw:      msg,
	}
	if secs, err := strconv.ParseFloat(msg.TS, 64); err == nil {
		out.Timestamp = time.Unix(int64(secs), 0).UTC().Format(time.RFC3339)
	}
	return out
}

// call performs one Web API method call. Slack returns HTTP 200 with
// ok:false on most failures; those surface as *provider.APIError carrying
// the Slack error string.
func (a *Adapter) call(ctx context.Context, accessToken, method string, args map[string]any, out any) error {
	var body io.Reader
	if args != nil {
		encoded, err := json.Marshal(args)
		if err != nil {
			return err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.apiBase+"/"+url.PathEscape(method), body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

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
		return &provider.APIError{StatusCode: resp.StatusCode, Message: string(raw)}
	}

	var status struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &status); err != nil {
		return fmt.Errorf("malformed slack response: %w", err)
	}
	if !status.OK {
		return &provider.APIError{StatusCode: resp.StatusCode, Code: status.Error, Message: status.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed slack response: %w", err)
	}
	return nil
}
