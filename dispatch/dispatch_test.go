package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/store"
	"github.com/linklabs/linkbroker/token"
)

// verbAdapter records the last invocation and returns scripted results.
type verbAdapter struct {
	mu       sync.Mutex
	lastVerb string
	lastID   string
	result   any
	err      error
}

func (v *verbAdapter) Name() string        { return "gmail" }
func (v *verbAdapter) DisplayName() string { return "Gmail" }
func (v *verbAdapter) Category() string    { return "email" }
func (v *verbAdapter) BuildAuthorizationURL(string, []string, string, string) string {
	return ""
}
func (v *verbAdapter) ExchangeCode(context.Context, string, string, string) (*provider.Token, error) {
	return nil, nil
}
func (v *verbAdapter) Refresh(context.Context, string) (*provider.Token, error) {
	return nil, nil
}
func (v *verbAdapter) UserInfo(context.Context, string) (*provider.UserInfo, error) {
	return nil, nil
}

func (v *verbAdapter) record(verb string, h *provider.Handle) (any, error) {
	v.mu.Lock()
	v.lastVerb = verb
	v.lastID = h.ConnectionID
	v.mu.Unlock()
	return v.result, v.err
}

func (v *verbAdapter) Fetch(_ context.Context, h *provider.Handle, _ provider.Params) (any, error) {
	return v.record("fetch", h)
}
func (v *verbAdapter) Create(_ context.Context, h *provider.Handle, _ provider.Params) (any, error) {
	return v.record("create", h)
}
func (v *verbAdapter) Update(_ context.Context, h *provider.Handle, _ provider.Params) (any, error) {
	return v.record("update", h)
}
func (v *verbAdapter) Delete(_ context.Context, h *provider.Handle, _ provider.Params) (any, error) {
	return v.record("delete", h)
}
func (v *verbAdapter) NormalizeError(err error) error {
	return provider.NormalizeHTTPError(err)
}
func (v *verbAdapter) TranslateScopes(scopes []string) []string { return scopes }

type fixture struct {
	dispatcher *Dispatcher
	store      *store.Store
	adapter    *verbAdapter
	project    *store.Project
	conn       *store.Connection
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := store.OpenTest(t)
	t.Cleanup(func() { s.Close() })

	hexKey, err := krypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	keyring, err := krypto.NewKeyringFromHex(hexKey)
	if err != nil {
		t.Fatalf("NewKeyringFromHex() error = %v", err)
	}

	ctx := context.Background()
	p := &store.Project{Environment: "test"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	accessEnc, _ := keyring.EncryptString("at-1")
	expiresAt := time.Now().Add(time.Hour).UTC()
	conn, err := s.UpsertConnection(ctx, nil, &store.Connection{
		ProjectID:            p.ID,
		Provider:             "gmail",
		EndUserID:            "u1",
		ProviderUserID:       "google-123",
		AccessTokenEncrypted: accessEnc,
		TokenType:            "Bearer",
		ExpiresAt:            &expiresAt,
		Scopes:               store.StringList{"email.read"},
		Status:               store.ConnectionActive,
	})
	if err != nil {
		t.Fatalf("UpsertConnection() error = %v", err)
	}

	adapter := &verbAdapter{result: map[string]any{"ok": true}}
	registry, err := provider.NewRegistry(adapter)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	tokens := token.NewManager(s, keyring, registry, token.NopEmitter{})

	return &fixture{
		dispatcher: New(s, registry, tokens),
		store:      s,
		adapter:    adapter,
		project:    p,
		conn:       conn,
	}
}

func TestExecuteRoutesVerbs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, verb := range []string{"fetch", "create", "update", "delete"} {
		res, err := f.dispatcher.Execute(ctx, Request{
			ProjectID:    f.project.ID,
			ConnectionID: f.conn.ID,
			Verb:         verb,
		})
		if err != nil {
			t.Fatalf("Execute(%s) error = %v", verb, err)
		}
		if f.adapter.lastVerb != verb {
			t.Errorf("adapter saw verb %q, want %q", f.adapter.lastVerb, verb)
		}
		if f.adapter.lastID != f.conn.ID {
			t.Errorf("handle connection id = %q", f.adapter.lastID)
		}
		if res.Provider != "gmail" || res.ConnectionID != f.conn.ID {
			t.Errorf("result routing = %+v", res)
		}
		if out := res.Data.(map[string]any); out["ok"] != true {
			t.Errorf("result data = %v", out)
		}
	}
}

func TestExecuteUnknownVerb(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Execute(context.Background(), Request{
		ProjectID:    f.project.ID,
		ConnectionID: f.conn.ID,
		Verb:         "purge",
	})
	if !errs.HasCode(err, errs.CodeValidation) {
		t.Errorf("Execute() error = %v, want VALIDATION_ERROR", err)
	}
}

func TestExecuteForeignProject(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Execute(context.Background(), Request{
		ProjectID:    "someone-else",
		ConnectionID: f.conn.ID,
		Verb:         "fetch",
	})
	if !errs.HasCode(err, errs.CodeConnectionNotFound) {
		t.Errorf("Execute() error = %v, want CONNECTION_NOT_FOUND", err)
	}
}

func TestExecuteProviderMismatch(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Execute(context.Background(), Request{
		ProjectID:    f.project.ID,
		ConnectionID: f.conn.ID,
		Provider:     "slack",
		Verb:         "fetch",
	})
	if !errs.HasCode(err, errs.CodeConnectionNotFound) {
		t.Errorf("Execute() error = %v, want CONNECTION_NOT_FOUND", err)
	}
}

func TestExecuteNormalizesProviderError(t *testing.T) {
	f := newFixture(t)
	f.adapter.err = &provider.APIError{StatusCode: 404, Message: "message not found"}

	_, err := f.dispatcher.Execute(context.Background(), Request{
		ProjectID:    f.project.ID,
		ConnectionID: f.conn.ID,
		Verb:         "fetch",
	})
	if !errs.HasCode(err, errs.CodeNotFound) {
		t.Errorf("Execute() error = %v, want NOT_FOUND", err)
	}
}

func TestExecuteWritesAPILog(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.dispatcher.Execute(ctx, Request{
		ProjectID:    f.project.ID,
		ConnectionID: f.conn.ID,
		Verb:         "fetch",
	}); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	logs, err := f.store.ListAPILogs(ctx, f.project.ID, 10)
	if err != nil {
		t.Fatalf("ListAPILogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("log rows = %d, want 1", len(logs))
	}
	entry := logs[0]
	if entry.Endpoint != "/gmail/fetch" || entry.StatusCode != 200 || entry.ConnectionID != f.conn.ID {
		t.Errorf("log entry = %+v", entry)
	}
}

func TestExecuteRevokedConnectionFailsFast(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.store.UpdateConnectionStatus(ctx, nil, f.conn.ID, store.ConnectionRevoked, ""); err != nil {
		t.Fatalf("UpdateConnectionStatus() error = %v", err)
	}

	_, err := f.dispatcher.Execute(ctx, Request{
		ProjectID:    f.project.ID,
		ConnectionID: f.conn.ID,
		Verb:         "fetch",
	})
	if !errs.HasCode(err, errs.CodeConnectionRevoked) {
		t.Errorf("Execute() error = %v, want CONNECTION_REVOKED", err)
	}
	if f.adapter.lastVerb != "" {
		t.Error("adapter was invoked for a revoked connection")
	}
}
