package token

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/store"
)

// fakeAdapter counts refresh round-trips and returns a scripted result.
type fakeAdapter struct {
	refreshCalls atomic.Int64
	refreshToken *provider.Token
	refreshErr   error
	refreshDelay time.Duration
	refreshHook  func()
}

func (f *fakeAdapter) Name() string        { return "gmail" }
func (f *fakeAdapter) DisplayName() string { return "Gmail" }
func (f *fakeAdapter) Category() string    { return "email" }
func (f *fakeAdapter) BuildAuthorizationURL(string, []string, string, string) string {
	return ""
}
func (f *fakeAdapter) ExchangeCode(context.Context, string, string, string) (*provider.Token, error) {
	return nil, nil
}
func (f *fakeAdapter) Refresh(context.Context, string) (*provider.Token, error) {
	f.refreshCalls.Add(1)
	if f.refreshHook != nil {
		f.refreshHook()
	}
	if f.refreshDelay > 0 {
		time.Sleep(f.refreshDelay)
	}
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.refreshToken, nil
}
func (f *fakeAdapter) UserInfo(context.Context, string) (*provider.UserInfo, error) {
	return nil, nil
}
func (f *fakeAdapter) Fetch(context.Context, *provider.Handle, provider.Params) (any, error) {
	return nil, nil
}
func (f *fakeAdapter) Create(context.Context, *provider.Handle, provider.Params) (any, error) {
	return nil, nil
}
func (f *fakeAdapter) Update(context.Context, *provider.Handle, provider.Params) (any, error) {
	return nil, nil
}
func (f *fakeAdapter) Delete(context.Context, *provider.Handle, provider.Params) (any, error) {
	return nil, nil
}
func (f *fakeAdapter) NormalizeError(err error) error           { return provider.NormalizeHTTPError(err) }
func (f *fakeAdapter) TranslateScopes(scopes []string) []string { return scopes }

// recordingEmitter captures emitted lifecycle events.
type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEmitter) Emit(_ string, eventType string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
}

func (r *recordingEmitter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type fixture struct {
	manager *Manager
	store   *store.Store
	keyring *krypto.Keyring
	adapter *fakeAdapter
	emitter *recordingEmitter
	conn    *store.Connection
}

// newFixture seeds one connection; expiresIn < skew forces a refresh.
func newFixture(t *testing.T, expiresIn time.Duration, status string) *fixture {
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

	accessEnc, _ := keyring.EncryptString("old-access")
	refreshEnc, _ := keyring.EncryptString("old-refresh")
	expiresAt := time.Now().Add(expiresIn).UTC()
	conn, err := s.UpsertConnection(ctx, nil, &store.Connection{
		ProjectID:             p.ID,
		Provider:              "gmail",
		EndUserID:             "u1",
		AccessTokenEncrypted:  accessEnc,
		RefreshTokenEncrypted: refreshEnc,
		TokenType:             "Bearer",
		ExpiresAt:             &expiresAt,
		Scopes:                store.StringList{"email.read"},
		Status:                status,
	})
	if err != nil {
		t.Fatalf("UpsertConnection() error = %v", err)
	}

	adapter := &fakeAdapter{}
	registry, err := provider.NewRegistry(adapter)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	emitter := &recordingEmitter{}

	return &fixture{
		manager: NewManager(s, keyring, registry, emitter),
		store:   s,
		keyring: keyring,
		adapter: adapter,
		emitter: emitter,
		conn:    conn,
	}
}

func TestFreshTokenNoRefresh(t *testing.T) {
	f := newFixture(t, time.Hour, store.ConnectionActive)

	lease, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}
	if lease.AccessToken != "old-access" {
		t.Errorf("AccessToken = %q, want the stored token", lease.AccessToken)
	}
	if n := f.adapter.refreshCalls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0 for a fresh token", n)
	}
}

func TestNoExpiryMeansNoRefresh(t *testing.T) {
	f := newFixture(t, time.Hour, store.ConnectionActive)
	ctx := context.Background()

	// Clear the expiry: bearer-only providers never expire.
	if err := f.store.UpdateConnectionTokens(ctx, nil, f.conn.ID, f.conn.AccessTokenEncrypted, "", nil); err != nil {
		t.Fatalf("UpdateConnectionTokens() error = %v", err)
	}

	if _, err := f.manager.GetValidAccessToken(ctx, f.conn.ID); err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}
	if n := f.adapter.refreshCalls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0 for a non-expiring token", n)
	}
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	f := newFixture(t, -10*time.Second, store.ConnectionActive)
	newExpiry := time.Now().Add(time.Hour).UTC()
	f.adapter.refreshToken = &provider.Token{
		AccessToken: "new-access",
		TokenType:   "Bearer",
		ExpiresAt:   &newExpiry,
	}
	f.adapter.refreshDelay = 30 * time.Millisecond

	const n = 10
	var wg sync.WaitGroup
	leases := make([]*Lease, n)
	errors := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leases[i], errors[i] = f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errors[i] != nil {
			t.Fatalf("caller %d error = %v", i, errors[i])
		}
		if leases[i].AccessToken != "new-access" {
			t.Errorf("caller %d AccessToken = %q, want the refreshed token", i, leases[i].AccessToken)
		}
	}
	if calls := f.adapter.refreshCalls.Load(); calls != 1 {
		t.Errorf("provider refresh calls = %d, want exactly 1", calls)
	}

	// The rotated token is persisted encrypted.
	conn, err := f.store.GetConnection(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	stored, err := f.keyring.DecryptString(conn.AccessTokenEncrypted)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if stored != "new-access" {
		t.Errorf("stored access token = %q", stored)
	}
	if conn.Status != store.ConnectionActive {
		t.Errorf("status = %q, want active", conn.Status)
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	f := newFixture(t, -time.Second, store.ConnectionActive)
	newExpiry := time.Now().Add(time.Hour).UTC()
	f.adapter.refreshToken = &provider.Token{
		AccessToken:  "new-access",
		RefreshToken: "rotated-refresh",
		ExpiresAt:    &newExpiry,
	}

	if _, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID); err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}

	conn, _ := f.store.GetConnection(context.Background(), f.conn.ID)
	stored, err := f.keyring.DecryptString(conn.RefreshTokenEncrypted)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if stored != "rotated-refresh" {
		t.Errorf("stored refresh token = %q, want the rotated one", stored)
	}
}

func TestRefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f := newFixture(t, -time.Second, store.ConnectionActive)
	newExpiry := time.Now().Add(time.Hour).UTC()
	f.adapter.refreshToken = &provider.Token{AccessToken: "new-access", ExpiresAt: &newExpiry}

	if _, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID); err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}

	conn, _ := f.store.GetConnection(context.Background(), f.conn.ID)
	stored, err := f.keyring.DecryptString(conn.RefreshTokenEncrypted)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if stored != "old-refresh" {
		t.Errorf("stored refresh token = %q, want the original retained", stored)
	}
}

func TestInvalidGrantRevokesConnection(t *testing.T) {
	f := newFixture(t, -time.Second, store.ConnectionActive)
	f.adapter.refreshErr = &provider.OAuthError{StatusCode: 400, Code: "invalid_grant", Description: "Token has been revoked."}

	_, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	if !errs.HasCode(err, errs.CodeConnectionRevoked) {
		t.Fatalf("GetValidAccessToken() error = %v, want CONNECTION_REVOKED", err)
	}

	conn, _ := f.store.GetConnection(context.Background(), f.conn.ID)
	if conn.Status != store.ConnectionRevoked {
		t.Errorf("status = %q, want revoked", conn.Status)
	}
	if events := f.emitter.all(); len(events) != 1 || events[0] != EventConnectionRevoked {
		t.Errorf("events = %v, want [connection.revoked]", events)
	}

	// Subsequent calls fail fast without a provider round-trip.
	before := f.adapter.refreshCalls.Load()
	_, err = f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	if !errs.HasCode(err, errs.CodeConnectionRevoked) {
		t.Fatalf("second call error = %v, want CONNECTION_REVOKED", err)
	}
	if f.adapter.refreshCalls.Load() != before {
		t.Error("terminal status still hit the provider")
	}
}

func TestExpiredGrantExpiresConnection(t *testing.T) {
	f := newFixture(t, -time.Second, store.ConnectionActive)
	f.adapter.refreshErr = &provider.OAuthError{StatusCode: 400, Code: "expired_token", Description: "refresh token expired"}

	_, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	if !errs.HasCode(err, errs.CodeConnectionExpired) {
		t.Fatalf("GetValidAccessToken() error = %v, want CONNECTION_EXPIRED", err)
	}

	conn, _ := f.store.GetConnection(context.Background(), f.conn.ID)
	if conn.Status != store.ConnectionExpired {
		t.Errorf("status = %q, want expired", conn.Status)
	}
	if events := f.emitter.all(); len(events) != 1 || events[0] != EventConnectionExpired {
		t.Errorf("events = %v, want [connection.expired]", events)
	}
}

func TestTransientFailureLeavesStatusUnchanged(t *testing.T) {
	f := newFixture(t, -time.Second, store.ConnectionActive)
	f.adapter.refreshErr = &provider.OAuthError{StatusCode: 503}

	_, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	if !errs.HasCode(err, errs.CodeProviderError) {
		t.Fatalf("GetValidAccessToken() error = %v, want PROVIDER_ERROR", err)
	}

	conn, _ := f.store.GetConnection(context.Background(), f.conn.ID)
	if conn.Status != store.ConnectionActive {
		t.Errorf("status = %q, want unchanged active", conn.Status)
	}
	if events := f.emitter.all(); len(events) != 0 {
		t.Errorf("events = %v, want none for a transient fault", events)
	}
}

func TestOtherClientErrorParksInErrorStatus(t *testing.T) {
	f := newFixture(t, -time.Second, store.ConnectionActive)
	f.adapter.refreshErr = &provider.OAuthError{StatusCode: 400, Code: "invalid_scope", Description: "scope not granted"}

	_, err := f.manager.GetValidAccessToken(context.Background(), f.conn.ID)
	if !errs.HasCode(err, errs.CodeProviderError) {
		t.Fatalf("GetValidAccessToken() error = %v, want PROVIDER_ERROR", err)
	}

	conn, _ := f.store.GetConnection(context.Background(), f.conn.ID)
	if conn.Status != store.ConnectionError {
		t.Errorf("status = %q, want error", conn.Status)
	}
	if events := f.emitter.all(); len(events) != 1 || events[0] != EventConnectionError {
		t.Errorf("events = %v, want [connection.error]", events)
	}
}

func TestNoRefreshTokenExpiresConnection(t *testing.T) {
	f := newFixture(t, time.Hour, store.ConnectionActive)
	ctx := context.Background()

	// Re-upsert without a refresh token and backdate the expiry.
	past := time.Now().Add(-time.Minute).UTC()
	accessEnc, _ := f.keyring.EncryptString("old-access")
	conn, err := f.store.UpsertConnection(ctx, nil, &store.Connection{
		ProjectID:            f.conn.ProjectID,
		Provider:             "gmail",
		EndUserID:            "u1",
		AccessTokenEncrypted: accessEnc,
		ExpiresAt:            &past,
		Status:               store.ConnectionActive,
	})
	if err != nil {
		t.Fatalf("UpsertConnection() error = %v", err)
	}

	_, err = f.manager.GetValidAccessToken(ctx, conn.ID)
	if !errs.HasCode(err, errs.CodeConnectionExpired) {
		t.Fatalf("GetValidAccessToken() error = %v, want CONNECTION_EXPIRED", err)
	}
	if n := f.adapter.refreshCalls.Load(); n != 0 {
		t.Errorf("refresh calls = %d, want 0 without a refresh token", n)
	}
	stored, _ := f.store.GetConnection(ctx, conn.ID)
	if stored.Status != store.ConnectionExpired {
		t.Errorf("persisted status = %q, want expired", stored.Status)
	}
}

func TestRefreshSurvivesCallerDisconnect(t *testing.T) {
	f := newFixture(t, -time.Second, store.ConnectionActive)
	newExpiry := time.Now().Add(time.Hour).UTC()
	f.adapter.refreshToken = &provider.Token{AccessToken: "new-access", ExpiresAt: &newExpiry}

	// The caller disconnects while the provider round-trip is in flight; the
	// refresh must still complete and persist.
	ctx, cancel := context.WithCancel(context.Background())
	f.adapter.refreshHook = cancel

	lease, err := f.manager.GetValidAccessToken(ctx, f.conn.ID)
	if err != nil {
		t.Fatalf("GetValidAccessToken() error = %v", err)
	}
	if lease.AccessToken != "new-access" {
		t.Errorf("AccessToken = %q, want the refreshed token", lease.AccessToken)
	}

	conn, err := f.store.GetConnection(context.Background(), f.conn.ID)
	if err != nil {
		t.Fatalf("GetConnection() error = %v", err)
	}
	stored, err := f.keyring.DecryptString(conn.AccessTokenEncrypted)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if stored != "new-access" {
		t.Errorf("stored access token = %q", stored)
	}
}

func TestRevoke(t *testing.T) {
	f := newFixture(t, time.Hour, store.ConnectionActive)
	ctx := context.Background()

	if err := f.manager.Revoke(ctx, f.conn.ProjectID, f.conn.ID); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	conn, _ := f.store.GetConnection(ctx, f.conn.ID)
	if conn.Status != store.ConnectionRevoked {
		t.Errorf("status = %q, want revoked", conn.Status)
	}
	if events := f.emitter.all(); len(events) != 1 || events[0] != EventConnectionRevoked {
		t.Errorf("events = %v", events)
	}

	// A foreign project cannot revoke.
	err := f.manager.Revoke(ctx, "someone-else", f.conn.ID)
	if !errs.HasCode(err, errs.CodeConnectionNotFound) {
		t.Errorf("foreign Revoke() error = %v, want CONNECTION_NOT_FOUND", err)
	}
}
