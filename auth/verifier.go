package auth

import (
	"context"
	"strconv"
	"time"

	"github.com/linklabs/linkbroker/cache"
	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/store"
)

// DefaultMaxSkew is the permitted distance between the request timestamp and
// the verifier's wall clock.
const DefaultMaxSkew = 300 * time.Second

// DefaultSecretTTL bounds how long a decrypted API-key secret stays cached.
// Short, so revocations propagate quickly.
const DefaultSecretTTL = 60 * time.Second

// Identity is the authenticated principal attached to a request.
type Identity struct {
	ProjectID   string
	KeyID       string
	PublicKey   string
	Environment string
}

// Verifier checks request signatures against stored API keys. Secrets are
// stored encrypted; decrypted copies are cached with a short TTL to amortize
// the per-request decryption.
type Verifier struct {
	store     *store.Store
	decryptor krypto.Encryptor
	secrets   cache.Cache
	secretTTL time.Duration
	maxSkew   time.Duration
	now       func() time.Time
}

// VerifierOption customizes a Verifier.
type VerifierOption func(*Verifier)

// WithMaxSkew overrides the permitted timestamp skew.
func WithMaxSkew(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.maxSkew = d }
}

// WithSecretTTL overrides the decrypted-secret cache TTL.
func WithSecretTTL(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.secretTTL = d }
}

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// NewVerifier builds a Verifier. secrets may be nil to disable caching.
func NewVerifier(s *store.Store, decryptor krypto.Encryptor, secrets cache.Cache, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		store:     s,
		decryptor: decryptor,
		secrets:   secrets,
		secretTTL: DefaultSecretTTL,
		maxSkew:   DefaultMaxSkew,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify authenticates one request. Checks run in fixed order: timestamp
// freshness, key resolution, then constant-time signature comparison. On
// success the key's last_used_at is updated off the request path.
func (v *Verifier) Verify(ctx context.Context, publicKey, timestamp, signature string, body []byte) (*Identity, error) {
	if publicKey == "" || timestamp == "" || signature == "" {
		return nil, errs.InvalidAPIKey("missing authentication headers")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || ts < 0 {
		return nil, errs.TimestampExpired("invalid timestamp")
	}
	skew := v.now().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > v.maxSkew {
		return nil, errs.TimestampExpired("timestamp outside the permitted window")
	}

	key, err := v.store.GetAPIKeyByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, errs.InvalidAPIKey("unknown api key")
	}
	if key.Status != store.KeyActive {
		return nil, errs.InvalidAPIKey("api key is revoked")
	}

	secret, err := v.secretFor(ctx, key)
	if err != nil {
		return nil, errs.Internal("failed to resolve api key secret", err)
	}

	if !verifySignature(secret, timestamp, signature, body) {
		return nil, errs.InvalidSignature("signature mismatch")
	}

	v.touchLastUsed(key.ID)

	return &Identity{
		ProjectID:   key.ProjectID,
		KeyID:       key.ID,
		PublicKey:   key.PublicKey,
		Environment: key.Environment,
	}, nil
}

// secretFor returns the decrypted secret for a key, consulting the TTL cache
// first.
func (v *Verifier) secretFor(ctx context.Context, key *store.APIKey) (string, error) {
	cacheKey := "apikey-secret:" + key.ID

	if v.secrets != nil {
		if cached, err := v.secrets.Get(ctx, cacheKey); err == nil {
			return string(cached), nil
		}
	}

	secret, err := v.decryptor.DecryptString(key.SecretEncrypted)
	if err != nil {
		return "", err
	}

	if v.secrets != nil {
		if err := v.secrets.Set(ctx, cacheKey, []byte(secret), v.secretTTL); err != nil {
			logger.Warnw("failed to cache api key secret", "key_id", key.ID, "error", err)
		}
	}
	return secret, nil
}

// touchLastUsed records key usage without blocking the request.
func (v *Verifier) touchLastUsed(keyID string) {
	at := v.now().UTC()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := v.store.TouchAPIKeyLastUsed(ctx, keyID, at); err != nil {
			logger.Warnw("failed to update api key last_used_at", "key_id", keyID, "error", err)
		}
	}()
}
