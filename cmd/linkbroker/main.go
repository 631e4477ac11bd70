// Command linkbroker runs the broker: it wires the store, the crypto
// keyring, the provider registry, the webhook dispatcher, and the HTTP API,
// then serves until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linklabs/linkbroker/api"
	"github.com/linklabs/linkbroker/auth"
	"github.com/linklabs/linkbroker/cache"
	"github.com/linklabs/linkbroker/config"
	"github.com/linklabs/linkbroker/dispatch"
	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/oauth"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/provider/gmail"
	"github.com/linklabs/linkbroker/provider/slack"
	"github.com/linklabs/linkbroker/ratelimit"
	"github.com/linklabs/linkbroker/store"
	"github.com/linklabs/linkbroker/token"
	"github.com/linklabs/linkbroker/webhook"
)

// cryptoConfig holds the at-rest encryption keys. MasterKeys is a comma
// separated list of 32-byte hex keys ordered oldest first; the last entry
// encrypts new data and the earlier ones stay available for decryption.
type cryptoConfig struct {
	MasterKeys []string `env:"MASTER_KEYS,required"`
}

func main() {
	logger.Initialize()

	if err := run(); err != nil {
		logger.Errorw("broker failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cryptoCfg cryptoConfig
	if err := config.Load(&cryptoCfg); err != nil {
		return err
	}
	keyring, err := buildKeyring(cryptoCfg.MasterKeys)
	if err != nil {
		return err
	}

	var storeCfg store.Config
	if err := config.Load(&storeCfg); err != nil {
		return err
	}
	db, err := store.Open(ctx, storeCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var cacheCfg cache.Config
	if err := config.Load(&cacheCfg); err != nil {
		return err
	}
	shared, err := cache.New(cacheCfg)
	if err != nil {
		return err
	}
	defer shared.Close()

	registry, err := buildRegistry(ctx, db, keyring)
	if err != nil {
		return err
	}

	dispatcher := webhook.NewDispatcher(db, keyring)
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	tokens := token.NewManager(db, keyring, registry, dispatcher)

	var apiCfg api.Config
	if err := config.Load(&apiCfg); err != nil {
		return err
	}
	flows := oauth.NewManager(db, keyring, registry, dispatcher,
		apiCfg.PublicURL+"/v1/oauth/callback")
	go flows.StartSweeper(ctx, time.Hour)

	var limitCfg ratelimit.Config
	if err := config.Load(&limitCfg); err != nil {
		return err
	}
	limiter := ratelimit.New(shared, ratelimit.Limits{
		PerMinute: limitCfg.PerMinute,
		PerDay:    limitCfg.PerDay,
	})

	server := api.NewServer(apiCfg, api.Deps{
		Store:      db,
		Verifier:   auth.NewVerifier(db, keyring, shared),
		OAuth:      flows,
		Dispatcher: dispatch.New(db, registry, tokens),
		Tokens:     tokens,
		Registry:   registry,
		Limiter:    limiter,
		Keyring:    keyring,
	})

	httpServer := &http.Server{
		Addr:              apiCfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("broker listening",
			"addr", apiCfg.ListenAddr, "providers", registry.Names())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Infow("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// buildKeyring assembles the multi-version keyring. Key versions start at 1
// and follow the list order, so appending a new key to the list rotates.
func buildKeyring(hexKeys []string) (*krypto.Keyring, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("no master keys configured")
	}
	keys := make(map[byte][]byte, len(hexKeys))
	for i, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("master key %d is not hex: %w", i+1, err)
		}
		keys[byte(i+1)] = raw
	}
	return krypto.NewKeyring(byte(len(hexKeys)), keys)
}

// buildRegistry constructs an adapter per enabled provider descriptor.
// Descriptors without an adapter implementation are skipped with a warning
// so one unsupported row cannot keep the broker down.
func buildRegistry(ctx context.Context, db *store.Store, keyring krypto.Encryptor) (*provider.Registry, error) {
	descriptors, err := db.ListProviders(ctx)
	if err != nil {
		return nil, err
	}

	var adapters []provider.Adapter
	for _, d := range descriptors {
		clientSecret := ""
		if d.ClientSecretEncrypted != "" {
			if clientSecret, err = keyring.DecryptString(d.ClientSecretEncrypted); err != nil {
				return nil, fmt.Errorf("provider %s: decrypt client secret: %w", d.Name, err)
			}
		}
		cfg := provider.Config{
			ClientID:     d.ClientID,
			ClientSecret: clientSecret,
			AuthURL:      d.AuthorizationURL,
			TokenURL:     d.TokenURL,
		}

		switch d.Name {
		case "gmail":
			adapters = append(adapters, gmail.New(cfg))
		case "slack":
			adapters = append(adapters, slack.New(cfg))
		default:
			logger.Warnw("no adapter implementation for provider, skipping", "provider", d.Name)
		}
	}

	return provider.NewRegistry(adapters...)
}
