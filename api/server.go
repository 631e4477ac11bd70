// Package api is the HTTP surface of the broker: a chi router wiring the
// authenticated /v1 endpoints, the unauthenticated provider callback, and
// health, with every response wrapped in the common envelope.
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/linklabs/linkbroker/auth"
	"github.com/linklabs/linkbroker/dispatch"
	"github.com/linklabs/linkbroker/krypto"
	"github.com/linklabs/linkbroker/oauth"
	"github.com/linklabs/linkbroker/provider"
	"github.com/linklabs/linkbroker/ratelimit"
	"github.com/linklabs/linkbroker/store"
	"github.com/linklabs/linkbroker/token"
)

// Config tunes the HTTP server.
type Config struct {
	ListenAddr     string        `env:"LISTEN_ADDR,default::8080"`
	PublicURL      string        `env:"PUBLIC_URL,default:http://localhost:8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT,default:30s"`
}

// Deps bundles what the server needs. All fields are required except
// Registry, which may be empty in tests that never dispatch.
type Deps struct {
	Store      *store.Store
	Verifier   *auth.Verifier
	OAuth      *oauth.Manager
	Dispatcher *dispatch.Dispatcher
	Tokens     *token.Manager
	Registry   *provider.Registry
	Limiter    *ratelimit.Limiter
	Keyring    krypto.Encryptor
}

// Server owns the router.
type Server struct {
	cfg        Config
	store      *store.Store
	verifier   *auth.Verifier
	oauth      *oauth.Manager
	dispatcher *dispatch.Dispatcher
	tokens     *token.Manager
	registry   *provider.Registry
	limiter    *ratelimit.Limiter
	keyring    krypto.Encryptor
	router     chi.Router
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:        cfg,
		store:      deps.Store,
		verifier:   deps.Verifier,
		oauth:      deps.OAuth,
		dispatcher: deps.Dispatcher,
		tokens:     deps.Tokens,
		registry:   deps.Registry,
		limiter:    deps.Limiter,
		keyring:    deps.Keyring,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() chi.Router {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		// Browser-facing; the provider redirects here, unauthenticated.
		r.Get("/oauth/callback", s.handleOAuthCallback)

		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Use(s.rateLimit)

			r.Post("/oauth/connect", s.handleOAuthConnect)

			r.Get("/connections", s.handleListConnections)
			r.Get("/connections/{connectionID}", s.handleGetConnection)
			r.Delete("/connections/{connectionID}", s.handleDeleteConnection)

			r.Get("/providers", s.handleListProviders)

			r.Post("/webhooks", s.handleCreateWebhook)
			r.Get("/webhooks", s.handleListWebhooks)
			r.Delete("/webhooks/{subscriptionID}", s.handleDeleteWebhook)

			r.Post("/execute", s.handleExecute)
			// Provider-shaped alias; static routes above win over the
			// wildcards.
			r.Post("/{provider}/{verb}", s.handleProviderVerb)
		})
	})

	return r
}
