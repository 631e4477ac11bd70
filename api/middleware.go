package api

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/linklabs/linkbroker/auth"
	"github.com/linklabs/linkbroker/errs"
	"github.com/linklabs/linkbroker/logger"
	"github.com/linklabs/linkbroker/ratelimit"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	identityKey
)

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func identityFrom(ctx context.Context) *auth.Identity {
	id, _ := ctx.Value(identityKey).(*auth.Identity)
	return id
}

// requestID tags every request with a fresh id, echoed in X-Request-Id and
// the response meta.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// maxBodyBytes bounds request bodies; signatures are computed over the whole
// body, so it has to be buffered.
const maxBodyBytes = 1 << 20

// authenticate verifies the request signature and attaches the project
// identity. The body is buffered and restored so handlers can decode it.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
		if err != nil {
			writeError(w, r, errs.Validation("unreadable request body"))
			return
		}
		if len(body) > maxBodyBytes {
			writeError(w, r, errs.Validation("request body too large"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		identity, err := s.verifier.Verify(r.Context(),
			r.Header.Get(auth.HeaderPublicKey),
			r.Header.Get(auth.HeaderTimestamp),
			r.Header.Get(auth.HeaderSignature),
			body)
		if err != nil {
			writeError(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, identity)))
	})
}

// rateLimit admits the request against the project budgets and writes the
// X-RateLimit-* headers either way.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := identityFrom(r.Context())
		if identity == nil {
			writeError(w, r, errs.Internal("rate limit before authentication", nil))
			return
		}

		var overrides ratelimit.Limits
		if project, err := s.store.GetProject(r.Context(), identity.ProjectID); err == nil {
			overrides = ratelimit.LimitsFromSettings(project.Settings)
		}

		decision, err := s.limiter.Allow(r.Context(), identity.ProjectID, overrides)
		if err != nil {
			logger.Errorw("rate limiter failed", "project_id", identity.ProjectID, "error", err)
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(decision.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.Reset.Unix(), 10))

		if !decision.Allowed {
			retryAfter := int(decision.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, r, errs.RateLimited("rate limit exceeded"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
