package network

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Service exposes the relay over HTTP: the websocket gossip endpoint that
// consensus nodes attach to, plus read-only diagnostics.
type Service struct {
	relay     *Relay
	writeAuth Authenticator
	readAuth  Authenticator

	readAuthSet               bool
	allowUnauthenticatedReads bool
}

// ServiceOption customises a Service.
type ServiceOption func(*Service)

// WithReadAuthenticator overrides the authenticator guarding diagnostics.
// By default reads use the write authenticator.
func WithReadAuthenticator(auth Authenticator) ServiceOption {
	return func(s *Service) {
		s.readAuth = auth
		s.readAuthSet = true
	}
}

// WithAllowUnauthenticatedReads permits a nil read authenticator.
func WithAllowUnauthenticatedReads(allow bool) ServiceOption {
	return func(s *Service) { s.allowUnauthenticatedReads = allow }
}

// NewService wraps relay. writeAuth guards the gossip endpoint and is
// required.
func NewService(relay *Relay, writeAuth Authenticator, opts ...ServiceOption) (*Service, error) {
	if relay == nil {
		return nil, errors.New("network: relay required")
	}
	if writeAuth == nil {
		return nil, errors.New("network: write authenticator required")
	}
	s := &Service{relay: relay, writeAuth: writeAuth}
	for _, opt := range opts {
		opt(s)
	}
	if !s.readAuthSet {
		s.readAuth = writeAuth
	}
	if s.readAuth == nil && !s.allowUnauthenticatedReads {
		return nil, errors.New("network: read authenticator required unless unauthenticated reads are allowed")
	}
	return s, nil
}

// Handler returns the routed HTTP handler.
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.With(Middleware(s.writeAuth)).Get("/gossip", s.relay.ServeHTTP)
	r.With(Middleware(s.readAuth)).Get("/peers", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"peers": s.relay.Peers()})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}
