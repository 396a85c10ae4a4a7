// Package service exposes the consensus orchestrator over HTTP: status and
// epoch queries, certificate and slashing history, evidence and advisory
// submission, and a websocket stream of finalized blocks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"adaptivechain/consensus/advisory"
	"adaptivechain/consensus/epoch"
	"adaptivechain/consensus/orchestrator"
	"adaptivechain/consensus/slashing/evidence"
	"adaptivechain/consensus/types"
	"adaptivechain/network"
	"adaptivechain/observability"
	"adaptivechain/storage/audit"
)

const maxBodyBytes = 1 << 20

// Consensus is the part of the orchestrator the service drives.
type Consensus interface {
	Status() orchestrator.Status
	SubmitEvidence(e *evidence.Evidence) (*evidence.Event, bool, error)
	SubmitReport(r *advisory.Report) error
	Subscribe(buffer int) (<-chan orchestrator.Finalized, func())
}

// Epochs resolves frozen epoch states.
type Epochs interface {
	Current() *epoch.State
	Epoch(number uint64) (*epoch.State, bool)
}

// Certificates resolves issued finality certificates.
type Certificates interface {
	Certificate(height uint64) (*types.FinalityCertificate, bool)
	FinalizedHeight() uint64
}

// Index serves history from the SQL audit mirror.
type Index interface {
	Certificates(ctx context.Context, from uint64, limit int) ([]audit.Certificate, error)
	Epochs(ctx context.Context, limit int) ([]audit.Epoch, error)
	SlashingEvents(ctx context.Context, accused string, limit int) ([]audit.SlashingEvent, error)
}

// Authorizer evaluates whether an incoming request should be allowed.
type Authorizer interface {
	Authorize(*http.Request) error
}

// Config wires the server to its collaborators. Index is optional; history
// endpoints answer 503 without it.
type Config struct {
	Consensus    Consensus
	Epochs       Epochs
	Certificates Certificates
	Index        Index
	Gatherer     prometheus.Gatherer
	Logger       *slog.Logger
}

// Server is the consensus HTTP surface.
type Server struct {
	cfg       Config
	auth      Authorizer
	readAuth  Authorizer
	logger    *slog.Logger
	streamBuf int
}

// ServerOption mutates server defaults during construction.
type ServerOption func(*Server)

// WithAuthorizer guards the submission endpoints.
func WithAuthorizer(authorizer Authorizer) ServerOption {
	return func(s *Server) {
		if s != nil {
			s.auth = authorizer
		}
	}
}

// WithReadAuthorizer guards the query and stream endpoints.
func WithReadAuthorizer(authorizer Authorizer) ServerOption {
	return func(s *Server) {
		if s != nil {
			s.readAuth = authorizer
		}
	}
}

// New constructs the server.
func New(cfg Config, opts ...ServerOption) (*Server, error) {
	if cfg.Consensus == nil || cfg.Epochs == nil || cfg.Certificates == nil {
		return nil, errors.New("service: consensus, epochs and certificates are required")
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := &Server{cfg: cfg, logger: cfg.Logger.With(slog.String("component", "service")), streamBuf: 64}
	for _, opt := range opts {
		if opt != nil {
			opt(srv)
		}
	}
	return srv, nil
}

// Handler returns the routed handler wrapped in tracing middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.guard(s.readAuth))
			r.Get("/status", s.handleStatus)
			r.Get("/epochs", s.handleEpochs)
			r.Get("/epochs/current", s.handleCurrentEpoch)
			r.Get("/epochs/{number}", s.handleEpoch)
			r.Get("/certificates", s.handleCertificates)
			r.Get("/certificates/{height}", s.handleCertificate)
			r.Get("/slashing", s.handleSlashing)
			r.Get("/stream/finalized", s.handleFinalizedWS)
		})
		r.Group(func(r chi.Router) {
			r.Use(s.guard(s.auth))
			r.Post("/evidence", s.handleEvidence)
			r.Post("/advisory", s.handleAdvisory)
		})
	})
	return otelhttp.NewHandler(r, "consensus.service")
}

func (s *Server) guard(auth Authorizer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if auth == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := auth.Authorize(r); err != nil {
				writeJSONError(w, network.StatusCode(err), err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// observe records request metrics under the matched route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.API().Observe(route, r.Method, status, time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.cfg.Consensus.Status()
	if st.State == orchestrator.StateHalted {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "halted", "error": st.Error})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": st.State.String()})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusView(s.cfg.Consensus.Status()))
}

func (s *Server) handleCurrentEpoch(w http.ResponseWriter, _ *http.Request) {
	state := s.cfg.Epochs.Current()
	if state == nil {
		writeJSONError(w, http.StatusNotFound, errors.New("no epoch yet"))
		return
	}
	writeJSON(w, http.StatusOK, epochView(state))
}

func (s *Server) handleEpoch(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.ParseUint(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid epoch number: %w", err))
		return
	}
	state, ok := s.cfg.Epochs.Epoch(number)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("%w: %d", types.ErrUnknownEpoch, number))
		return
	}
	writeJSON(w, http.StatusOK, epochView(state))
}

func (s *Server) handleEpochs(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Index == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("audit index not configured"))
		return
	}
	rows, err := s.cfg.Index.Epochs(r.Context(), queryInt(r, "limit"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"epochs": rows})
}

func (s *Server) handleCertificate(w http.ResponseWriter, r *http.Request) {
	height, err := strconv.ParseUint(chi.URLParam(r, "height"), 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid height: %w", err))
		return
	}
	cert, ok := s.cfg.Certificates.Certificate(height)
	if !ok {
		writeJSONError(w, http.StatusNotFound, fmt.Errorf("no certificate at height %d", height))
		return
	}
	writeJSON(w, http.StatusOK, certificateView(cert))
}

func (s *Server) handleCertificates(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Index == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("audit index not configured"))
		return
	}
	from := uint64(0)
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid from: %w", err))
			return
		}
		from = parsed
	}
	rows, err := s.cfg.Index.Certificates(r.Context(), from, queryInt(r, "limit"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"certificates": rows})
}

func (s *Server) handleSlashing(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Index == nil {
		writeJSONError(w, http.StatusServiceUnavailable, errors.New("audit index not configured"))
		return
	}
	accused := strings.TrimSpace(r.URL.Query().Get("accused"))
	if accused != "" {
		id, err := types.ParseValidatorID(accused)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err)
			return
		}
		accused = id.String()
	}
	rows, err := s.cfg.Index.SlashingEvents(r.Context(), accused, queryInt(r, "limit"))
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": rows})
}

func (s *Server) handleEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	raw, err := decodeHex(req.Evidence)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("evidence: %w", err))
		return
	}
	e, err := evidence.Decode(raw)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	event, applied, err := s.cfg.Consensus.SubmitEvidence(e)
	if err != nil {
		writeJSONError(w, submissionStatus(err), err)
		return
	}
	status := http.StatusOK
	if applied {
		status = http.StatusAccepted
	}
	writeJSON(w, status, evidenceResponse{Applied: applied, Event: eventView(event)})
}

func (s *Server) handleAdvisory(w http.ResponseWriter, r *http.Request) {
	var req advisoryRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	report, err := req.report()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.cfg.Consensus.SubmitReport(report); err != nil {
		writeJSONError(w, submissionStatus(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"fingerprint": report.Fingerprint().String()})
}

// submissionStatus maps consensus errors to HTTP statuses.
func submissionStatus(err error) int {
	var verr *evidence.ValidationError
	switch {
	case errors.Is(err, types.ErrConsensusHalted):
		return http.StatusServiceUnavailable
	case errors.As(err, &verr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrUnknownEpoch), errors.Is(err, types.ErrUnknownValidator):
		return http.StatusNotFound
	case errors.Is(err, types.ErrInvalidSignature), errors.Is(err, types.ErrInvalidProof),
		errors.Is(err, types.ErrStaleEvidence), errors.Is(err, types.ErrInvalidEvidence),
		errors.Is(err, types.ErrInvalidMessage), errors.Is(err, types.ErrDuplicateVote):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, key string) int {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
