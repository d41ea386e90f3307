package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"

	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/internal/token"
	"github.com/openzim/mirrors-qa/backend/pkg/api"
)

// Messages reused across error responses.
const (
	msgUnauthorized = "Invalid authentication credentials"
	msgTokenExpired = "Token has expired."
	msgBadRequest   = "Invalid request body"
	msgServerError  = "The server encountered an error while processing the request."
)

// Store is the registry surface the API consumes.
type Store interface {
	GetWorker(ctx context.Context, id string) (db.Worker, error)
	WorkerCountries(ctx context.Context, workerID string) ([]db.Country, error)
	AssignWorkerCountries(ctx context.Context, workerID string, countries []db.Country) ([]db.Country, error)
	GetTest(ctx context.Context, id uuid.UUID) (db.Test, error)
	ListTests(ctx context.Context, f db.TestFilter) ([]db.Test, int, error)
	RecordTestResult(ctx context.Context, id uuid.UUID, workerID string, u db.TestUpdate, seenAt time.Time) (db.Test, error)
	HasRecentSucceeded(ctx context.Context, since time.Time) (bool, error)
}

type Handler struct {
	log   *slog.Logger
	cfg   Config
	store Store

	auth   *token.Authenticator
	issuer *token.Issuer

	// workerCache keeps bearer-token worker lookups off the database.
	// Only positive lookups are cached, so freshly registered workers
	// are picked up on their first request.
	workerCache *ttlcache.Cache[string, db.Worker]
}

func NewHandler(log *slog.Logger, cfg Config, store Store) (*Handler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("handler config validation failed: %w", err)
	}

	auth := &token.Authenticator{
		Clock:        cfg.Clock,
		Window:       cfg.MessageValidity,
		LookupWorker: store.GetWorker,
	}
	if err := auth.Validate(); err != nil {
		return nil, fmt.Errorf("authenticator validation failed: %w", err)
	}

	issuer := &token.Issuer{
		Secret: cfg.JWTSecret,
		TTL:    cfg.TokenTTL,
		Clock:  cfg.Clock,
	}
	if err := issuer.Validate(); err != nil {
		return nil, fmt.Errorf("issuer validation failed: %w", err)
	}

	return &Handler{
		log:    log,
		cfg:    cfg,
		store:  store,
		auth:   auth,
		issuer: issuer,
		workerCache: ttlcache.New(
			ttlcache.WithTTL[string, db.Worker](cfg.WorkerCacheTTL),
		),
	}, nil
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(h.requestLogger)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PATCH", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", api.AuthMessageHeader, api.AuthSignatureHeader},
		MaxAge:         300,
	}))

	r.Post(api.AuthenticatePath, h.authenticate)

	r.Route(api.TestsPath, func(r chi.Router) {
		r.Get("/", h.listTests)
		r.Get("/{testID}", h.getTest)
		r.With(h.requireWorker).Patch("/{testID}", h.updateTest)
	})

	r.Route(api.WorkersPath+"/{workerID}/countries", func(r chi.Router) {
		r.Use(h.requireWorker)
		r.Get("/", h.listWorkerCountries)
		r.Put("/", h.updateWorkerCountries)
	})

	r.Get(api.HealthCheckPath, h.healthCheck)

	return r
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, api.ErrorResponse{Error: msg})
}

func (h *Handler) writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	h.writeJSONError(w, http.StatusUnauthorized, msg)
}

func (h *Handler) writeServerError(w http.ResponseWriter, msg string, err error) {
	h.log.Error(msg, "error", err)
	h.writeJSONError(w, http.StatusInternalServerError, msgServerError)
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) {
	authed, err := h.auth.Authenticate(r)
	if err != nil {
		AuthFailuresTotal.Inc()
		h.writeHandshakeError(w, err)
		return
	}

	signed, expiresIn, err := h.issuer.Issue(authed.WorkerID)
	if err != nil {
		h.writeServerError(w, "failed to issue token", err)
		return
	}

	TokensIssuedTotal.Inc()
	h.log.Info("worker authenticated", "worker", authed.WorkerID)
	h.writeJSON(w, http.StatusOK, api.TokenResponse{
		AccessToken: signed,
		TokenType:   "bearer",
		ExpiresIn:   expiresIn,
	})
}

// writeHandshakeError maps handshake verification failures onto status
// codes: requests the server cannot even parse are BadRequest, everything
// that fails verification proper is Unauthorized.
func (h *Handler) writeHandshakeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, token.ErrMissingAuthHeaders),
		errors.Is(err, token.ErrMalformedMessage),
		errors.Is(err, token.ErrInvalidTimestamp),
		errors.Is(err, token.ErrInvalidSignatureEncoding):
		h.writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, token.ErrMessageExpired),
		errors.Is(err, token.ErrWorkerNotFound),
		errors.Is(err, token.ErrInvalidSignature):
		h.writeUnauthorized(w, err.Error())
	default:
		h.writeServerError(w, "handshake verification failed", err)
	}
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	since := h.cfg.Clock.Now().UTC().Add(-h.cfg.UnhealthyNoTestsDuration)
	receiving, err := h.store.HasRecentSucceeded(r.Context(), since)
	if err != nil {
		h.writeServerError(w, "failed to check recent tests", err)
		return
	}
	h.writeJSON(w, http.StatusOK, api.HealthResponse{ReceivingTests: receiving})
}
