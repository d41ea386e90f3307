package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jellydator/ttlcache/v3"

	"github.com/openzim/mirrors-qa/backend/internal/db"
	"github.com/openzim/mirrors-qa/backend/internal/token"
)

type workerCtxKey struct{}

// currentWorker returns the worker attached by requireWorker.
func currentWorker(ctx context.Context) (db.Worker, bool) {
	w, ok := ctx.Value(workerCtxKey{}).(db.Worker)
	return w, ok
}

// requireWorker validates the bearer token and resolves its subject to a
// registered worker before letting the request through.
func (h *Handler) requireWorker(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			AuthFailuresTotal.Inc()
			h.writeUnauthorized(w, msgUnauthorized)
			return
		}
		scheme, raw, ok := strings.Cut(header, " ")
		if !ok || scheme != "Bearer" || raw == "" {
			AuthFailuresTotal.Inc()
			h.writeUnauthorized(w, msgUnauthorized)
			return
		}

		workerID, err := h.issuer.VerifyToken(raw)
		if err != nil {
			AuthFailuresTotal.Inc()
			if errors.Is(err, token.ErrTokenExpired) {
				h.writeUnauthorized(w, msgTokenExpired)
				return
			}
			h.writeUnauthorized(w, msgUnauthorized)
			return
		}

		worker, err := h.lookupWorker(r.Context(), workerID)
		if err != nil {
			if errors.Is(err, db.ErrNotFound) {
				AuthFailuresTotal.Inc()
				h.writeUnauthorized(w, msgUnauthorized)
				return
			}
			h.writeServerError(w, "failed to look up worker", err)
			return
		}

		ctx := context.WithValue(r.Context(), workerCtxKey{}, worker)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) lookupWorker(ctx context.Context, id string) (db.Worker, error) {
	if item := h.workerCache.Get(id); item != nil {
		return item.Value(), nil
	}
	worker, err := h.store.GetWorker(ctx, id)
	if err != nil {
		return db.Worker{}, err
	}
	h.workerCache.Set(id, worker, ttlcache.DefaultTTL)
	return worker, nil
}

func (h *Handler) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Inc()
		h.log.Info("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
			"request_id", chimw.GetReqID(r.Context()),
		)
	})
}
