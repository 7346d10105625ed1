package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"shutter/internal/core/token"
	"shutter/internal/platform/clock"
	"shutter/internal/platform/logger"
	"shutter/internal/platform/metrics"
	"shutter/internal/services/artifacts"
	"shutter/internal/services/jobs/domain"
	jobsvc "shutter/internal/services/jobs/service"
	"shutter/internal/services/render"
)

// opsServer serves the operational surface: prometheus metrics, liveness,
// admin aggregates, and token-gated artifact downloads
func opsServer(
	addr string,
	jobs domain.Store,
	objects *artifacts.FSStore,
	admission *jobsvc.Service,
	tokens *token.Tokenizer,
	clk clock.Clock,
	log *logger.Logger,
) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/internal/stats", func(w http.ResponseWriter, r *http.Request) {
		counts, formats, err := admission.Stats(r.Context())
		if err != nil {
			log.Error().Err(err).Msg("stats")
			http.Error(w, "stats unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"queued":       counts.Queued,
			"processing":   counts.Processing,
			"completed":    counts.Completed,
			"failed":       counts.Failed,
			"total":        counts.Total(),
			"success_rate": counts.SuccessRate(),
			"by_format":    formats,
		})
	})

	mux.HandleFunc("/artifacts/", func(w http.ResponseWriter, r *http.Request) {
		serveArtifact(w, r, jobs, objects, tokens, clk)
	})

	return &http.Server{Addr: addr, Handler: mux}
}

// serveArtifact checks the download token against the job row the key names
// and streams the artifact. Possession of a valid token is the whole
// authorization.
func serveArtifact(
	w http.ResponseWriter,
	r *http.Request,
	jobs domain.Store,
	objects *artifacts.FSStore,
	tokens *token.Tokenizer,
	clk clock.Clock,
) {
	key := path.Base(strings.TrimPrefix(r.URL.Path, "/artifacts/"))
	if key == "" || key == "." || key == "/" {
		http.NotFound(w, r)
		return
	}
	jobID := strings.TrimSuffix(key, path.Ext(key))

	j, err := jobs.FindByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, "lookup failed", http.StatusInternalServerError)
		return
	}

	tok := r.URL.Query().Get("token")
	if !tokens.Validate(tok, token.Claims{JobID: j.ID, UserID: j.UserID}, clk.Now()) {
		http.Error(w, "invalid or expired token", http.StatusForbidden)
		return
	}

	rc, err := objects.Open(key)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close() //nolint:errcheck

	w.Header().Set("Content-Type", render.ContentTypeFor(j.Request.Format))
	w.Header().Set("Cache-Control", "private, max-age=60")
	_, _ = io.Copy(w, rc)
}
