package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hengadev/keyguard"
	"github.com/hengadev/keyguard/fieldcrypt"
	"github.com/hengadev/keyguard/internal/health"
	"github.com/hengadev/keyguard/internal/monitoring"
	"github.com/hengadev/keyguard/signing"
)

const maxBodyBytes = 1 << 20

// server exposes health, metrics, signing-key administration and record conversion.
type server struct {
	fields  *fieldcrypt.Service
	keys    *signing.Lazy
	health  *health.HealthChecker
	metrics *monitoring.InMemoryMetricsCollector
	logger  *slog.Logger
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type batchResponse struct {
	errorResponse
	Failed  []int               `json:"failed"`
	Records []fieldcrypt.Record `json:"records"`
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health.Handler())
	r.Route("/v1", func(r chi.Router) {
		if s.metrics != nil {
			r.Get("/metrics", s.metricsSnapshot)
		}
		r.Get("/keys/stats", s.keyStats)
		r.Post("/keys/rotate", s.rotateKeys)
		r.Post("/fields/{table}/encrypt", s.convertFields("encrypt"))
		r.Post("/fields/{table}/decrypt", s.convertFields("decrypt"))
	})
	return r
}

func (s *server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *server) metricsSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *server) keyStats(w http.ResponseWriter, r *http.Request) {
	m, err := s.keys.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m.Stats())
}

// rotateKeys runs a rotation pass; ?force=true deactivates the current key too.
func (s *server) rotateKeys(w http.ResponseWriter, r *http.Request) {
	m, err := s.keys.Get(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	force := r.URL.Query().Get("force") == "true"
	rotate := m.RotateKeys
	if force {
		rotate = m.ForceRotateKeys
	}
	keyID, err := rotate(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"currentKeyId": keyID, "forced": force})
}

// convertFields converts the sensitive fields of one JSON record, or of each
// record of a JSON array.
func (s *server) convertFields(op string) http.HandlerFunc {
	single, batch := s.fields.EncryptSensitiveFields, s.fields.EncryptRecords
	if op == "decrypt" {
		single, batch = s.fields.DecryptSensitiveFields, s.fields.DecryptRecords
	}

	return func(w http.ResponseWriter, r *http.Request) {
		table := chi.URLParam(r, "table")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"INVALID_BODY", "request body could not be read"})
			return
		}

		if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '[' {
			var records []fieldcrypt.Record
			if err := decodeJSON(trimmed, &records); err != nil {
				writeJSON(w, http.StatusBadRequest, errorResponse{"INVALID_BODY", "body must be a JSON object or array of objects"})
				return
			}
			out, err := batch(r.Context(), table, records)
			var batchErr *fieldcrypt.BatchError
			if errors.As(err, &batchErr) {
				s.logger.WarnContext(r.Context(), "batch conversion partially failed",
					"operation", op, "table", table, "failed", len(batchErr.Failed), "total", batchErr.Total)
				writeJSON(w, http.StatusUnprocessableEntity, batchResponse{
					errorResponse: errorResponse{"PARTIAL_FAILURE", fmt.Sprintf("%d of %d records failed", len(batchErr.Failed), batchErr.Total)},
					Failed:        batchErr.Failed,
					Records:       out,
				})
				return
			}
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, out)
			return
		}

		var rec fieldcrypt.Record
		if err := decodeJSON(body, &rec); err != nil || rec == nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{"INVALID_BODY", "body must be a JSON object or array of objects"})
			return
		}
		out, err := single(r.Context(), table, rec)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func decodeJSON(body []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec.Decode(v)
}

// writeError maps the error taxonomy to a status code. Messages never carry
// cryptographic detail.
func (s *server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	message := keyguard.PublicMessage(err)

	switch {
	case keyguard.IsDecryptionError(err):
		status, code = http.StatusUnprocessableEntity, "DECRYPTION_FAILED"
	case errors.Is(err, keyguard.ErrInvalidFieldType), errors.Is(err, keyguard.ErrInvalidFormat):
		status, code, message = http.StatusBadRequest, "INVALID_FIELD", err.Error()
	case errors.Is(err, keyguard.ErrRotationInProgress):
		status, code, message = http.StatusConflict, "ROTATION_IN_PROGRESS", "a key rotation is already running"
	case keyguard.IsRetryableError(err), keyguard.IsPersistenceError(err):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	}

	s.logger.WarnContext(r.Context(), "request failed",
		"path", r.URL.Path, "status", status, "error_class", monitoring.ErrorClass(err))
	writeJSON(w, status, errorResponse{code, message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
