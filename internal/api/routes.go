package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/heimdex/clipd/internal/apperr"
	"github.com/heimdex/clipd/internal/logging"
	"github.com/heimdex/clipd/internal/pipeline"
	"github.com/heimdex/clipd/internal/timeline"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.APIToken, cfg.Logger))
		r.Use(BodyLimitMiddleware(MaxRequestBodyBytes))

		r.Post("/merge", mergeHandler(cfg))
		r.Post("/cut", cutHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}

		if cfg.Doctor != nil {
			caps := cfg.Doctor.Get(r.Context())
			resp.MediaTool = CapabilitiesToStatus(caps)
			if !caps.Available {
				resp.Status = "degraded"
			}
		}

		if cfg.Publisher != nil {
			resp.PublisherReady = cfg.Publisher.Ready() == nil
			if !resp.PublisherReady {
				resp.Status = "degraded"
			}
		}

		if cfg.Janitor != nil {
			resp.ScratchSwept = cfg.Janitor.Swept()
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func mergeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.WithRequestID(cfg.Logger, RequestID(r.Context()))

		var req MergeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeDecodeError(w, err)
			return
		}

		res, err := cfg.Jobs.Merge(r.Context(), req.toJob())
		if err != nil {
			writeJobError(w, logger, err)
			return
		}

		logger.Info("merge served", "job_id", res.JobID, "segments", res.Segments)
		WriteJSON(w, http.StatusOK, MergeResultToResponse(res))
	}
}

func cutHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logging.WithRequestID(cfg.Logger, RequestID(r.Context()))
		q := r.URL.Query()

		sourceURL := q.Get("url")
		start, err := timeline.ParseTimestamp(q.Get("start"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "start must be seconds or HH:MM:SS", apperr.Code(apperr.KindClientInput))
			return
		}
		end, err := timeline.ParseTimestamp(q.Get("end"))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "end must be seconds or HH:MM:SS", apperr.Code(apperr.KindClientInput))
			return
		}

		var started bool
		err = cfg.Jobs.Cut(r.Context(), pipeline.CutRequest{URL: sourceURL, Start: start, End: end}, func(path string) error {
			var serveErr error
			started, serveErr = serveClip(w, path, clipFilename(sourceURL, start, end))
			return serveErr
		})
		if err != nil {
			if started {
				logger.Warn("cut stream interrupted", "error", err)
				return
			}
			writeJobError(w, logger, err)
		}
	}
}

func writeDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		WriteError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
		return
	}
	WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
}

// writeJobError maps a classified job failure to a response. Details stay in
// the log.
func writeJobError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	switch {
	case kind == apperr.KindCanceled:
		logger.Info("request cancelled by client", "error", err)
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "kind", string(kind), "error", err)
	default:
		logger.Warn("request rejected", "kind", string(kind), "error", err)
	}

	WriteError(w, status, apperr.PublicMessage(err), apperr.Code(kind))
}
