package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"triggerd/internal/trigger"
	"triggerd/internal/trigger/uitrigger"
	logx "triggerd/pkg/logx"
)

const maxPayloadBytes = 1 << 20

// Handler builds the router for the current config.
func (s *Service) Handler() http.Handler {
	s.mu.Lock()
	cfg, deps, log := s.cfg, s.deps, s.log
	s.mu.Unlock()

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(accessLog(log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Ready != nil {
			if err := deps.Ready(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}
	if deps.UI != nil {
		h := &uiHandlers{ui: deps.UI, userHeader: cfg.UserHeader}
		if h.userHeader == "" {
			h.userHeader = DefaultUserHeader
		}
		r.Route("/triggers", func(r chi.Router) {
			r.Post("/{type}", h.create)
			r.Get("/{id}", h.status)
			r.Get("/{id}/result", h.result)
			r.Delete("/{id}", h.abort)
		})
	}
	if cfg.Debug {
		s.mountDebug(r, cfg, deps)
	}
	return r
}

type uiHandlers struct {
	ui         *uitrigger.Service
	userHeader string
}

func (h *uiHandlers) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := strings.TrimSpace(r.Header.Get(h.userHeader))
	if u == "" {
		writeError(w, http.StatusUnauthorized, "missing "+h.userHeader)
		return "", false
	}
	return u, true
}

func (h *uiHandlers) create(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	var payload json.RawMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			writeError(w, http.StatusBadRequest, "payload must be JSON")
			return
		}
		payload = body
	}

	v, err := h.ui.Create(r.Context(), chi.URLParam(r, "type"), user, payload)
	switch {
	case errors.Is(err, uitrigger.ErrUnknownType):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "create failed")
	default:
		writeJSON(w, http.StatusCreated, v)
	}
}

func (h *uiHandlers) status(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	v, err := h.ui.Status(r.Context(), chi.URLParam(r, "id"), user)
	switch {
	case errors.Is(err, uitrigger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, "status failed")
	default:
		writeJSON(w, http.StatusOK, v)
	}
}

// result maps the outcome onto status codes: 200 success payload, 422 error
// payload, 410 cancelled, 408 still running.
func (h *uiHandlers) result(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	res, err := h.ui.Result(r.Context(), chi.URLParam(r, "id"), user)
	switch {
	case errors.Is(err, uitrigger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
		return
	case errors.Is(err, uitrigger.ErrNotReady):
		writeJSON(w, http.StatusRequestTimeout, map[string]trigger.Status{"status": res.Status})
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "result failed")
		return
	}

	code := http.StatusOK
	switch res.Status {
	case trigger.StatusError:
		code = http.StatusUnprocessableEntity
	case trigger.StatusCancelled:
		code = http.StatusGone
	}
	writeRaw(w, code, res.Payload)
}

func (h *uiHandlers) abort(w http.ResponseWriter, r *http.Request) {
	user, ok := h.user(w, r)
	if !ok {
		return
	}
	out, err := h.ui.RequestAbort(r.Context(), chi.URLParam(r, "id"), user)
	switch {
	case errors.Is(err, uitrigger.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, uitrigger.ErrAbortRejected):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "abort failed")
	default:
		writeJSON(w, http.StatusOK, map[string]uitrigger.AbortOutcome{"outcome": out})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body json.RawMessage) {
	if len(body) == 0 {
		body = json.RawMessage("null")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func accessLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			if !log.Enabled(logx.LevelDebug) {
				return
			}
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("took", time.Since(start)),
			)
		})
	}
}
