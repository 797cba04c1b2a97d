// Package api serves the local bridge: the HTTP surface through which a host
// page registers its download links and buttons and follows their state.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gallerydl/gdlsync/internal/binding"
	"github.com/gallerydl/gdlsync/internal/config"
	"github.com/gallerydl/gdlsync/internal/engine"
	"github.com/gallerydl/gdlsync/internal/remote"
	"github.com/gallerydl/gdlsync/internal/view"
)

const maxBody = 1 << 20

// Handler holds the dependencies for all HTTP handlers.
type Handler struct {
	eng       *engine.Engine
	hub       *Hub
	settings  *config.Settings
	pushState func() string
	onChange  func()
	heartbeat time.Duration
	logger    *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithPushState reports the push channel state on the health endpoint.
func WithPushState(fn func() string) HandlerOption { return func(h *Handler) { h.pushState = fn } }

// WithSettingsHook is called after settings were changed through the bridge.
func WithSettingsHook(fn func()) HandlerOption { return func(h *Handler) { h.onChange = fn } }

// WithHeartbeat sets how often idle event streams receive a keep-alive comment.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l *slog.Logger) HandlerOption { return func(h *Handler) { h.logger = l } }

// NewHandler constructs a Handler with the given dependencies.
func NewHandler(eng *engine.Engine, hub *Hub, settings *config.Settings, opts ...HandlerOption) *Handler {
	h := &Handler{
		eng:       eng,
		hub:       hub,
		settings:  settings,
		heartbeat: 15 * time.Second,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// RegisterRoutes registers all API routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/jobs", h.ListJobs)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.GetJob)
	mux.HandleFunc("POST /api/v1/jobs/{id}/retry", h.RetryJob)
	mux.HandleFunc("DELETE /api/v1/jobs/{id}", h.DeleteJob)
	mux.HandleFunc("POST /api/v1/submit", h.Submit)
	mux.HandleFunc("POST /api/v1/bindings", h.Bind)
	mux.HandleFunc("DELETE /api/v1/bindings/{handle}", h.Unbind)
	mux.HandleFunc("GET /api/v1/keys", h.GetKey)
	mux.HandleFunc("GET /api/v1/settings", h.GetSettings)
	mux.HandleFunc("PUT /api/v1/settings", h.PutSettings)
	mux.HandleFunc("GET /api/v1/events", h.StreamEvents)
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "jobs": h.eng.Store().Len()}
	if h.pushState != nil {
		resp["push"] = h.pushState()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ListJobs handles GET /api/v1/jobs?mode=&origin= and responds with the
// active and recent jobs visible in that mode.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	mode, origin, err := viewParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, h.eng.Projection(mode, origin))
}

// GetJob handles GET /api/v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.eng.Store().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetKey handles GET /api/v1/keys?locator= and responds with the resolved
// state of the locator's key.
func (h *Handler) GetKey(w http.ResponseWriter, r *http.Request) {
	locator := r.URL.Query().Get("locator")
	if locator == "" {
		writeError(w, http.StatusBadRequest, "locator is required")
		return
	}
	writeJSON(w, http.StatusOK, h.eng.KeyState(locator))
}

type submitRequest struct {
	URL       string `json:"url"`
	PostTitle string `json:"post_title"`
}

// Submit handles POST /api/v1/submit and responds 202 with the accepted job.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decode(w, r, &req) {
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	rec, err := h.eng.Submit(r.Context(), engine.SubmitRequest{Locator: req.URL, PostTitle: req.PostTitle})
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

// RetryJob handles POST /api/v1/jobs/{id}/retry.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	rec, err := h.eng.Retry(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteJob handles DELETE /api/v1/jobs/{id} and responds 204.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.eng.Delete(r.Context(), r.PathValue("id")); err != nil {
		h.writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type bindRequest struct {
	Locator string          `json:"locator"`
	Handle  string          `json:"handle"`
	Origin  string          `json:"origin"`
	Trigger bool            `json:"trigger"`
	Visual  *binding.Visual `json:"visual,omitempty"`
}

type bindResponse struct {
	Key    string          `json:"key"`
	Handle binding.Handle  `json:"handle"`
	State  engine.KeyState `json:"state"`
	Visual *binding.Visual `json:"visual,omitempty"`
}

// Bind handles POST /api/v1/bindings. A page calls it for every download
// link it discovers; buttons are bound with trigger set and then follow the
// job through "trigger" events on the page's stream.
func (h *Handler) Bind(w http.ResponseWriter, r *http.Request) {
	var req bindRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Locator == "" || req.Handle == "" {
		writeError(w, http.StatusBadRequest, "locator and handle are required")
		return
	}

	ev := binding.Event{
		Kind:    binding.Added,
		Locator: req.Locator,
		Handle:  binding.Handle(req.Handle),
		Origin:  req.Origin,
	}
	var trig *pageTrigger
	if req.Trigger {
		def := binding.DefaultVisual
		if req.Visual != nil {
			def = *req.Visual
		}
		trig = newPageTrigger(ev.Handle, req.Origin, def, h.hub)
		ev.Trigger = trig
	}

	key, err := h.eng.Bind(r.Context(), ev)
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	resp := bindResponse{Key: key, Handle: ev.Handle, State: h.eng.KeyState(key)}
	if trig != nil {
		v := trig.Visual()
		resp.Visual = &v
	}
	writeJSON(w, http.StatusCreated, resp)
}

// Unbind handles DELETE /api/v1/bindings/{handle} and responds 204.
func (h *Handler) Unbind(w http.ResponseWriter, r *http.Request) {
	removed, err := h.eng.Unbind(r.Context(), binding.Handle(r.PathValue("handle")))
	if err != nil {
		h.writeEngineError(w, err)
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "binding not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetSettings handles GET /api/v1/settings. The token is masked.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.settings.View())
}

type settingsRequest struct {
	APIBase  *string `json:"api_base"`
	APIToken *string `json:"api_token"`
}

// PutSettings handles PUT /api/v1/settings. Absent fields are left unchanged.
func (h *Handler) PutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !decode(w, r, &req) {
		return
	}
	if req.APIBase != nil {
		if err := h.settings.SetBase(r.Context(), *req.APIBase); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.APIToken != nil {
		if err := h.settings.SetToken(r.Context(), *req.APIToken); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to save token")
			return
		}
	}
	if h.onChange != nil && (req.APIBase != nil || req.APIToken != nil) {
		h.onChange()
	}
	writeJSON(w, http.StatusOK, h.settings.View())
}

// writeEngineError maps engine and service errors onto bridge responses.
// Service 404 and 409 answers pass through; every other service failure is
// a bad gateway.
func (h *Handler) writeEngineError(w http.ResponseWriter, err error) {
	var se *remote.StatusError
	switch {
	case errors.Is(err, engine.ErrUnsupported):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrNoRemote), errors.Is(err, engine.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &se):
		if se.Code == http.StatusNotFound || se.Code == http.StatusConflict {
			writeError(w, se.Code, se.Error())
			return
		}
		writeError(w, http.StatusBadGateway, se.Error())
	default:
		h.logger.Warn("bridge: service request failed", "error", err)
		writeError(w, http.StatusBadGateway, "service unreachable")
	}
}

func viewParams(r *http.Request) (view.Mode, string, error) {
	q := r.URL.Query()
	mode, err := view.ParseMode(q.Get("mode"))
	return mode, q.Get("origin"), err
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
