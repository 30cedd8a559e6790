// Package httpapi is the HTTP control surface for recordings.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"ai-speech-sentence-service/internal/language"
	"ai-speech-sentence-service/internal/models"
	"ai-speech-sentence-service/internal/observability/logging"
	"ai-speech-sentence-service/internal/service/enhance"
	"ai-speech-sentence-service/internal/service/session"
	"ai-speech-sentence-service/internal/service/transport"
)

const maxBody = 64 << 10

// Recorder drives recordings. *session.Supervisor implements it.
type Recorder interface {
	EnsurePermission(ctx context.Context) error
	SupportedLanguages(ctx context.Context) ([]string, error)
	Start(ctx context.Context, languageTag string) error
	Stop(ctx context.Context) ([]models.Sentence, error)
	Snapshot() session.Info
	RemoveSentence(id string) bool
}

// History lists and clears completed recordings.
type History interface {
	Entries() []models.HistoryEntry
	Clear(ctx context.Context) error
}

// Enhancer refines and analyzes text.
type Enhancer interface {
	Refine(ctx context.Context, text, languageTag string) string
	Analyze(ctx context.Context, text, languageTag string) enhance.Analysis
}

// Speaker plays text aloud.
type Speaker interface {
	Speak(ctx context.Context, text, languageTag string) bool
}

// Deps are the collaborators behind the routes. Device and Ready are optional.
type Deps struct {
	Recorder  Recorder
	History   History
	Enhancer  Enhancer
	Speaker   Speaker
	Device    http.Handler
	Ready     func() bool
	Languages []string // configured catalog subset
	Logger    *zerolog.Logger
}

type handler struct {
	Deps
	logger zerolog.Logger
}

// NewRouter constructs the HTTP router for the service.
func NewRouter(d Deps) http.Handler {
	h := &handler{Deps: d, logger: logging.WithComponent("http")}
	if d.Logger != nil {
		h.logger = *d.Logger
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(h.logger))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Dur("duration", d).
			Msg("HTTP request")
	}))
	r.Use(middleware.Recoverer)

	r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
		if d.Ready != nil && !d.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/languages", h.languages)
		r.Post("/permission", h.permission)

		r.Route("/recording", func(r chi.Router) {
			r.Get("/", h.recording)
			r.Post("/start", h.start)
			r.Post("/stop", h.stop)
			r.Delete("/sentences/{id}", h.removeSentence)
		})

		r.Get("/history", h.history)
		r.Delete("/history", h.clearHistory)

		r.Post("/enhance", h.enhance)
		r.Post("/analyze", h.analyze)
		r.Post("/speak", h.speak)

		if d.Device != nil {
			r.Handle("/device", d.Device)
		}
	})
	return r
}

type textRequest struct {
	Text        string `json:"text"`
	LanguageTag string `json:"languageTag"`
}

type startRequest struct {
	LanguageTag string `json:"languageTag"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) languages(w http.ResponseWriter, r *http.Request) {
	langs := language.Filter(h.Languages)
	if tags, err := h.Recorder.SupportedLanguages(r.Context()); err == nil && len(tags) > 0 {
		supported := make(map[string]bool, len(tags))
		for _, t := range tags {
			supported[t] = true
		}
		kept := langs[:0]
		for _, l := range langs {
			if supported[l.Tag] {
				kept = append(kept, l)
			}
		}
		langs = kept
	} else if err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("Transport language list unavailable, using catalog")
	}
	writeJSON(w, http.StatusOK, map[string]any{"languages": langs, "default": language.DefaultTag})
}

func (h *handler) permission(w http.ResponseWriter, r *http.Request) {
	err := h.Recorder.EnsurePermission(r.Context())
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]bool{"granted": true})
	case errors.Is(err, transport.ErrPermissionDenied):
		writeJSON(w, http.StatusOK, map[string]bool{"granted": false})
	default:
		h.fail(w, r, err)
	}
}

func (h *handler) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
	}
	if err := h.Recorder.EnsurePermission(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.Recorder.Start(r.Context(), req.LanguageTag); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.Recorder.Snapshot())
}

func (h *handler) stop(w http.ResponseWriter, r *http.Request) {
	sentences, err := h.Recorder.Stop(r.Context())
	if errors.Is(err, session.ErrNotActive) {
		h.fail(w, r, err)
		return
	}
	if sentences == nil {
		sentences = []models.Sentence{}
	}
	resp := map[string]any{"sentences": sentences}
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("Recording stopped with errors")
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) recording(w http.ResponseWriter, r *http.Request) {
	info := h.Recorder.Snapshot()
	if info.Sentences == nil {
		info.Sentences = []models.Sentence{}
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) removeSentence(w http.ResponseWriter, r *http.Request) {
	if !h.Recorder.RemoveSentence(chi.URLParam(r, "id")) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "sentence not found"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	entries := h.History.Entries()
	if entries == nil {
		entries = []models.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handler) clearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.History.Clear(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) enhance(w http.ResponseWriter, r *http.Request) {
	req, ok := h.textRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"text": h.Enhancer.Refine(r.Context(), req.Text, req.LanguageTag)})
}

func (h *handler) analyze(w http.ResponseWriter, r *http.Request) {
	req, ok := h.textRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.Enhancer.Analyze(r.Context(), req.Text, req.LanguageTag))
}

func (h *handler) speak(w http.ResponseWriter, r *http.Request) {
	req, ok := h.textRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": h.Speaker.Speak(r.Context(), req.Text, req.LanguageTag)})
}

func (h *handler) textRequest(w http.ResponseWriter, r *http.Request) (textRequest, bool) {
	var req textRequest
	if err := decode(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return req, false
	}
	if strings.TrimSpace(req.Text) == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "text is required"})
		return req, false
	}
	if req.LanguageTag == "" {
		req.LanguageTag = language.DefaultTag
	}
	return req, true
}

// fail maps service errors to status codes.
func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrAlreadyActive):
		status = http.StatusConflict
	case errors.Is(err, session.ErrNotActive):
		status = http.StatusConflict
	case errors.Is(err, session.ErrUnsupportedLanguage):
		status = http.StatusBadRequest
	case errors.Is(err, transport.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, transport.ErrTransportUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		hlog.FromRequest(r).Error().Err(err).Msg("Request failed")
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
