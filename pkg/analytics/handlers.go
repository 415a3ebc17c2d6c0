package analytics

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/erfianugrah/forminator-sub000/pkg/api"
)

// Handler serves the analytics routes. The API-key gate is applied by the
// caller around the whole surface.
type Handler struct {
	svc      *Service
	archiver *Archiver // nil when no archive backend is configured
	logger   *slog.Logger
}

// NewHandler builds the analytics handler.
func NewHandler(svc *Service, archiver *Archiver, logger *slog.Logger) *Handler {
	return &Handler{svc: svc, archiver: archiver, logger: logger}
}

// Register attaches the routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/analytics/stats", h.handleStats)
	mux.HandleFunc("GET /api/analytics/submissions", h.handleSubmissions)
	mux.HandleFunc("GET /api/analytics/submissions/{id}", h.handleSubmissionByID)
	mux.HandleFunc("GET /api/analytics/blocked", h.handleBlocked)
	mux.HandleFunc("GET /api/analytics/countries", h.handleCountries)
	mux.HandleFunc("GET /api/analytics/bot-scores", h.handleBotScores)
	mux.HandleFunc("GET /api/analytics/export", h.handleExport)
	mux.HandleFunc("POST /api/analytics/export/archive", h.handleArchive)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.Submissions(r.Context(), ParseFilters(r.URL.Query()))
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleSubmissionByID(w http.ResponseWriter, r *http.Request) {
	sub, err := h.svc.SubmissionByID(r.Context(), r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		api.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "Not found"})
		return
	}
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleBlocked(w http.ResponseWriter, r *http.Request) {
	page, err := h.svc.Blocked(r.Context(), ParseFilters(r.URL.Query()))
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, page)
}

func (h *Handler) handleCountries(w http.ResponseWriter, r *http.Request) {
	counts, err := h.svc.Countries(r.Context())
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, counts)
}

func (h *Handler) handleBotScores(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.svc.BotScores(r.Context())
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, buckets)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	rows, err := h.svc.ExportRows(r.Context(), ParseFilters(r.URL.Query()))
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	body, contentType, err := EncodeExport(rows, r.URL.Query().Get("format"))
	if err != nil {
		api.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *Handler) handleArchive(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		api.WriteJSON(w, http.StatusNotImplemented,
			map[string]string{"error": "No archive backend configured"})
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatJSON
	}
	rows, err := h.svc.ExportRows(r.Context(), ParseFilters(r.URL.Query()))
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	body, contentType, err := EncodeExport(rows, format)
	if err != nil {
		api.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	key, err := h.archiver.Archive(r.Context(), format, body, contentType)
	if err != nil {
		api.WriteInternal(w, h.logger, err)
		return
	}
	h.logger.Info("export archived", "key", key, "rows", len(rows), "format", format)
	api.WriteJSON(w, http.StatusOK, map[string]any{"archived": true, "key": key, "rows": len(rows)})
}
