package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/logger"
	"github.com/notesd/apiserver/internal/services"
	"github.com/notesd/apiserver/internal/storage"
	"github.com/notesd/apiserver/internal/store"
	"github.com/notesd/apiserver/internal/tasks"
	"github.com/notesd/apiserver/types"
	"go.uber.org/zap"
)

const (
	defaultLimit = 50
	maxLimit     = 100
)

// NoteHandler provides HTTP handlers for the caller's notes. Every route
// runs behind RequireAuth and uses the request-scoped lease.
type NoteHandler struct {
	notes   *services.NoteService
	exports *services.ExportService
	queue   TaskQueue
	log     *zap.Logger
}

// NewNoteHandler constructs a handler. exports and queue may be nil, in
// which case export routes answer 503.
func NewNoteHandler(notes *services.NoteService, exports *services.ExportService, queue TaskQueue, log *zap.Logger) *NoteHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &NoteHandler{notes: notes, exports: exports, queue: queue, log: log}
}

// NoteRouter registers note routes on the given router. Export routes only
// talk to object storage, so they authenticate with requireSubject and hold
// no pooled connection.
func NoteRouter(r chi.Router, handler *NoteHandler, requireAuth, requireSubject func(http.Handler) http.Handler) {
	r.With(requireSubject).Post("/export", handler.StartExport)
	r.With(requireSubject).Get("/export/{exportID}", handler.GetExport)

	r.Group(func(r chi.Router) {
		r.Use(requireAuth)
		r.Get("/", handler.ListNotes)
		r.Post("/", handler.CreateNote)
		r.Route("/{noteID}", func(r chi.Router) {
			r.Get("/", handler.GetNote)
			r.Put("/", handler.UpdateNote)
			r.Delete("/", handler.DeleteNote)
		})
	})
}

type NoteRequest struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type ExportResponse struct {
	ID  string `json:"id"`
	Key string `json:"key"`
}

// requestScope returns the caller and the lease set by RequireAuth.
func requestScope(w http.ResponseWriter, r *http.Request) (uuid.UUID, *db.Lease, bool) {
	userID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return uuid.Nil, nil, false
	}
	lease, ok := LeaseFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal error")
		return uuid.Nil, nil, false
	}
	return userID, lease, true
}

func (h *NoteHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	userID, lease, ok := requestScope(w, r)
	if !ok {
		return
	}
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	search := strings.TrimSpace(r.URL.Query().Get("search"))

	items, err := h.notes.List(r.Context(), lease, userID, search, limit, offset)
	if err != nil {
		h.fail(w, r, "list notes", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *NoteHandler) CreateNote(w http.ResponseWriter, r *http.Request) {
	userID, lease, ok := requestScope(w, r)
	if !ok {
		return
	}
	var req NoteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	note, err := h.notes.Create(r.Context(), lease, userID, req.Title, req.Content)
	if err != nil {
		h.fail(w, r, "create note", err)
		return
	}
	writeJSON(w, http.StatusCreated, note)
}

func (h *NoteHandler) GetNote(w http.ResponseWriter, r *http.Request) {
	userID, lease, ok := requestScope(w, r)
	if !ok {
		return
	}
	id, err := parseNoteID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	note, err := h.notes.Get(r.Context(), lease, userID, id)
	if err != nil {
		h.fail(w, r, "get note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (h *NoteHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	userID, lease, ok := requestScope(w, r)
	if !ok {
		return
	}
	id, err := parseNoteID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	var req types.NoteUpdate
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		req.Title = &title
	}

	note, err := h.notes.Update(r.Context(), lease, userID, id, req)
	if err != nil {
		h.fail(w, r, "update note", err)
		return
	}
	writeJSON(w, http.StatusOK, note)
}

func (h *NoteHandler) DeleteNote(w http.ResponseWriter, r *http.Request) {
	userID, lease, ok := requestScope(w, r)
	if !ok {
		return
	}
	id, err := parseNoteID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.notes.Delete(r.Context(), lease, userID, id); err != nil {
		h.fail(w, r, "delete note", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartExport schedules a snapshot of the caller's notes and returns the
// object key it will be written to.
func (h *NoteHandler) StartExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	if !h.exports.Enabled() || h.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "exports are not configured")
		return
	}

	exportID, err := h.exports.Start()
	if err != nil {
		h.fail(w, r, "start export", err)
		return
	}
	key, err := storage.ExportKey(userID, exportID)
	if err != nil {
		h.fail(w, r, "start export", err)
		return
	}

	queued := h.queue.Enqueue(tasks.Task{
		Name: "export_notes",
		Run: func(ctx context.Context) error {
			return h.exports.Run(ctx, userID, exportID)
		},
	})
	if !queued {
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusServiceUnavailable, "export queue is full")
		return
	}
	writeJSON(w, http.StatusAccepted, ExportResponse{ID: exportID, Key: key})
}

// GetExport streams a finished export owned by the caller.
func (h *NoteHandler) GetExport(w http.ResponseWriter, r *http.Request) {
	userID, ok := SubjectFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}
	if !h.exports.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "exports are not configured")
		return
	}

	rc, err := h.exports.Open(r.Context(), userID, chi.URLParam(r, "exportID"))
	switch {
	case errors.Is(err, storage.ErrInvalidExportID):
		writeError(w, http.StatusBadRequest, "invalid export id")
		return
	case errors.Is(err, storage.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "export not found")
		return
	case err != nil:
		logger.From(r.Context(), h.log).Error("open export", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read export")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (h *NoteHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "note not found")
	case errors.Is(err, services.ErrExportsDisabled):
		writeError(w, http.StatusServiceUnavailable, "exports are not configured")
	case errors.Is(err, context.Canceled):
	default:
		logger.From(r.Context(), h.log).Error(op, zap.Error(err))
		writePoolError(w, err, "failed to "+op)
	}
}

func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = defaultLimit

	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, errors.New("invalid limit")
		}
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		offset, err = strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return 0, 0, errors.New("invalid offset")
		}
	}
	return limit, offset, nil
}

func parseNoteID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "noteID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, errors.New("invalid note id")
	}
	return id, nil
}
