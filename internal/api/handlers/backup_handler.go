package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/isdelr/vaultkeep/internal/models"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/rs/zerolog/log"
)

const dateLayout = "2006-01-02"

// BackupHandler handles HTTP requests related to backups.
type BackupHandler struct {
	service  services.BackupServiceProvider
	restores services.RestoreServiceProvider
	now      func() time.Time
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(service services.BackupServiceProvider, restores services.RestoreServiceProvider) *BackupHandler {
	return &BackupHandler{service: service, restores: restores, now: time.Now}
}

// GetAll lists backups. Query parameters: keyword, kind, from, to (YYYY-MM-DD
// or RFC 3339), days_back, sort_by, order (asc|desc) and verify.
func (h *BackupHandler) GetAll(w http.ResponseWriter, r *http.Request) {
	opts, err := h.listOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	backups, err := h.service.ListBackups(r.Context(), opts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list backups")
		writeError(w, http.StatusInternalServerError, "Failed to list backups")
		return
	}
	writeJSON(w, http.StatusOK, backups)
}

func (h *BackupHandler) listOptions(r *http.Request) (services.ListOptions, error) {
	q := r.URL.Query()
	opts := services.ListOptions{
		Keywords: q.Get("keyword"),
		SortBy:   services.SortByCreatedAt,
		Desc:     true,
	}
	if kind := q.Get("kind"); kind != "" {
		k, err := models.ParseBackupKind(kind)
		if err != nil {
			return opts, err
		}
		opts.Kind = k
	}
	if v := q.Get("from"); v != "" {
		t, err := parseTime(v, false)
		if err != nil {
			return opts, errors.New("invalid from: " + v)
		}
		opts.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := parseTime(v, true)
		if err != nil {
			return opts, errors.New("invalid to: " + v)
		}
		opts.To = &t
	}
	if v := q.Get("days_back"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days < 0 {
			return opts, errors.New("invalid days_back: " + v)
		}
		from := h.now().AddDate(0, 0, -days)
		if opts.From == nil || from.After(*opts.From) {
			opts.From = &from
		}
	}
	switch by := q.Get("sort_by"); by {
	case "":
	case services.SortByCreatedAt, services.SortByFilename, services.SortByKind, services.SortBySize:
		opts.SortBy = by
	default:
		return opts, errors.New("invalid sort_by: " + by)
	}
	switch order := strings.ToLower(q.Get("order")); order {
	case "", "desc":
	case "asc":
		opts.Desc = false
	default:
		return opts, errors.New("invalid order: " + order)
	}
	if v := q.Get("verify"); v != "" {
		verify, err := strconv.ParseBool(v)
		if err != nil {
			return opts, errors.New("invalid verify: " + v)
		}
		opts.Verify = verify
	}
	return opts, nil
}

// parseTime accepts a date or an RFC 3339 timestamp. A bare date used as an
// upper bound covers the whole day.
func parseTime(v string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(dateLayout, v, time.Local)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return t, nil
}

// Create takes a user_full backup and returns it.
func (h *BackupHandler) Create(w http.ResponseWriter, r *http.Request) {
	backup, err := h.service.CreateBackup(r.Context(), models.KindUserFull)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create backup")
		writeError(w, http.StatusInternalServerError, "Failed to create backup: "+err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, backup)
}

// Verify checks one backup.
func (h *BackupHandler) Verify(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	integrity, err := h.service.VerifyBackup(r.Context(), filename)
	if err != nil {
		h.writeServiceError(w, err, filename)
		return
	}
	writeJSON(w, http.StatusOK, integrity)
}

// Delete handles the request to delete a backup.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	if err := h.service.DeleteBackup(filename); err != nil {
		h.writeServiceError(w, err, filename)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Restore starts a restore worker for the backup and returns without waiting for it.
func (h *BackupHandler) Restore(w http.ResponseWriter, r *http.Request) {
	filename := chi.URLParam(r, "filename")
	started, err := h.restores.StartRestore(r.Context(), filename)
	if err != nil {
		h.writeServiceError(w, err, filename)
		return
	}
	writeJSON(w, http.StatusAccepted, started)
}

func (h *BackupHandler) writeServiceError(w http.ResponseWriter, err error, filename string) {
	switch {
	case errors.Is(err, services.ErrInvalidFilename):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, services.ErrConcurrentRestore), errors.Is(err, services.ErrReconcilePending):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.Error().Err(err).Str("filename", filename).Msg("Backup request failed")
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
