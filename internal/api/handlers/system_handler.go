package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/services"
	"github.com/isdelr/vaultkeep/internal/settings"
	"github.com/rs/zerolog/log"
)

// SettingsProvider reads and updates runtime backup settings.
type SettingsProvider interface {
	Backup(ctx context.Context) (settings.BackupSettings, error)
	UpdateBackup(ctx context.Context, s settings.BackupSettings) error
}

// SystemHandler serves restore and reconciliation state and runtime settings.
type SystemHandler struct {
	system   services.SystemServiceProvider
	restores services.RestoreServiceProvider
	settings SettingsProvider
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(system services.SystemServiceProvider, restores services.RestoreServiceProvider, settings SettingsProvider) *SystemHandler {
	return &SystemHandler{system: system, restores: restores, settings: settings}
}

// Health reports liveness without touching the database.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "ok",
		"restore_in_progress": h.restores.InProgress(),
	})
}

// Status returns the last reconciliation report.
func (h *SystemHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.system.Status())
}

// RestoreStatus returns the live journal.
func (h *SystemHandler) RestoreStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := h.restores.Status()
	switch {
	case errors.Is(err, journal.ErrAbsent):
		writeError(w, http.StatusNotFound, "no restore in progress")
	case errors.Is(err, journal.ErrCorrupt):
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		log.Error().Err(err).Msg("Failed to read restore journal")
		writeError(w, http.StatusInternalServerError, "Failed to read restore status")
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// GetBackupSettings returns the runtime backup settings.
func (h *SystemHandler) GetBackupSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.settings.Backup(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to load backup settings")
		writeError(w, http.StatusInternalServerError, "Failed to load backup settings")
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// UpdateBackupSettings replaces the runtime backup settings.
func (h *SystemHandler) UpdateBackupSettings(w http.ResponseWriter, r *http.Request) {
	var s settings.BackupSettings
	if err := json.NewDecoder(r.Body).Decode(&s); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := h.settings.UpdateBackup(r.Context(), s); err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		log.Error().Err(err).Msg("Failed to update backup settings")
		writeError(w, http.StatusInternalServerError, "Failed to update backup settings")
		return
	}
	writeJSON(w, http.StatusOK, s)
}
