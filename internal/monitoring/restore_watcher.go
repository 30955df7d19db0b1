package monitoring

import (
	"context"
	"errors"
	"time"

	"github.com/isdelr/vaultkeep/internal/journal"
	"github.com/isdelr/vaultkeep/internal/metrics"
	"github.com/isdelr/vaultkeep/internal/websocket"
	"github.com/rs/zerolog"
)

// Broadcaster pushes messages to connected clients.
type Broadcaster interface {
	BroadcastJSON(msg websocket.Message) error
}

// RestoreWatcher polls the journal and publishes every change. When a restore
// reaches a terminal state it calls onFinish, which in serve mode shuts the
// process down so the next start reconciles against a fresh database handle.
type RestoreWatcher struct {
	store    *journal.Store
	hub      Broadcaster
	metrics  *metrics.Metrics
	interval time.Duration
	onFinish func(*journal.Record)
	log      zerolog.Logger

	started time.Time
	active  bool
	last    []byte
}

// NewRestoreWatcher creates a watcher. onFinish may be nil.
func NewRestoreWatcher(store *journal.Store, hub Broadcaster, m *metrics.Metrics, interval time.Duration, onFinish func(*journal.Record), logger zerolog.Logger) *RestoreWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &RestoreWatcher{
		store:    store,
		hub:      hub,
		metrics:  m,
		interval: interval,
		onFinish: onFinish,
		started:  time.Now(),
		log:      logger.With().Str("component", "restore-watcher").Logger(),
	}
}

// Serve polls until ctx is done.
func (w *RestoreWatcher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.Check()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (w *RestoreWatcher) String() string { return "restore-watcher" }

// Check reads the journal once and broadcasts it if it changed since the last call.
func (w *RestoreWatcher) Check() {
	raw, err := w.store.ReadRaw()
	if errors.Is(err, journal.ErrAbsent) {
		w.metrics.SetRestoreInProgress(false)
		if w.last != nil {
			w.last = nil
			w.publish(nil)
		}
		return
	}
	if err != nil {
		w.log.Warn().Err(err).Msg("Failed to read restore journal")
		return
	}
	w.metrics.SetRestoreInProgress(true)
	if string(raw) == string(w.last) {
		return
	}
	w.last = raw

	rec, err := journal.Decode(raw)
	if err != nil {
		// Possibly mid-write on a platform without atomic rename; next tick retries.
		w.log.Debug().Err(err).Msg("Restore journal not decodable yet")
		w.last = nil
		return
	}
	w.publish(rec)
	if !rec.Status.Terminal() {
		w.active = true
		return
	}
	// A terminal journal left over from before this process started is the
	// coordinator's business, not a restore this process should react to.
	if w.active || (rec.CompletedAt != nil && rec.CompletedAt.After(w.started)) {
		w.log.Info().Str("status", string(rec.Status)).Str("backup", rec.BackupFile).Msg("Restore finished")
		if w.onFinish != nil {
			w.onFinish(rec)
		}
	}
}

func (w *RestoreWatcher) publish(rec *journal.Record) {
	if w.hub == nil {
		return
	}
	if err := w.hub.BroadcastJSON(websocket.NewRestoreStatusMessage(rec)); err != nil {
		w.log.Warn().Err(err).Msg("Failed to broadcast restore status")
	}
}
