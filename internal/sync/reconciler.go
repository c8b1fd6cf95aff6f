package sync

import (
	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/store"
)

// Reconciler manages per-dialog history checkpoints: the cursor and the
// sync state stored on the peer's identity row.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

// Checkpoint returns the persisted cursor and state of a dialog. A dialog
// never synced reports a zero cursor and Unsynced.
func (r *Reconciler) Checkpoint(key int64) (int64, store.SyncState, error) {
	info, err := r.db.GetPeerInfo(key)
	if err != nil {
		return 0, "", storeErr(err)
	}
	if info == nil {
		return 0, store.Unsynced, nil
	}
	var cursor int64
	if info.Cursor != nil {
		cursor = *info.Cursor
	}
	state := info.State
	if state == "" {
		state = store.Unsynced
	}
	return cursor, state, nil
}

// Begin marks a dialog's first sync as under way.
func (r *Reconciler) Begin(key int64) error {
	return storeErr(r.db.MarkState(key, store.Bootstrapping))
}

// Advance persists a cursor reached mid-pass.
func (r *Reconciler) Advance(key, cursor int64) error {
	return storeErr(r.db.SetCursor(key, cursor, store.Advancing))
}

// Complete marks a dialog caught up. A zero cursor leaves the stored one
// in place.
func (r *Reconciler) Complete(key, cursor int64) error {
	if cursor <= 0 {
		return storeErr(r.db.MarkState(key, store.CaughtUp))
	}
	if err := r.db.SetCursor(key, cursor, store.CaughtUp); err != nil {
		return storeErr(err)
	}
	r.logger.Debug("dialog caught up", zap.Int64("key", key), zap.Int64("cursor", cursor))
	return nil
}
