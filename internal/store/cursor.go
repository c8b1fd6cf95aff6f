package store

import (
	"fmt"
	"time"

	"github.com/matheus3301/tgmirror/internal/peerid"
)

// SetCursor persists the history cursor of a dialog. The stored value never
// decreases; a smaller cursor only updates the state.
func (db *DB) SetCursor(key, cursor int64, state SyncState) error {
	_, err := db.Exec(`
		INSERT INTO peerinfo (id, type, finished, sync_state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			finished = MAX(COALESCE(peerinfo.finished, 0), excluded.finished),
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at`,
		key, typeOfKey(key), cursor, string(state), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("set cursor %d: %w", key, err)
	}
	return nil
}

// MarkState sets the sync state of a dialog without moving its cursor.
func (db *DB) MarkState(key int64, state SyncState) error {
	_, err := db.Exec(`
		INSERT INTO peerinfo (id, type, sync_state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			sync_state = excluded.sync_state,
			updated_at = excluded.updated_at`,
		key, typeOfKey(key), string(state), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark state %d: %w", key, err)
	}
	return nil
}

// StateCounts returns how many dialogs are in each sync state.
func (db *DB) StateCounts() (map[SyncState]int64, error) {
	rows, err := db.Query(`SELECT sync_state, COUNT(*) FROM peerinfo GROUP BY sync_state`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[SyncState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		counts[SyncState(state)] = n
	}
	return counts, rows.Err()
}

func typeOfKey(key int64) string {
	id, err := peerid.FromKey(key)
	if err != nil {
		return peerid.Unknown.String()
	}
	return id.Type.String()
}
