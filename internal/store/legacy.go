package store

import (
	"fmt"

	"github.com/matheus3301/tgmirror/internal/peerid"
)

// canonicalMin is the smallest canonical key (user type in the high bits).
const canonicalMin = int64(1) << 32

// NormalizeLegacyKeys rewrites peer references stored in older key
// encodings (signed ids and "$"-prefixed hex) to canonical keys. Messages
// whose rewritten (id, dest) already exists are dropped in favour of the
// canonical row. Returns the number of distinct legacy values rewritten.
func (db *DB) NormalizeLegacyKeys() (int64, error) {
	var rewritten int64
	err := db.Batch(func(tx *Tx) error {
		for _, col := range []string{"src", "fwd_src", "dest"} {
			n, err := tx.normalizeMessageColumn(col)
			if err != nil {
				return err
			}
			rewritten += n
		}
		n, err := tx.normalizePeerInfo()
		if err != nil {
			return err
		}
		rewritten += n
		return nil
	})
	return rewritten, err
}

func (tx *Tx) legacyValues(query string) ([]any, error) {
	rows, err := tx.Query(query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (tx *Tx) normalizeMessageColumn(col string) (int64, error) {
	values, err := tx.legacyValues(fmt.Sprintf(`
		SELECT DISTINCT %[1]s FROM messages
		WHERE %[1]s IS NOT NULL AND %[1]s != 0
			AND (typeof(%[1]s) = 'text' OR %[1]s < %[2]d)`, col, canonicalMin))
	if err != nil {
		return 0, fmt.Errorf("scan legacy %s: %w", col, err)
	}

	var n int64
	for _, old := range values {
		id, err := peerid.Normalize(old)
		if err != nil {
			continue
		}
		if _, err := tx.Exec(fmt.Sprintf(`UPDATE OR IGNORE messages SET %[1]s = ? WHERE %[1]s = ?`, col), id.Key(), old); err != nil {
			return 0, fmt.Errorf("rewrite %s %v: %w", col, old, err)
		}
		if col == "dest" {
			if _, err := tx.Exec(`DELETE FROM messages WHERE dest = ?`, old); err != nil {
				return 0, fmt.Errorf("drop duplicate dest %v: %w", old, err)
			}
		}
		n++
	}
	return n, nil
}

func (tx *Tx) normalizePeerInfo() (int64, error) {
	values, err := tx.legacyValues(fmt.Sprintf(`SELECT id FROM peerinfo WHERE id != 0 AND id < %d`, canonicalMin))
	if err != nil {
		return 0, fmt.Errorf("scan legacy peerinfo: %w", err)
	}

	var n int64
	for _, old := range values {
		id, err := peerid.Normalize(old)
		if err != nil {
			continue
		}
		// Merge into an existing canonical row, keeping the furthest cursor.
		if _, err := tx.Exec(`
			INSERT INTO peerinfo (id, type, print_name, finished, sync_state, updated_at)
			SELECT ?, ?, print_name, finished, sync_state, updated_at FROM peerinfo WHERE id = ?
			ON CONFLICT(id) DO UPDATE SET
				print_name = CASE WHEN peerinfo.print_name = '' THEN excluded.print_name ELSE peerinfo.print_name END,
				finished = CASE
					WHEN peerinfo.finished IS NULL THEN excluded.finished
					WHEN excluded.finished IS NULL THEN peerinfo.finished
					ELSE MAX(peerinfo.finished, excluded.finished)
				END`,
			id.Key(), id.Type.String(), old); err != nil {
			return 0, fmt.Errorf("rewrite peerinfo %v: %w", old, err)
		}
		if _, err := tx.Exec(`DELETE FROM peerinfo WHERE id = ?`, old); err != nil {
			return 0, fmt.Errorf("drop legacy peerinfo %v: %w", old, err)
		}
		n++
	}
	return n, nil
}
