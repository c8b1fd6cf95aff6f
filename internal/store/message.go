package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/tgmirror/internal/peerid"
)

const messageColumns = `id, src, dest, text, media, date, fwd_src, fwd_date, reply_id, out, unread, service, action, flags`

// UpsertMessage records m idempotently on (id, dest). An existing row is
// only replaced when m carries nonzero flags and the stored row does not,
// which finalizes a stub seen before its full content. Reports whether the
// row was newly created.
func (db *DB) UpsertMessage(m *Message) (bool, error) {
	return upsertMessage(db, m)
}

// UpsertMessage is the transactional variant of DB.UpsertMessage.
func (tx *Tx) UpsertMessage(m *Message) (bool, error) {
	return upsertMessage(tx, m)
}

func upsertMessage(ex execer, m *Message) (bool, error) {
	res, err := ex.Exec(`
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, dest) DO NOTHING`,
		m.ID, m.Src, m.Dest, m.Text, m.Media, m.Date, m.FwdSrc, m.FwdDate, m.ReplyID,
		m.Out, m.Unread, m.Service, m.Action, m.Flags)
	if err != nil {
		return false, fmt.Errorf("insert message %d/%d: %w", m.ID, m.Dest, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if m.Flags == 0 {
		return false, nil
	}

	if _, err := ex.Exec(`
		UPDATE messages SET
			src = ?, text = ?, media = ?, date = ?, fwd_src = ?, fwd_date = ?, reply_id = ?,
			out = ?, unread = ?, service = ?, action = ?, flags = ?
		WHERE id = ? AND dest = ? AND COALESCE(flags, 0) = 0`,
		m.Src, m.Text, m.Media, m.Date, m.FwdSrc, m.FwdDate, m.ReplyID,
		m.Out, m.Unread, m.Service, m.Action, m.Flags,
		m.ID, m.Dest); err != nil {
		return false, fmt.Errorf("finalize message %d/%d: %w", m.ID, m.Dest, err)
	}
	return false, nil
}

// GetMessage returns a single message, or nil when it is not recorded.
func (db *DB) GetMessage(id, dest int64) (*Message, error) {
	row := db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ? AND dest = ?`, id, dest)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMessages returns the messages of one destination ordered by id.
func (db *DB) ListMessages(dest int64, afterID int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.Query(`
		SELECT `+messageColumns+`
		FROM messages
		WHERE dest = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?`, dest, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// Namespace is an id space in which message ids are unique. The zero value
// is the account's own space (direct messages and basic chats); channels
// each have their own. Secret chats carry random ids and belong to none.
type Namespace struct {
	Channel int64
}

// IsChannel reports whether ns is a channel namespace.
func (ns Namespace) IsChannel() bool {
	return ns.Channel != 0
}

// Namespaces returns the self namespace followed by every channel that has
// at least one recorded message.
func (db *DB) Namespaces() ([]Namespace, error) {
	rows, err := db.Query(`SELECT DISTINCT dest FROM messages WHERE (dest >> 32) = ? ORDER BY dest`, int64(peerid.Channel))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	out := []Namespace{{}}
	for rows.Next() {
		var dest int64
		if err := rows.Scan(&dest); err != nil {
			return nil, err
		}
		out = append(out, Namespace{Channel: dest})
	}
	return out, rows.Err()
}

// MessageIDs returns the sorted distinct message ids recorded in ns.
func (db *DB) MessageIDs(ns Namespace) ([]int64, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if ns.IsChannel() {
		rows, err = db.Query(`SELECT id FROM messages WHERE dest = ? ORDER BY id`, ns.Channel)
	} else {
		rows, err = db.Query(`SELECT DISTINCT id FROM messages WHERE (dest >> 32) IN (?, ?) ORDER BY id`,
			int64(peerid.User), int64(peerid.Chat))
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkMissing records that id does not exist in ns.
func (db *DB) MarkMissing(ns Namespace, id int64) error {
	_, err := db.Exec(`INSERT INTO missing_messages (ns, id, checked_at) VALUES (?, ?, ?)
		ON CONFLICT(ns, id) DO UPDATE SET checked_at = excluded.checked_at`,
		ns.Channel, id, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("mark missing %d in %d: %w", id, ns.Channel, err)
	}
	return nil
}

// MissingIDs returns the ids of ns recorded as nonexistent, ascending.
func (db *DB) MissingIDs(ns Namespace) ([]int64, error) {
	rows, err := db.Query(`SELECT id FROM missing_messages WHERE ns = ? ORDER BY id`, ns.Channel)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MessageCount returns the total number of messages.
func (db *DB) MessageCount() (int64, error) {
	var count int64
	err := db.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*Message, error) {
	var m Message
	var src, date, fwdSrc, fwdDate, replyID sql.NullInt64
	var text, media, action sql.NullString
	if err := r.Scan(&m.ID, &src, &m.Dest, &text, &media, &date, &fwdSrc, &fwdDate, &replyID,
		&m.Out, &m.Unread, &m.Service, &action, &m.Flags); err != nil {
		return nil, err
	}
	m.Src = nullInt(src)
	m.Date = nullInt(date)
	m.FwdSrc = nullInt(fwdSrc)
	m.FwdDate = nullInt(fwdDate)
	m.ReplyID = nullInt(replyID)
	m.Text = nullString(text)
	m.Media = nullString(media)
	m.Action = nullString(action)
	return &m, nil
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return ptr(v.Int64)
}

func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	return ptr(v.String)
}
