package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/matheus3301/tgmirror/internal/peerid"
)

// UpsertUser inserts or updates a user row. Empty incoming attributes and a
// zero access hash never overwrite known values.
func (db *DB) UpsertUser(u *User) error { return upsertUser(db, u) }

// UpsertUser is the transactional variant of DB.UpsertUser.
func (tx *Tx) UpsertUser(u *User) error { return upsertUser(tx, u) }

func upsertUser(ex execer, u *User) error {
	_, err := ex.Exec(`
		INSERT INTO users (id, access_hash, phone, username, first_name, last_name, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_hash = CASE WHEN excluded.access_hash != 0 THEN excluded.access_hash ELSE users.access_hash END,
			phone = CASE WHEN excluded.phone != '' THEN excluded.phone ELSE users.phone END,
			username = CASE WHEN excluded.username != '' THEN excluded.username ELSE users.username END,
			first_name = CASE WHEN excluded.first_name != '' THEN excluded.first_name ELSE users.first_name END,
			last_name = CASE WHEN excluded.last_name != '' THEN excluded.last_name ELSE users.last_name END,
			flags = excluded.flags`,
		u.ID, u.AccessHash, u.Phone, u.Username, u.FirstName, u.LastName, u.Flags)
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

// UpsertChat inserts or updates a basic chat row.
func (db *DB) UpsertChat(c *Chat) error { return upsertChat(db, c) }

// UpsertChat is the transactional variant of DB.UpsertChat.
func (tx *Tx) UpsertChat(c *Chat) error { return upsertChat(tx, c) }

func upsertChat(ex execer, c *Chat) error {
	_, err := ex.Exec(`
		INSERT INTO chats (id, access_hash, title, members_num, flags)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_hash = CASE WHEN excluded.access_hash != 0 THEN excluded.access_hash ELSE chats.access_hash END,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE chats.title END,
			members_num = CASE WHEN excluded.members_num != 0 THEN excluded.members_num ELSE chats.members_num END,
			flags = excluded.flags`,
		c.ID, c.AccessHash, c.Title, c.MembersNum, c.Flags)
	if err != nil {
		return fmt.Errorf("upsert chat %d: %w", c.ID, err)
	}
	return nil
}

// UpsertChannel inserts or updates a channel row.
func (db *DB) UpsertChannel(c *Channel) error { return upsertChannel(db, c) }

// UpsertChannel is the transactional variant of DB.UpsertChannel.
func (tx *Tx) UpsertChannel(c *Channel) error { return upsertChannel(tx, c) }

func upsertChannel(ex execer, c *Channel) error {
	_, err := ex.Exec(`
		INSERT INTO channels (id, access_hash, title, participants_count, admins_count, kicked_count, flags)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_hash = CASE WHEN excluded.access_hash != 0 THEN excluded.access_hash ELSE channels.access_hash END,
			title = CASE WHEN excluded.title != '' THEN excluded.title ELSE channels.title END,
			participants_count = CASE WHEN excluded.participants_count != 0 THEN excluded.participants_count ELSE channels.participants_count END,
			admins_count = CASE WHEN excluded.admins_count != 0 THEN excluded.admins_count ELSE channels.admins_count END,
			kicked_count = CASE WHEN excluded.kicked_count != 0 THEN excluded.kicked_count ELSE channels.kicked_count END,
			flags = excluded.flags`,
		c.ID, c.AccessHash, c.Title, c.ParticipantsCount, c.AdminsCount, c.KickedCount, c.Flags)
	if err != nil {
		return fmt.Errorf("upsert channel %d: %w", c.ID, err)
	}
	return nil
}

// UpsertPeerInfo records a peer in the identity map. The cursor and sync
// state are owned by the sync engine and are left untouched here.
func (db *DB) UpsertPeerInfo(p *PeerInfo) error { return upsertPeerInfo(db, p) }

// UpsertPeerInfo is the transactional variant of DB.UpsertPeerInfo.
func (tx *Tx) UpsertPeerInfo(p *PeerInfo) error { return upsertPeerInfo(tx, p) }

func upsertPeerInfo(ex execer, p *PeerInfo) error {
	_, err := ex.Exec(`
		INSERT INTO peerinfo (id, type, print_name, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			print_name = CASE WHEN excluded.print_name != '' THEN excluded.print_name ELSE peerinfo.print_name END,
			updated_at = excluded.updated_at`,
		p.Key, p.Type, p.PrintName, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("upsert peerinfo %d: %w", p.Key, err)
	}
	return nil
}

const peerInfoColumns = `id, type, print_name, finished, sync_state`

// GetPeerInfo returns the identity row for key, or nil when unknown.
func (db *DB) GetPeerInfo(key int64) (*PeerInfo, error) {
	p, err := scanPeerInfo(db.QueryRow(`SELECT `+peerInfoColumns+` FROM peerinfo WHERE id = ?`, key))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// FindPeersByName returns peers whose display name equals name exactly.
func (db *DB) FindPeersByName(name string) ([]PeerInfo, error) {
	return db.queryPeerInfo(`SELECT `+peerInfoColumns+` FROM peerinfo WHERE print_name = ? ORDER BY id`, name)
}

// SearchPeers returns peers whose display name contains substr,
// case-insensitively for ASCII.
func (db *DB) SearchPeers(substr string, limit int) ([]PeerInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	return db.queryPeerInfo(`
		SELECT `+peerInfoColumns+`
		FROM peerinfo
		WHERE print_name LIKE '%' || ? || '%' ESCAPE '\'
		ORDER BY print_name, id
		LIMIT ?`, escapeLike(substr), limit)
}

// ListPeerInfo returns every known peer ordered by key.
func (db *DB) ListPeerInfo() ([]PeerInfo, error) {
	return db.queryPeerInfo(`SELECT ` + peerInfoColumns + ` FROM peerinfo ORDER BY id`)
}

func (db *DB) queryPeerInfo(query string, args ...any) ([]PeerInfo, error) {
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []PeerInfo
	for rows.Next() {
		p, err := scanPeerInfo(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanPeerInfo(r rowScanner) (*PeerInfo, error) {
	var p PeerInfo
	var finished sql.NullInt64
	var state string
	if err := r.Scan(&p.Key, &p.Type, &p.PrintName, &finished, &state); err != nil {
		return nil, err
	}
	p.Cursor = nullInt(finished)
	p.State = SyncState(state)
	return &p, nil
}

// AccessHash returns the stored access hash of a peer, zero when unknown.
func (db *DB) AccessHash(id peerid.ID) (int64, error) {
	var table string
	switch id.Type {
	case peerid.User:
		table = "users"
	case peerid.Chat:
		table = "chats"
	case peerid.Channel:
		table = "channels"
	default:
		return 0, nil
	}
	var hash int64
	err := db.QueryRow(`SELECT access_hash FROM `+table+` WHERE id = ?`, id.PeerID).Scan(&hash)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return hash, err
}

func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '%' || r == '_' || r == '\\' {
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
