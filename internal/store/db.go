package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite export database.
type DB struct {
	*sql.DB
}

// Tx is a write transaction. Page ingestion runs inside one so a page is
// either fully recorded or not at all.
type Tx struct {
	*sql.Tx
}

// Writer is implemented by both DB and Tx. The peer directory and the
// ledger write through it so callers choose the transaction scope.
type Writer interface {
	UpsertMessage(m *Message) (bool, error)
	UpsertUser(u *User) error
	UpsertChat(c *Chat) error
	UpsertChannel(c *Channel) error
	UpsertPeerInfo(p *PeerInfo) error
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	QueryRow(query string, args ...any) *sql.Row
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	// One writer at a time; the engine is the only writer anyway.
	db.SetMaxOpenConns(1)
	return &DB{db}, nil
}

// Batch runs fn inside a transaction and commits when it returns nil.
func (db *DB) Batch(fn func(tx *Tx) error) error {
	sqlTx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&Tx{sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
