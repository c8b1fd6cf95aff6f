// Package directory resolves peer observations to canonical identities and
// keeps the peer tables current.
package directory

import (
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/peerid"
	"github.com/matheus3301/tgmirror/internal/store"
	"github.com/matheus3301/tgmirror/internal/tgcli"
)

// DefaultCacheSize bounds the resolve memo.
const DefaultCacheSize = 4096

// Directory is the peer identity map. It is used from the engine
// goroutine only.
type Directory struct {
	db     *store.DB
	memo   *lru.Cache[int64, string]
	logger *zap.Logger
}

// New creates a Directory whose memo holds up to size peers.
func New(db *store.DB, size int, logger *zap.Logger) (*Directory, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	memo, err := lru.New[int64, string](size)
	if err != nil {
		return nil, fmt.Errorf("peer memo: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{db: db, memo: memo, logger: logger}, nil
}

// Resolve returns the identity of p, persisting it through w the first
// time it is seen in this run and whenever its display name changes.
func (d *Directory) Resolve(w store.Writer, p *tgcli.Peer) (peerid.ID, error) {
	id, err := p.Identity()
	if err != nil {
		return peerid.ID{}, err
	}
	if id.AccessHash == 0 {
		id.AccessHash = p.AccessHash
	}
	key := id.Key()
	name := p.DisplayName()

	if cached, ok := d.memo.Get(key); ok && cached == name {
		return id, nil
	}
	if err := d.persist(w, id, p, name); err != nil {
		return peerid.ID{}, err
	}
	d.memo.Add(key, name)
	d.logger.Debug("peer recorded",
		zap.String("peer", id.Name()),
		zap.String("name", name),
	)
	return id, nil
}

func (d *Directory) persist(w store.Writer, id peerid.ID, p *tgcli.Peer, name string) error {
	var err error
	switch id.Type {
	case peerid.User:
		err = w.UpsertUser(&store.User{
			ID:         id.PeerID,
			AccessHash: id.AccessHash,
			Phone:      p.Phone,
			Username:   p.Username,
			FirstName:  p.FirstName,
			LastName:   p.LastName,
			Flags:      p.Flags,
		})
	case peerid.Chat:
		err = w.UpsertChat(&store.Chat{
			ID:         id.PeerID,
			AccessHash: id.AccessHash,
			Title:      p.Title,
			MembersNum: p.MembersNum,
			Flags:      p.Flags,
		})
	case peerid.Channel:
		err = w.UpsertChannel(&store.Channel{
			ID:                id.PeerID,
			AccessHash:        id.AccessHash,
			Title:             p.Title,
			ParticipantsCount: p.ParticipantsCount,
			AdminsCount:       p.AdminsCount,
			KickedCount:       p.KickedCount,
			Flags:             p.Flags,
		})
	}
	if err != nil {
		return err
	}
	return w.UpsertPeerInfo(&store.PeerInfo{
		Key:       id.Key(),
		Type:      id.Type.String(),
		PrintName: name,
	})
}

// Entry is the result of Find. Unknown entries are placeholders for
// queries that matched nothing recorded.
type Entry struct {
	ID      peerid.ID
	Name    string
	Cursor  *int64
	State   store.SyncState
	Unknown bool
}

// Key returns the canonical key, or zero for an Unknown entry without an
// identity.
func (e Entry) Key() int64 {
	if e.ID.Type == peerid.Unknown {
		return 0
	}
	return e.ID.Key()
}

// Find looks a peer up by canonical or legacy key, typed name, exact
// display name and finally display-name substring. When nothing matches it
// returns a placeholder with Unknown set; errors are store failures only.
func (d *Directory) Find(query string) (Entry, error) {
	query = strings.TrimSpace(query)

	if id, ok := peerid.ParseName(query); ok {
		return d.lookup(id, query)
	}

	if id, err := peerid.Normalize(query); err == nil {
		entry, err := d.lookup(id, query)
		if err != nil || !entry.Unknown {
			return entry, err
		}
	}

	exact, err := d.db.FindPeersByName(query)
	if err != nil {
		return Entry{}, err
	}
	if len(exact) > 0 {
		return entryFromInfo(exact[0]), nil
	}

	if query != "" {
		partial, err := d.db.SearchPeers(query, 1)
		if err != nil {
			return Entry{}, err
		}
		if len(partial) > 0 {
			return entryFromInfo(partial[0]), nil
		}
	}

	return Entry{Name: query, Unknown: true}, nil
}

func (d *Directory) lookup(id peerid.ID, query string) (Entry, error) {
	info, err := d.db.GetPeerInfo(id.Key())
	if err != nil {
		return Entry{}, err
	}
	if info == nil {
		return Entry{ID: id, Name: query, Unknown: true}, nil
	}
	entry := entryFromInfo(*info)
	if id.AccessHash != 0 {
		entry.ID.AccessHash = id.AccessHash
	}
	return entry, nil
}

func entryFromInfo(info store.PeerInfo) Entry {
	id, err := peerid.FromKey(info.Key)
	if err != nil {
		return Entry{Name: info.PrintName, Unknown: true}
	}
	return Entry{
		ID:     id,
		Name:   info.PrintName,
		Cursor: info.Cursor,
		State:  info.State,
	}
}

// AccessHash returns the access hash for id, from id itself or the store.
func (d *Directory) AccessHash(id peerid.ID) (int64, error) {
	if id.AccessHash != 0 {
		return id.AccessHash, nil
	}
	return d.db.AccessHash(id)
}

// Cached returns the number of memoized peers.
func (d *Directory) Cached() int {
	return d.memo.Len()
}
