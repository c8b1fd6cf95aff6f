// Package tgcli decodes the JSON records telegram-cli prints in --json mode
// (peers, messages and push events) into typed values.
package tgcli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/matheus3301/tgmirror/internal/peerid"
	"github.com/matheus3301/tgmirror/internal/store"
)

// ErrNoIdentity is returned for a peer record carrying neither a permanent
// id nor a type and numeric id.
var ErrNoIdentity = errors.New("peer record has no identity")

// RawJSON holds a nested object re-encoded as JSON text.
type RawJSON string

// Peer is a user, chat or channel as the CLI prints it. Builds with
// permanent peer ids put a "$"-prefixed hex value in ID; older builds use
// a plain integer together with Type.
type Peer struct {
	ID                any    `json:"id"`
	PeerType          string `json:"peer_type"`
	Type              string `json:"type"`
	PeerID            int64  `json:"peer_id"`
	AccessHash        int64  `json:"access_hash"`
	PrintName         string `json:"print_name"`
	FirstName         string `json:"first_name"`
	LastName          string `json:"last_name"`
	Username          string `json:"username"`
	Phone             string `json:"phone"`
	Title             string `json:"title"`
	MembersNum        int    `json:"members_num"`
	ParticipantsCount int    `json:"participants_count"`
	AdminsCount       int    `json:"admins_count"`
	KickedCount       int    `json:"kicked_count"`
	Flags             int64  `json:"flags"`
}

// Identity returns the peer's identity.
func (p *Peer) Identity() (peerid.ID, error) {
	if s, ok := p.ID.(string); ok && strings.HasPrefix(s, "$") {
		return peerid.DecodeHex(s)
	}

	typeName := p.PeerType
	if typeName == "" {
		typeName = p.Type
	}
	t := peerid.ParseType(typeName)

	n := p.PeerID
	if n == 0 {
		switch v := p.ID.(type) {
		case json.Number:
			n, _ = v.Int64()
		case int64:
			n = v
		case int:
			n = int64(v)
		case float64:
			n = int64(v)
		}
	}
	if t == peerid.Unknown || n == 0 {
		return peerid.ID{}, fmt.Errorf("%w: type %q id %v", ErrNoIdentity, typeName, p.ID)
	}
	return peerid.ID{Type: t, PeerID: int32(n), AccessHash: p.AccessHash}, nil
}

// DisplayName is the best human-readable name available.
func (p *Peer) DisplayName() string {
	if p.PrintName != "" {
		return p.PrintName
	}
	if p.Title != "" {
		return p.Title
	}
	if name := strings.TrimSpace(p.FirstName + " " + p.LastName); name != "" {
		return name
	}
	if p.Username != "" {
		return p.Username
	}
	if id, err := p.Identity(); err == nil {
		return id.Name()
	}
	return ""
}

// Message is a message record, as returned by history and get_message and
// pushed as a "message" or "service" event.
type Message struct {
	Event   string  `json:"event"`
	ID      any     `json:"id"`
	From    *Peer   `json:"from"`
	To      *Peer   `json:"to"`
	FwdFrom *Peer   `json:"fwd_from"`
	FwdDate *int64  `json:"fwd_date"`
	ReplyID any     `json:"reply_id"`
	Text    *string `json:"text"`
	Media   RawJSON `json:"media"`
	Action  RawJSON `json:"action"`
	Date    *int64  `json:"date"`
	Out     bool    `json:"out"`
	Unread  bool    `json:"unread"`
	Service bool    `json:"service"`
	Flags   int64   `json:"flags"`
}

// MessageID returns the numeric message id, and the destination peer when
// the CLI printed the long 48-hex form.
func (m *Message) MessageID() (peerid.MessageID, error) {
	return decodeMessageID(m.ID)
}

func decodeMessageID(v any) (peerid.MessageID, error) {
	switch id := v.(type) {
	case json.Number:
		return peerid.DecodeMessageID(id.String())
	case string:
		return peerid.DecodeMessageID(id)
	case int64:
		return peerid.MessageID{ID: id}, nil
	case int:
		return peerid.MessageID{ID: int64(id)}, nil
	case float64:
		return peerid.MessageID{ID: int64(id)}, nil
	}
	return peerid.MessageID{}, fmt.Errorf("invalid message id %v", v)
}

// Peers returns the participants referenced by m.
func (m *Message) Peers() []*Peer {
	var out []*Peer
	for _, p := range []*Peer{m.From, m.To, m.FwdFrom} {
		if p != nil {
			out = append(out, p)
		}
	}
	return out
}

// Record converts m into a ledger row with canonical peer keys.
func (m *Message) Record() (*store.Message, error) {
	mid, err := m.MessageID()
	if err != nil {
		return nil, err
	}

	rec := &store.Message{
		ID:      mid.ID,
		Text:    m.Text,
		Date:    m.Date,
		FwdDate: m.FwdDate,
		Out:     m.Out,
		Unread:  m.Unread,
		Service: m.Service,
		Flags:   m.Flags,
	}

	switch {
	case m.To != nil:
		to, err := m.To.Identity()
		if err != nil {
			return nil, fmt.Errorf("message %d destination: %w", mid.ID, err)
		}
		rec.Dest = to.Key()
	case mid.Peer.Type != peerid.Unknown:
		rec.Dest = mid.Peer.Key()
	default:
		return nil, fmt.Errorf("message %d has no destination", mid.ID)
	}

	if m.From != nil {
		if from, err := m.From.Identity(); err == nil {
			rec.Src = keyPtr(from)
		}
	}
	if m.FwdFrom != nil {
		if fwd, err := m.FwdFrom.Identity(); err == nil {
			rec.FwdSrc = keyPtr(fwd)
		}
	}
	if m.ReplyID != nil {
		if reply, err := decodeMessageID(m.ReplyID); err == nil {
			rec.ReplyID = &reply.ID
		}
	}
	if m.Media != "" {
		media := string(m.Media)
		rec.Media = &media
	}
	if m.Action != "" {
		action := string(m.Action)
		rec.Action = &action
	}
	return rec, nil
}

func keyPtr(id peerid.ID) *int64 {
	k := id.Key()
	return &k
}

// OnlineStatus is the "online-status" push event.
type OnlineStatus struct {
	Event  string `json:"event"`
	User   *Peer  `json:"user"`
	Online bool   `json:"online"`
	When   string `json:"when"`
}

// Updates is the "updates" push event.
type Updates struct {
	Event   string   `json:"event"`
	Peer    *Peer    `json:"peer"`
	Updates []string `json:"updates"`
}

// Deleted reports whether the update announces the peer's deletion.
func (u *Updates) Deleted() bool {
	for _, s := range u.Updates {
		if s == "deleted" {
			return true
		}
	}
	return false
}
