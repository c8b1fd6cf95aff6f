package tgcli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/matheus3301/tgmirror/internal/peerid"
)

func parse(t *testing.T, s string) any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewBufferString(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return v
}

func TestPeerIdentity(t *testing.T) {
	channel := peerid.ID{Type: peerid.Channel, PeerID: 1001, AccessHash: -77}
	tests := []struct {
		name string
		json string
		want peerid.ID
	}{
		{"legacy type and id", `{"id": 42, "type": "user", "print_name": "Alice"}`, peerid.ID{Type: peerid.User, PeerID: 42}},
		{"peer_type and peer_id", `{"id": "x", "peer_type": "chat", "peer_id": 7}`, peerid.ID{Type: peerid.Chat, PeerID: 7}},
		{"permanent hex id", `{"id": "` + peerid.EncodeHex(channel) + `", "peer_type": "channel", "peer_id": 1001}`, channel},
		{"encrypted chat alias", `{"peer_type": "encr_chat", "peer_id": 3}`, peerid.ID{Type: peerid.EncrChat, PeerID: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := DecodePeer(parse(t, tt.json))
			if err != nil {
				t.Fatal(err)
			}
			got, err := p.Identity()
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Identity() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPeerWithoutIdentity(t *testing.T) {
	p, err := DecodePeer(parse(t, `{"print_name": "ghost"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Identity(); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("Identity() error = %v, want ErrNoIdentity", err)
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		json string
		want string
	}{
		{`{"id": 1, "type": "user", "print_name": "Alice_B", "first_name": "Alice"}`, "Alice_B"},
		{`{"id": 1, "type": "chat", "title": "Group"}`, "Group"},
		{`{"id": 1, "type": "user", "first_name": "Bob", "last_name": "Smith"}`, "Bob Smith"},
		{`{"id": 1, "type": "user", "username": "bobby"}`, "bobby"},
		{`{"id": 9, "type": "user"}`, "user#id9"},
	}
	for _, tt := range tests {
		p, err := DecodePeer(parse(t, tt.json))
		if err != nil {
			t.Fatal(err)
		}
		if got := p.DisplayName(); got != tt.want {
			t.Errorf("DisplayName(%s) = %q, want %q", tt.json, got, tt.want)
		}
	}
}

func TestMessageRecord(t *testing.T) {
	raw := `{
		"event": "message", "id": 12, "flags": 257, "date": 1400000000,
		"from": {"id": 42, "type": "user", "print_name": "Alice"},
		"to": {"id": 7, "type": "chat", "title": "Group"},
		"fwd_from": {"id": 43, "type": "user"}, "fwd_date": 1300000000,
		"reply_id": 11, "text": "hi", "out": 1, "unread": false,
		"media": {"type": "photo", "caption": "x"}
	}`
	m, err := DecodeMessage(parse(t, raw))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := m.Record()
	if err != nil {
		t.Fatal(err)
	}

	user42 := peerid.ID{Type: peerid.User, PeerID: 42}.Key()
	if rec.ID != 12 || rec.Dest != (peerid.ID{Type: peerid.Chat, PeerID: 7}).Key() {
		t.Errorf("id/dest = %d/%d", rec.ID, rec.Dest)
	}
	if rec.Src == nil || *rec.Src != user42 {
		t.Errorf("src = %v, want %d", rec.Src, user42)
	}
	if rec.FwdSrc == nil || rec.FwdDate == nil || *rec.FwdDate != 1300000000 {
		t.Errorf("forward = %v/%v", rec.FwdSrc, rec.FwdDate)
	}
	if rec.ReplyID == nil || *rec.ReplyID != 11 {
		t.Errorf("reply_id = %v, want 11", rec.ReplyID)
	}
	if !rec.Out || rec.Unread || rec.Flags != 257 {
		t.Errorf("out/unread/flags = %v/%v/%d", rec.Out, rec.Unread, rec.Flags)
	}
	if rec.Text == nil || *rec.Text != "hi" {
		t.Errorf("text = %v", rec.Text)
	}
	if rec.Media == nil {
		t.Fatal("media should be stored")
	}
	var media map[string]any
	if err := json.Unmarshal([]byte(*rec.Media), &media); err != nil {
		t.Fatalf("media is not JSON: %v", err)
	}
	if media["type"] != "photo" {
		t.Errorf("media = %v", media)
	}
	if rec.Action != nil {
		t.Errorf("action = %q, want nil", *rec.Action)
	}
}

func TestMessageLongID(t *testing.T) {
	channel := peerid.ID{Type: peerid.Channel, PeerID: 1001, AccessHash: 5}
	long := peerid.EncodeMessageID(peerid.MessageID{Peer: channel, ID: 900})

	m, err := DecodeMessage(parse(t, `{"event": "message", "id": "`+long+`", "flags": 1}`))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := m.Record()
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID != 900 || rec.Dest != channel.Key() {
		t.Errorf("id/dest = %d/%d, want 900/%d", rec.ID, rec.Dest, channel.Key())
	}
}

func TestDecodeMessagesPage(t *testing.T) {
	page := `[
		{"event": "message", "id": 1, "from": {"id": 1, "type": "user"}, "to": {"id": 2, "type": "user"}},
		{"event": "service", "id": 2, "service": true, "from": {"id": 1, "type": "user"}, "to": {"id": 2, "type": "user"}, "action": {"type": "chat_created"}}
	]`
	msgs, err := DecodeMessages(parse(t, page))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !msgs[1].Service || msgs[1].Action == "" {
		t.Errorf("service message = %+v", msgs[1])
	}
	if len(msgs[0].Peers()) != 2 {
		t.Errorf("Peers() = %d, want 2", len(msgs[0].Peers()))
	}
}

func TestIsMessage(t *testing.T) {
	tests := []struct {
		json string
		want bool
	}{
		{`{"event": "message", "id": 1}`, true},
		{`{"id": 1, "from": {"id": 1, "type": "user"}}`, true},
		{`{"result": "FAIL", "error_code": 71, "error": "RPC_CALL_FAIL 400: MESSAGE_ID_INVALID"}`, false},
		{`{"event": "online-status"}`, false},
		{`[1, 2]`, false},
	}
	for _, tt := range tests {
		if got := IsMessage(parse(t, tt.json)); got != tt.want {
			t.Errorf("IsMessage(%s) = %v, want %v", tt.json, got, tt.want)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	evt, err := DecodeEvent(parse(t, `{"event": "online-status", "user": {"id": 5, "type": "user"}, "online": true, "when": "2015-01-01 00:00:00"}`))
	if err != nil {
		t.Fatal(err)
	}
	status, ok := evt.(*OnlineStatus)
	if !ok || !status.Online || status.User == nil {
		t.Fatalf("event = %#v", evt)
	}

	evt, err = DecodeEvent(parse(t, `{"event": "updates", "peer": {"id": 5, "type": "user"}, "updates": ["deleted"]}`))
	if err != nil {
		t.Fatal(err)
	}
	upd, ok := evt.(*Updates)
	if !ok || !upd.Deleted() {
		t.Fatalf("event = %#v", evt)
	}

	evt, err = DecodeEvent(parse(t, `{"event": "message", "id": 3, "to": {"id": 2, "type": "user"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := evt.(*Message); !ok {
		t.Fatalf("event = %T, want *Message", evt)
	}

	if _, err := DecodeEvent(parse(t, `{"event": "typing"}`)); !errors.Is(err, ErrUnknownEvent) {
		t.Errorf("error = %v, want ErrUnknownEvent", err)
	}
}
