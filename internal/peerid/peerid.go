// Package peerid encodes peer identities into the canonical key used by the
// store and normalizes the legacy encodings older databases carry.
package peerid

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Type is the peer type discriminant.
type Type int32

const (
	Unknown  Type = 0
	User     Type = 1
	Chat     Type = 2
	GeoChat  Type = 3
	EncrChat Type = 4
	Channel  Type = 5
)

var typeNames = map[Type]string{
	User:     "user",
	Chat:     "chat",
	GeoChat:  "geo_chat",
	EncrChat: "encr_chat",
	Channel:  "channel",
}

// ErrInvalidKey is returned when a value cannot be decoded as a peer key.
var ErrInvalidKey = errors.New("invalid peer key")

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseType maps the names the CLI emits to a Type. "encr-chat" and
// "encrypted_chat" are accepted as aliases of encr_chat.
func ParseType(s string) Type {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return User
	case "chat":
		return Chat
	case "geo_chat", "geochat":
		return GeoChat
	case "encr_chat", "encr-chat", "encrypted_chat":
		return EncrChat
	case "channel":
		return Channel
	}
	return Unknown
}

// ID identifies a peer. AccessHash is zero for identities decoded from
// encodings that do not carry it.
type ID struct {
	Type       Type
	PeerID     int32
	AccessHash int64
}

// Key returns the canonical store key: type in the high 32 bits, the peer id
// in the low 32 bits.
func (id ID) Key() int64 {
	return int64(uint32(id.Type))<<32 | int64(uint32(id.PeerID))
}

// Name returns the typed name the CLI accepts as a peer argument.
func (id ID) Name() string {
	return fmt.Sprintf("%s#id%d", id.Type, id.PeerID)
}

func (id ID) String() string {
	return id.Name()
}

// FromKey decodes a canonical key.
func FromKey(key int64) (ID, error) {
	t := Type(key >> 32)
	if _, ok := typeNames[t]; !ok {
		return ID{}, fmt.Errorf("%w: %d", ErrInvalidKey, key)
	}
	return ID{Type: t, PeerID: int32(uint32(key))}, nil
}

var typedNameRe = regexp.MustCompile(`^([a-z_]+)#id(-?\d+)$`)

// ParseName parses a typed name such as "user#id42".
func ParseName(s string) (ID, bool) {
	m := typedNameRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return ID{}, false
	}
	t := ParseType(m[1])
	if t == Unknown {
		return ID{}, false
	}
	n, err := strconv.ParseInt(m[2], 10, 32)
	if err != nil {
		return ID{}, false
	}
	return ID{Type: t, PeerID: int32(n)}, true
}

// EncodeLegacySigned encodes the first-generation key: users positive, chats
// negative. Other types have no representation.
func EncodeLegacySigned(id ID) (int64, error) {
	switch id.Type {
	case User:
		return int64(id.PeerID), nil
	case Chat:
		return -int64(id.PeerID), nil
	}
	return 0, fmt.Errorf("%w: %s has no signed encoding", ErrInvalidKey, id.Type)
}

// DecodeLegacySigned decodes a first-generation key.
func DecodeLegacySigned(v int64) (ID, error) {
	if v == 0 || v > 1<<31-1 || v < -(1<<31-1) {
		return ID{}, fmt.Errorf("%w: %d", ErrInvalidKey, v)
	}
	if v < 0 {
		return ID{Type: Chat, PeerID: int32(-v)}, nil
	}
	return ID{Type: User, PeerID: int32(v)}, nil
}

// EncodeHex encodes the second-generation key: "$" followed by the hex of the
// little-endian (int32 type, int32 id, int64 access hash) struct.
func EncodeHex(id ID) string {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(id.Type))
	binary.LittleEndian.PutUint32(b[4:8], uint32(id.PeerID))
	binary.LittleEndian.PutUint64(b[8:16], uint64(id.AccessHash))
	return "$" + hex.EncodeToString(b[:])
}

// DecodeHex decodes a second-generation key. The leading "$" is optional.
func DecodeHex(s string) (ID, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "$"))
	if err != nil || len(raw) != 16 {
		return ID{}, fmt.Errorf("%w: %q", ErrInvalidKey, s)
	}
	return ID{
		Type:       Type(int32(binary.LittleEndian.Uint32(raw[0:4]))),
		PeerID:     int32(binary.LittleEndian.Uint32(raw[4:8])),
		AccessHash: int64(binary.LittleEndian.Uint64(raw[8:16])),
	}, nil
}

// Normalize accepts a key in any of the three generations and returns the
// identity it names. Integers at or above 1<<32 are canonical keys, smaller
// integers are first-generation signed keys, strings are second-generation
// hex keys or decimal numbers.
func Normalize(v any) (ID, error) {
	switch k := v.(type) {
	case int64:
		if k >= 1<<32 {
			return FromKey(k)
		}
		return DecodeLegacySigned(k)
	case int:
		return Normalize(int64(k))
	case int32:
		return Normalize(int64(k))
	case json.Number:
		return Normalize(k.String())
	case string:
		s := strings.TrimSpace(k)
		if strings.HasPrefix(s, "$") {
			return DecodeHex(s)
		}
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("%w: %q", ErrInvalidKey, k)
		}
		return Normalize(n)
	}
	return ID{}, fmt.Errorf("%w: unsupported %T", ErrInvalidKey, v)
}
