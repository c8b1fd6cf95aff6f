package peerid

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// MessageID is the long message identifier newer CLI builds emit: the
// destination peer plus the per-destination message id.
type MessageID struct {
	Peer ID
	ID   int64
}

// EncodeMessageID returns the 48-hex form (uint32 type, uint32 peer id,
// int64 id, int64 access hash), used for point lookups in channels.
func EncodeMessageID(m MessageID) string {
	var b [24]byte
	binary.LittleEndian.PutUint32(b[0:4], uint32(m.Peer.Type))
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.Peer.PeerID))
	binary.LittleEndian.PutUint64(b[8:16], uint64(m.ID))
	binary.LittleEndian.PutUint64(b[16:24], uint64(m.Peer.AccessHash))
	return hex.EncodeToString(b[:])
}

// DecodeMessageID parses either the 48-hex form or a plain decimal id.
func DecodeMessageID(s string) (MessageID, error) {
	s = strings.TrimSpace(s)
	if len(s) == 48 {
		raw, err := hex.DecodeString(s)
		if err == nil {
			return MessageID{
				Peer: ID{
					Type:       Type(binary.LittleEndian.Uint32(raw[0:4])),
					PeerID:     int32(binary.LittleEndian.Uint32(raw[4:8])),
					AccessHash: int64(binary.LittleEndian.Uint64(raw[16:24])),
				},
				ID: int64(binary.LittleEndian.Uint64(raw[8:16])),
			}, nil
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return MessageID{}, fmt.Errorf("invalid message id %q", s)
	}
	return MessageID{ID: n}, nil
}
