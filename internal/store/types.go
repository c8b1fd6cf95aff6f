package store

// Message is a mirrored message row. Peer references hold canonical keys.
// Optional columns use pointers; nil is stored as NULL.
type Message struct {
	ID      int64
	Src     *int64
	Dest    int64
	Text    *string
	Media   *string // JSON
	Date    *int64
	FwdSrc  *int64
	FwdDate *int64
	ReplyID *int64
	Out     bool
	Unread  bool
	Service bool
	Action  *string // JSON
	Flags   int64
}

// User mirrors a user peer.
type User struct {
	ID         int32
	AccessHash int64
	Phone      string
	Username   string
	FirstName  string
	LastName   string
	Flags      int64
}

// Chat mirrors a basic group chat.
type Chat struct {
	ID         int32
	AccessHash int64
	Title      string
	MembersNum int
	Flags      int64
}

// Channel mirrors a broadcast channel or supergroup.
type Channel struct {
	ID                int32
	AccessHash        int64
	Title             string
	ParticipantsCount int
	AdminsCount       int
	KickedCount       int
	Flags             int64
}

// SyncState is the per-dialog history sync lifecycle.
type SyncState string

const (
	Unsynced      SyncState = "unsynced"
	Bootstrapping SyncState = "bootstrapping"
	Advancing     SyncState = "advancing"
	CaughtUp      SyncState = "caught_up"
)

// PeerInfo is the identity-map row shared by every peer type.
type PeerInfo struct {
	Key       int64
	Type      string
	PrintName string
	Cursor    *int64
	State     SyncState
}

// Run records one sync run.
type Run struct {
	RunID         string
	StartedAt     int64
	FinishedAt    *int64
	Status        string
	Dialogs       int
	NewMessages   int
	FailedDialogs int
	Holes         int
	HolesMissing  int
	ErrorMessage  string
}

func ptr[T any](v T) *T {
	return &v
}
