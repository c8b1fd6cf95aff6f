package bus

import "time"

// Event kinds.
const (
	KindCLIJSON       = "cli.json"
	KindCLIInfo       = "cli.info"
	KindStatusChanged = "supervisor.status_changed"
)

// Event is a message published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
