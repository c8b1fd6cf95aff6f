package rpc

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/bus"
)

// PushEvent is one classified line of process output. JSON is set when
// the line was a structured record; otherwise Text holds the line.
type PushEvent struct {
	JSON any
	Text string
}

// ClassifyLine parses lines starting with '[' or '{' as JSON. Parse
// failures and other lines are informational text.
func ClassifyLine(line []byte) PushEvent {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) > 0 && (trimmed[0] == '[' || trimmed[0] == '{') {
		if v, err := decodeJSON(trimmed); err == nil {
			return PushEvent{JSON: v}
		}
	}
	return PushEvent{Text: string(trimmed)}
}

// Publisher forwards process output to the bus as cli.json and cli.info
// events. Its Handle method is a supervisor.LineHandler.
type Publisher struct {
	bus    *bus.Bus
	logger *zap.Logger
}

// NewPublisher creates a Publisher.
func NewPublisher(b *bus.Bus, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{bus: b, logger: logger}
}

// Handle classifies and publishes one line.
func (p *Publisher) Handle(line []byte) {
	evt := ClassifyLine(line)
	if evt.JSON != nil {
		p.bus.Publish(bus.Event{Kind: bus.KindCLIJSON, Timestamp: time.Now(), Payload: evt.JSON})
		return
	}
	if evt.Text == "" {
		return
	}
	p.logger.Debug("cli output", zap.String("line", evt.Text))
	p.bus.Publish(bus.Event{Kind: bus.KindCLIInfo, Timestamp: time.Now(), Payload: evt.Text})
}
