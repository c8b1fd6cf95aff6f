package sync

import (
	"context"

	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/bus"
	"github.com/matheus3301/tgmirror/internal/tgcli"
)

// drain ingests every queued push event without blocking.
func (e *Engine) drain(rep *Report) error {
	for {
		select {
		case evt, ok := <-e.events:
			if !ok {
				return nil
			}
			if err := e.handleEvent(evt, rep); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Follow ingests push events as they arrive until ctx ends. It returns nil
// on cancellation and an error only for store failures.
func (e *Engine) Follow(ctx context.Context) error {
	var rep Report
	e.logger.Info("following live events")
	defer func() {
		e.logger.Info("stopped following",
			zap.Int("events", rep.Events),
			zap.Int("new_messages", rep.NewMessages),
		)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-e.events:
			if !ok {
				return nil
			}
			if err := e.handleEvent(evt, &rep); err != nil {
				return err
			}
		}
	}
}

func (e *Engine) handleEvent(evt bus.Event, rep *Report) error {
	if evt.Kind != bus.KindCLIJSON {
		return nil
	}

	// Some builds print message batches as a bare array.
	if batch, ok := evt.Payload.([]any); ok {
		msgs, err := tgcli.DecodeMessages(batch)
		if err != nil {
			e.logger.Debug("push batch dropped", zap.Error(err))
			return nil
		}
		inserted, err := e.ingestMessages(msgs)
		if err != nil {
			return err
		}
		rep.Events++
		rep.NewMessages += inserted
		return nil
	}

	decoded, err := tgcli.DecodeEvent(evt.Payload)
	if err != nil {
		e.logger.Debug("push event dropped", zap.Error(err))
		return nil
	}

	switch v := decoded.(type) {
	case *tgcli.Message:
		inserted, err := e.ingestMessages([]*tgcli.Message{v})
		if err != nil {
			return err
		}
		rep.Events++
		rep.NewMessages += inserted
	case *tgcli.OnlineStatus:
		if v.User != nil {
			if _, err := e.resolvePeers([]*tgcli.Peer{v.User}); err != nil {
				return err
			}
		}
		rep.Events++
	case *tgcli.Updates:
		if v.Peer != nil && v.Deleted() {
			if _, err := e.resolvePeers([]*tgcli.Peer{v.Peer}); err != nil {
				return err
			}
		}
		rep.Events++
	}
	return nil
}
