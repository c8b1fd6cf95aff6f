package sync

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/matheus3301/tgmirror/internal/peerid"
	"github.com/matheus3301/tgmirror/internal/rpc"
	"github.com/matheus3301/tgmirror/internal/store"
	"github.com/matheus3301/tgmirror/internal/tgcli"
)

// dialog is one enumerated conversation.
type dialog struct {
	id   peerid.ID
	name string
}

// syncContacts records the address book. Failures other than fatal ones
// are logged and skipped.
func (e *Engine) syncContacts(ctx context.Context) error {
	ans, err := e.callRetrying(ctx, rpc.ContactList())
	if err != nil {
		if isFatal(err) {
			return err
		}
		e.logger.Warn("contact list failed", zap.Error(err))
		return nil
	}
	peers, err := tgcli.DecodePeers(ans.JSON)
	if err != nil {
		e.logger.Warn("contact list unreadable", zap.Error(err))
		return nil
	}
	resolved, err := e.resolvePeers(peers)
	if err != nil {
		return err
	}
	e.logger.Info("contacts recorded", zap.Int("count", len(resolved)))
	return nil
}

// listDialogs enumerates dialogs and then channels, without duplicates.
func (e *Engine) listDialogs(ctx context.Context) ([]dialog, error) {
	seen := make(map[int64]struct{})
	var out []dialog
	add := func(d dialog) {
		if _, ok := seen[d.id.Key()]; ok {
			return
		}
		seen[d.id.Key()] = struct{}{}
		out = append(out, d)
	}

	for _, list := range []func(limit, offset int) rpc.Command{rpc.DialogList, rpc.ChannelList} {
		if err := e.listPages(ctx, list, add); err != nil {
			return out, err
		}
	}
	e.logger.Info("dialogs enumerated", zap.Int("count", len(out)))
	return out, nil
}

// listPages pages one listing. The listing offset is unreliable: the CLI
// may return earlier pages again instead of an empty one, so paging stops
// at an empty page or as soon as a page repeats one already seen.
func (e *Engine) listPages(ctx context.Context, list func(limit, offset int) rpc.Command, add func(dialog)) error {
	seen := make(map[string]struct{})
	for offset := 0; ; offset += e.opts.PageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		cmd := list(e.opts.PageSize, offset)
		ans, err := e.callRetrying(ctx, cmd)
		if err != nil {
			if isFatal(err) {
				return err
			}
			e.logger.Warn("listing stopped", zap.String("cmd", cmd.String()), zap.Error(err))
			return nil
		}
		peers, err := tgcli.DecodePeers(ans.JSON)
		if err != nil {
			e.logger.Warn("listing unreadable", zap.String("cmd", cmd.String()), zap.Error(err))
			return nil
		}
		if len(peers) == 0 {
			return nil
		}

		resolved, err := e.resolvePeers(peers)
		if err != nil {
			return err
		}
		page := make(map[int64]struct{}, len(resolved))
		for _, d := range resolved {
			page[d.id.Key()] = struct{}{}
			add(d)
		}
		sig := fmt.Sprint(slices.Sorted(maps.Keys(page)))
		if _, ok := seen[sig]; ok {
			e.logger.Debug("listing repeated", zap.String("cmd", cmd.String()))
			return nil
		}
		seen[sig] = struct{}{}
	}
}

// resolvePeers records peers in one transaction. Records without an
// identity are skipped.
func (e *Engine) resolvePeers(peers []*tgcli.Peer) ([]dialog, error) {
	out := make([]dialog, 0, len(peers))
	err := e.db.Batch(func(tx *store.Tx) error {
		for _, p := range peers {
			id, err := e.dir.Resolve(tx, p)
			if errors.Is(err, tgcli.ErrNoIdentity) {
				e.logger.Debug("peer skipped", zap.Error(err))
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, dialog{id: id, name: p.DisplayName()})
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(err)
	}
	return out, nil
}

// ingestMessages records messages and their peers in one transaction and
// returns how many rows were new. Messages without a usable id or
// destination are skipped.
func (e *Engine) ingestMessages(msgs []*tgcli.Message) (int, error) {
	var inserted int
	err := e.db.Batch(func(tx *store.Tx) error {
		for _, m := range msgs {
			for _, p := range m.Peers() {
				if _, err := e.dir.Resolve(tx, p); err != nil && !errors.Is(err, tgcli.ErrNoIdentity) {
					return err
				}
			}
			rec, err := m.Record()
			if err != nil {
				e.logger.Debug("message skipped", zap.Error(err))
				continue
			}
			isNew, err := tx.UpsertMessage(rec)
			if err != nil {
				return err
			}
			if isNew {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, storeErr(err)
	}
	return inserted, nil
}
