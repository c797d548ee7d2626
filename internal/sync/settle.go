package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// Settle resolves one conflict by hand, outside a run.
//
// With local-wins the cached fields are written to the remote, recreating
// the item when the remote deleted it. With remote-wins the current remote
// version replaces the cached record, or the record is tombstoned when the
// remote deleted it. Either way the journalled conflict is cleared.
//
// The current remote version is fetched again, so a settlement never
// overwrites remote edits made after the conflict was recorded without
// having seen them.
func (o *Orchestrator) Settle(ctx context.Context, typ, id string, side types.Strategy) (Action, error) {
	if side != types.StrategyLocalWins && side != types.StrategyRemoteWins {
		return ActionNone, syncerr.Config("settle: side must be %s or %s, got %q",
			types.StrategyLocalWins, types.StrategyRemoteWins, side)
	}

	locked, err := o.lock.TryLock()
	if err != nil {
		return ActionNone, syncerr.New(syncerr.CodeCacheIO, "settle.lock", err)
	}
	if !locked {
		return ActionNone, syncerr.Newf(syncerr.CodeRunInProgress, "settle.lock", "another run holds the cache")
	}
	defer func() {
		if err := o.lock.Unlock(); err != nil {
			o.logger.Warn("failed to release run lock", "error", err)
		}
	}()

	if meta, err := o.store.ReadMetadata(ctx); err != nil {
		return ActionNone, fmt.Errorf("failed to read sync metadata: %w", err)
	} else if meta.InProgress(o.now(), o.staleRunAfter) {
		return ActionNone, syncerr.Newf(syncerr.CodeRunInProgress, "settle.lock",
			"run %s is still in progress", meta.RunID)
	}

	local, err := o.store.Load(ctx, typ, id)
	if err != nil {
		return ActionNone, err
	}
	if local == nil {
		return ActionNone, syncerr.Item(syncerr.CodeNotFound, "settle", typ, id,
			errors.New("item is not cached"))
	}

	rt := newRetryer(o.retry)
	var remote *types.RemoteSnapshot
	_, err = rt.do(ctx, func(ctx context.Context) error {
		s, err := o.remote.FetchDetail(ctx, typ, id)
		remote = s
		return err
	})
	switch {
	case syncerr.IsNotFound(err):
		remote = nil
	case err != nil:
		return ActionNone, err
	default:
		remote = normalize(remote, typ, id)
	}

	logger := o.logger.With("item", types.ItemKey(typ, id), "side", side)
	var action Action
	if side == types.StrategyRemoteWins {
		action, err = o.takeRemote(ctx, local, remote)
	} else {
		action, err = o.takeLocal(ctx, local, remote)
	}
	if err != nil {
		return ActionNone, err
	}

	if err := o.journal.Clear(ctx, typ, id); err != nil {
		logger.Warn("failed to clear journalled conflict", "error", err)
	}
	logger.Info("conflict settled", "action", action)
	if o.notifier != nil {
		o.notifier.Notify(Event{Kind: EventItemApplied, At: o.now().UTC(), Type: typ, ItemID: id, Action: action})
	}
	return action, nil
}

func (o *Orchestrator) takeRemote(ctx context.Context, local *types.WorkItemRecord, remote *types.RemoteSnapshot) (Action, error) {
	if remote == nil {
		rec := local.Clone()
		rec.MarkTombstone(o.now().UTC())
		return ActionTombstone, o.store.Save(ctx, rec)
	}
	return ActionDownload, o.store.Save(ctx, types.FromSnapshot(remote))
}

func (o *Orchestrator) takeLocal(ctx context.Context, local *types.WorkItemRecord, remote *types.RemoteSnapshot) (Action, error) {
	rec := local.Clone()
	rec.Tombstone = false
	rec.DeletedAt = nil
	rt := newRetryer(o.retry)
	if remote != nil {
		rec.Revision = remote.Revision
	} else {
		rec.Revision = ""
		rt.cfg.RetryIf = func(err error) bool { return errors.Is(err, syncerr.ErrRateLimited) }
	}

	var snap *types.RemoteSnapshot
	_, err := rt.do(ctx, func(ctx context.Context) error {
		s, err := o.remote.Apply(ctx, local.Type, rec)
		snap = s
		return err
	})
	if err != nil {
		return ActionNone, err
	}
	snap = normalize(snap, local.Type, local.ID)
	if err := o.store.Save(ctx, types.FromSnapshot(snap)); err != nil {
		return ActionNone, err
	}
	if snap.ID != local.ID {
		if err := o.store.Remove(ctx, local.Type, local.ID); err != nil {
			return ActionNone, err
		}
		o.logger.Info("remote assigned id", "type", local.Type, "from", local.ID, "to", snap.ID)
	}
	return ActionUpload, nil
}
