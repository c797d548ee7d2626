package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/steveyegge/wisync/internal/reconcile"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// maxReplans bounds how often an item is re-reconciled when its cached
// record moves under a running plan.
const maxReplans = 3

// applyItem carries out the planned action for one item. Only fatal errors
// are returned.
func (r *run) applyItem(ctx context.Context, it *planItem) error {
	unlock := r.locks.Lock(it.key())
	defer unlock()

	err := r.refresh(ctx, it)
	if err == nil {
		switch it.action {
		case ActionDownload:
			err = r.download(ctx, it)
		case ActionUpload:
			err = r.upload(ctx, it)
		case ActionRebase:
			err = r.rebase(ctx, it)
		case ActionTombstone:
			err = r.tombstone(ctx, it)
		case ActionManual:
			err = r.o.journal.Record(ctx, r.runID, it.resolution)
		}
	}
	if err == nil {
		r.rep.finished(it.outcome.Classification)
		return nil
	}

	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		// Cancelled before the write; the item is left as it was.
		return nil
	}
	if syncerr.IsFatal(err) {
		return err
	}
	r.logger.Warn("item failed", "item", it.key(), "action", it.action, "error", err)
	r.rep.itemError(it.typ, it.id, err)
	return nil
}

// refresh reloads the cached record and re-plans the item against the
// same remote snapshot when the record changed since planning.
func (r *run) refresh(ctx context.Context, it *planItem) error {
	for replans := 0; ; replans++ {
		cur, err := r.o.store.Load(ctx, it.typ, it.id)
		if err != nil && !syncerr.IsIntegrity(err) {
			return err
		}
		if fingerprint(cur) == it.fingerprint {
			return nil
		}
		if replans == maxReplans {
			return syncerr.Item(syncerr.CodeStaleRevision, "sync.apply", it.typ, it.id,
				fmt.Errorf("cached record changed %d times during the run", maxReplans+1))
		}

		r.logger.Info("cached record changed since planning, re-reconciling", "item", it.key())
		wasManual := it.action == ActionManual
		r.unrecordPlan(it)
		it.local = cur
		it.fingerprint = fingerprint(cur)
		it.outcome = reconcile.Reconcile(cur, it.remote)
		r.resolveItem(it)

		r.tally(it, 1)
		if it.action != ActionNone {
			r.rep.plan(plannedAction(it))
		}
		switch {
		case it.action == ActionManual && wasManual:
			r.rep.conflict(*it.resolution)
		case it.action == ActionManual:
			r.reportConflict(it)
		}
	}
}

// staleIncoming reports whether writing the remote snapshot would move the
// cached revision backwards.
func (r *run) staleIncoming(it *planItem) bool {
	if it.local == nil || it.local.Tombstone || it.remote == nil {
		return false
	}
	if !types.RevisionOlder(it.remote.Revision, it.local.Revision) {
		return false
	}
	r.logger.Warn("incoming revision is older than cached, skipping",
		"item", it.key(), "incoming", it.remote.Revision, "cached", it.local.Revision)
	r.rep.count(it.typ, func(tr *TypeReport) { tr.Skipped++ })
	return true
}

func (r *run) download(ctx context.Context, it *planItem) error {
	if r.staleIncoming(it) {
		return nil
	}
	rec := types.FromSnapshot(it.remote)
	if err := r.o.store.Save(ctx, rec); err != nil {
		return err
	}
	r.settled(ctx, it, ActionDownload, func(tr *TypeReport) { tr.Downloaded++ })
	return nil
}

func (r *run) upload(ctx context.Context, it *planItem) error {
	rec := it.local.Clone()
	if it.resolution != nil {
		rec.Fields = it.resolution.Resolved.Clone()
		rec.Revision = it.remote.Revision
	}

	rt := r.retry
	if rec.Revision == "" {
		// A create that failed mid-flight may have landed; only retry when
		// the remote said it did nothing.
		rt = r.createRetry
	}
	var snap *types.RemoteSnapshot
	_, err := rt.do(ctx, func(ctx context.Context) error {
		s, err := r.o.remote.Apply(ctx, it.typ, rec)
		snap = s
		return err
	})
	if err != nil {
		return err
	}
	snap = normalize(snap, it.typ, it.id)

	if err := r.o.store.Save(ctx, types.FromSnapshot(snap)); err != nil {
		return err
	}
	if snap.ID != it.id {
		if err := r.o.store.Remove(ctx, it.typ, it.id); err != nil {
			return err
		}
		r.logger.Info("remote assigned id", "type", it.typ, "from", it.id, "to", snap.ID)
		r.rep.renamed(IDChange{Type: it.typ, From: it.id, To: snap.ID})
	}
	r.settled(ctx, it, ActionUpload, func(tr *TypeReport) { tr.Uploaded++ })
	return nil
}

// rebase keeps the resolved fields as pending local edits on top of the
// remote version. Used when a resolution needs a push the run may not do.
func (r *run) rebase(ctx context.Context, it *planItem) error {
	if r.staleIncoming(it) {
		return nil
	}
	rec := it.local.Clone()
	rec.Fields = it.resolution.Resolved.Clone()
	rec.Baseline = it.remote.Fields.Clone()
	rec.Revision = it.remote.Revision
	rec.ChangedAt = it.remote.ChangedAt
	rec.SyncedHash = rec.Baseline.Hash()
	if err := r.o.store.Save(ctx, rec); err != nil {
		return err
	}
	r.settled(ctx, it, ActionRebase, func(tr *TypeReport) { tr.Downloaded++ })
	return nil
}

func (r *run) tombstone(ctx context.Context, it *planItem) error {
	rec := it.local.Clone()
	rec.MarkTombstone(r.o.now().UTC())
	if err := r.o.store.Save(ctx, rec); err != nil {
		return err
	}
	r.settled(ctx, it, ActionTombstone, func(tr *TypeReport) { tr.Deleted++ })
	return nil
}

// settled counts a successful write and drops any journalled conflict the
// write superseded.
func (r *run) settled(ctx context.Context, it *planItem, a Action, fn func(*TypeReport)) {
	r.rep.count(it.typ, fn)
	if err := r.o.journal.Clear(ctx, it.typ, it.id); err != nil {
		r.logger.Warn("failed to clear journalled conflict", "item", it.key(), "error", err)
	}
	r.logger.Debug("applied", "item", it.key(), "action", a)
	r.notify(Event{Kind: EventItemApplied, Type: it.typ, ItemID: it.id, Action: a})
}
