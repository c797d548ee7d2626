package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/steveyegge/wisync/internal/reconcile"
	"github.com/steveyegge/wisync/internal/resolve"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// planItem carries one item through a run.
type planItem struct {
	typ, id string

	// loaded is set once local holds the cached record (nil when absent or
	// unreadable).
	loaded bool
	local  *types.WorkItemRecord
	remote *types.RemoteSnapshot

	outcome    types.ReconciliationOutcome
	resolution *types.ConflictResolution
	action     Action

	// fingerprint identifies the local record the plan was computed from.
	fingerprint string

	// dropped items failed before planning and take no further part.
	dropped bool
}

func (it *planItem) key() string { return types.ItemKey(it.typ, it.id) }

// fingerprint identifies a stored record version. Revision covers remote
// writes landing in the cache, LocalHash covers local edits.
func fingerprint(rec *types.WorkItemRecord) string {
	if rec == nil {
		return ""
	}
	return rec.Revision + "\x00" + rec.LocalHash
}

// candidates selects the items of typ the run looks at:
//
//	pull, both:        ids the remote lists as changed in the window
//	full pull, both:   every live local id, so deletions are noticed
//	push, both:        every dirty local id
func (r *run) candidates(ctx context.Context, typ string) ([]*planItem, error) {
	byID := make(map[string]*planItem)
	add := func(id string) *planItem {
		it, ok := byID[id]
		if !ok {
			it = &planItem{typ: typ, id: id}
			byID[id] = it
		}
		return it
	}

	dir, full := r.req.Direction, r.req.Scope == types.ScopeFull
	if dir.Pulls() {
		var listed []string
		_, err := r.retry.do(ctx, func(ctx context.Context) error {
			ids, err := r.o.remote.ListChanged(ctx, typ, r.window)
			listed = ids
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list changed %s items: %w", typ, err)
		}
		for _, id := range listed {
			add(id)
		}
	}

	if full || dir.Pushes() {
		// Every listed id is now known to be absent locally unless the scan
		// below finds it.
		for _, it := range byID {
			it.loaded = true
		}
		for rec, err := range r.o.store.LoadAll(ctx, typ) {
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				if !syncerr.IsIntegrity(err) {
					return nil, err
				}
				var se *syncerr.Error
				if !errors.As(err, &se) || se.ItemID == "" {
					// No id to fetch again under; the entry is left alone.
					r.logger.Warn("skipping undecodable cache entry", "type", typ, "error", err)
					continue
				}
				r.logger.Warn("unreadable cache record, treating as absent", "item", types.ItemKey(typ, se.ItemID), "error", err)
				if dir.Pulls() {
					it := add(se.ItemID)
					it.loaded, it.local = true, nil
				} else {
					// A push cannot repair it, and any edit in it would be lost
					// unseen by the next pull.
					r.rep.itemError(typ, se.ItemID, err)
				}
				continue
			}
			if it, ok := byID[rec.ID]; ok {
				it.local = rec
				continue
			}
			if (full && dir.Pulls() && !rec.Tombstone) || (dir.Pushes() && rec.IsDirty()) {
				it := add(rec.ID)
				it.loaded, it.local = true, rec
			}
		}
	}

	items := make([]*planItem, 0, len(byID))
	for _, it := range byID {
		items = append(items, it)
	}
	sort.Slice(items, func(a, b int) bool { return items[a].id < items[b].id })
	return items, nil
}

// fetchItem loads the local record, when not already known, and the remote
// detail. Only fatal errors are returned; item failures are reported and
// the item is dropped.
func (r *run) fetchItem(ctx context.Context, it *planItem) error {
	if !it.loaded {
		local, err := r.o.store.Load(ctx, it.typ, it.id)
		switch {
		case syncerr.IsIntegrity(err):
			r.logger.Warn("unreadable cache record, treating as absent", "item", it.key(), "error", err)
		case err != nil:
			if ctx.Err() != nil {
				it.dropped = true
				return nil
			}
			r.dropItem(it, err)
			return nil
		default:
			it.local = local
		}
		it.loaded = true
	}

	if it.local != nil && it.local.NeverSynced() {
		return nil
	}

	var snap *types.RemoteSnapshot
	_, err := r.retry.do(ctx, func(ctx context.Context) error {
		s, err := r.o.remote.FetchDetail(ctx, it.typ, it.id)
		snap = s
		return err
	})
	switch {
	case err == nil:
		it.remote = normalize(snap, it.typ, it.id)
	case syncerr.IsNotFound(err):
		it.remote = nil
	case ctx.Err() != nil:
		it.dropped = true
	case syncerr.IsFatal(err):
		return err
	default:
		r.dropItem(it, err)
	}
	return nil
}

func (r *run) dropItem(it *planItem, err error) {
	it.dropped = true
	r.logger.Warn("item failed", "item", it.key(), "error", err)
	r.rep.itemError(it.typ, it.id, err)
}

// normalize fills identity fields some remotes leave out of responses.
func normalize(s *types.RemoteSnapshot, typ, id string) *types.RemoteSnapshot {
	if s == nil {
		return nil
	}
	if s.Type == "" {
		s.Type = typ
	}
	if s.ID == "" {
		s.ID = id
	}
	return s
}

// reconcileItem classifies one fetched item.
func (r *run) reconcileItem(it *planItem) {
	it.fingerprint = fingerprint(it.local)
	it.outcome = reconcile.Reconcile(it.local, it.remote)
	if it.outcome.ItemID == "" {
		it.outcome.ItemID, it.outcome.Type = it.id, it.typ
	}
}

// resolveItem settles conflicts and picks the action for the item.
func (r *run) resolveItem(it *planItem) {
	it.resolution = nil
	switch {
	case it.outcome.Classification == types.Conflict:
		res := r.o.resolver.Resolve(it.outcome)
		it.resolution = &res
	case it.outcome.Classification == types.DeletedRemote && it.local.IsDirty():
		res := resolve.Manual{}.Resolve(it.outcome)
		res.Reason = "remote deleted an item with local edits"
		it.resolution = &res
	}
	it.action = chooseAction(it, r.req.Direction)
}

// chooseAction maps a reconciled item to what the run does with it.
func chooseAction(it *planItem, dir types.Direction) Action {
	o := it.outcome
	switch o.Classification {
	case types.NewRemote, types.UpdatedRemote:
		if dir.Pulls() {
			return ActionDownload
		}
		return ActionSkip

	case types.NewLocal, types.UpdatedLocal:
		if dir.Pushes() {
			return ActionUpload
		}
		return ActionSkip

	case types.DeletedRemote:
		if it.resolution != nil {
			return ActionManual
		}
		if dir.Pulls() {
			return ActionTombstone
		}
		return ActionSkip

	case types.Conflict:
		res := it.resolution
		if res == nil || res.RequiresManualAction || res.Resolved == nil {
			return ActionManual
		}
		// A resolution that lands exactly on the remote version has nothing
		// to push.
		if res.Resolved.Hash() == o.Remote.Fields.Hash() {
			return ActionDownload
		}
		if dir.Pushes() {
			return ActionUpload
		}
		return ActionRebase
	}
	return ActionNone
}

// plannedAction describes it for the report.
func plannedAction(it *planItem) PlannedAction {
	a := PlannedAction{
		Type:           it.typ,
		ItemID:         it.id,
		Classification: it.outcome.Classification,
		Action:         it.action,
		Fields:         it.outcome.FieldDiffs,
	}
	if it.resolution != nil {
		a.Strategy = it.resolution.Strategy
	}
	return a
}

// recordPlan counts one planned item in the report.
func (r *run) recordPlan(it *planItem) {
	r.tally(it, 1)
	if it.action != ActionNone {
		r.rep.plan(plannedAction(it))
	}
	if it.action == ActionManual {
		r.reportConflict(it)
	}
}

// unrecordPlan takes back the report entries of an item's earlier plan.
func (r *run) unrecordPlan(it *planItem) {
	r.tally(it, -1)
	r.rep.unplan(it.typ, it.id)
}

// tally adds n to the plan counters of one item.
func (r *run) tally(it *planItem, n int) {
	r.rep.count(it.typ, func(tr *TypeReport) {
		if tr.Classes == nil {
			tr.Classes = make(map[types.Classification]int)
		}
		tr.Classes[it.outcome.Classification] += n
		if tr.Classes[it.outcome.Classification] == 0 {
			delete(tr.Classes, it.outcome.Classification)
		}
		switch it.action {
		case ActionNone:
			tr.Unchanged += n
		case ActionSkip:
			tr.Skipped += n
		}
		if it.resolution != nil {
			tr.Conflicts += n
			if !it.resolution.RequiresManualAction {
				tr.AutoResolved += n
			}
		}
	})
}

func (r *run) reportConflict(it *planItem) {
	res := *it.resolution
	r.rep.conflict(res)
	r.logger.Info("conflict needs manual action", "item", it.key(), "reason", res.Reason, "fields", res.Overlapping)
	r.notify(Event{Kind: EventConflictFound, Type: it.typ, ItemID: it.id, Conflict: &res})
}
