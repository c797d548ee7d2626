// Package reconcile classifies how one work item changed between the cache
// and the remote.
//
// Reconcile is a pure decision function with no I/O: the orchestrator
// loads both sides, asks for a classification and performs the writes
// itself. The baseline stored on each record (the fields and revision as of
// the last successful sync) is the common ancestor:
//
//	local changed  = Hash(local.Fields) != local.SyncedHash
//	remote changed = remote.Revision   != local.Revision
//
// Only when both sides changed is the item a conflict.
package reconcile

import (
	"sort"

	"github.com/steveyegge/wisync/internal/types"
)

// Reconcile compares a cached record with the remote snapshot of the same
// item. Either side may be nil when it does not exist.
func Reconcile(local *types.WorkItemRecord, remote *types.RemoteSnapshot) types.ReconciliationOutcome {
	out := types.ReconciliationOutcome{Local: local, Remote: remote}
	switch {
	case local != nil:
		out.ItemID, out.Type = local.ID, local.Type
	case remote != nil:
		out.ItemID, out.Type = remote.ID, remote.Type
	}

	switch {
	case local == nil && remote == nil:
		out.Classification = types.Unchanged

	case local == nil:
		out.Classification = types.NewRemote

	case remote == nil:
		switch {
		case local.Tombstone:
			out.Classification = types.Unchanged
		case local.NeverSynced():
			out.Classification = types.NewLocal
		default:
			out.Classification = types.DeletedRemote
		}

	case local.Tombstone:
		// The remote brought a deleted item back.
		out.Classification = types.NewRemote

	default:
		localChanged := local.NeverSynced() || local.Fields.Hash() != local.SyncedHash
		remoteChanged := remote.Revision != local.Revision
		out.FieldDiffs = FieldDiff(local.Fields, remote.Fields)

		switch {
		case !localChanged && !remoteChanged:
			out.Classification = types.Unchanged
		case localChanged && !remoteChanged:
			out.Classification = types.UpdatedLocal
		case !localChanged && remoteChanged:
			out.Classification = types.UpdatedRemote
		default:
			out.Classification = types.Conflict
			out.LocalChanges = ChangedFields(local.Baseline, local.Fields)
			out.RemoteChanges = ChangedFields(local.Baseline, remote.Fields)
		}
	}
	return out
}

// FieldDiff returns the sorted names of fields whose values differ between
// a and b. A field present on only one side differs.
func FieldDiff(a, b types.Fields) []string {
	var diff []string
	for _, k := range a.Keys() {
		bv, ok := b.Get(k)
		if !ok {
			diff = append(diff, k)
			continue
		}
		av, _ := a.Get(k)
		if !types.ValuesEqual(av, bv) {
			diff = append(diff, k)
		}
	}
	for _, k := range b.Keys() {
		if !a.Has(k) {
			diff = append(diff, k)
		}
	}
	sort.Strings(diff)
	return diff
}

// ChangedFields returns the sorted names of fields current changed relative
// to baseline, deletions included.
func ChangedFields(baseline, current types.Fields) []string {
	return FieldDiff(baseline, current)
}
