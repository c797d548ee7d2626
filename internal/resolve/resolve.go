// Package resolve settles conflicts found by the reconciliation engine.
//
// A Resolver turns a conflict outcome into a ConflictResolution: either a
// resolved field set the orchestrator can write, or a request for manual
// action that keeps both sides for display. The default, FieldMerge, merges
// edits that touched different fields and refuses to guess when both sides
// changed the same field to different values.
package resolve

import (
	"fmt"
	"sort"
	"strings"

	"github.com/steveyegge/wisync/internal/reconcile"
	"github.com/steveyegge/wisync/internal/types"
)

// Resolver settles one conflict.
type Resolver interface {
	Resolve(o types.ReconciliationOutcome) types.ConflictResolution
	Strategy() types.Strategy
}

// Names lists the strategy names accepted by ByName.
var Names = []string{
	string(types.StrategyMerge),
	string(types.StrategyRemoteWins),
	string(types.StrategyLocalWins),
	string(types.StrategyLastWriteWins),
	string(types.StrategyManual),
}

// ByName returns the resolver for a configured strategy name. The empty
// name selects FieldMerge.
func ByName(name string) (Resolver, error) {
	switch types.Strategy(strings.ToLower(strings.TrimSpace(name))) {
	case "", types.StrategyMerge:
		return FieldMerge{}, nil
	case types.StrategyRemoteWins:
		return RemoteWins{}, nil
	case types.StrategyLocalWins:
		return LocalWins{}, nil
	case types.StrategyLastWriteWins:
		return LastWriteWins{}, nil
	case types.StrategyManual:
		return Manual{}, nil
	default:
		return nil, fmt.Errorf("unknown conflict strategy %q (valid: %s)", name, strings.Join(Names, ", "))
	}
}

// base fills the fields every resolution carries.
func base(o types.ReconciliationOutcome, s types.Strategy) types.ConflictResolution {
	res := types.ConflictResolution{ItemID: o.ItemID, Type: o.Type, Strategy: s}
	if o.Local != nil {
		res.LocalFields = o.Local.Fields.Clone()
	}
	if o.Remote != nil {
		res.RemoteFields = o.Remote.Fields.Clone()
		res.RemoteRevision = o.Remote.Revision
	} else {
		res.RemoteDeleted = true
	}
	return res
}

func manual(o types.ReconciliationOutcome, overlapping []string, reason string) types.ConflictResolution {
	res := base(o, types.StrategyManual)
	res.RequiresManualAction = true
	res.Overlapping = overlapping
	res.Reason = reason
	return res
}

func resolved(o types.ReconciliationOutcome, s types.Strategy, f types.Fields, reason string) types.ConflictResolution {
	res := base(o, s)
	res.Resolved = &f
	res.Reason = reason
	return res
}

// changes returns the local and remote change sets, computing them when the
// outcome does not carry them.
func changes(o types.ReconciliationOutcome) (local, remote []string) {
	local, remote = o.LocalChanges, o.RemoteChanges
	if local == nil && remote == nil && o.Local != nil && o.Remote != nil {
		local = reconcile.ChangedFields(o.Local.Baseline, o.Local.Fields)
		remote = reconcile.ChangedFields(o.Local.Baseline, o.Remote.Fields)
	}
	return local, remote
}

// overlap returns fields changed on both sides whose final values differ.
// Both sides setting a field to the same value is not a clash.
func overlap(o types.ReconciliationOutcome, local, remote []string) []string {
	inRemote := make(map[string]bool, len(remote))
	for _, f := range remote {
		inRemote[f] = true
	}
	var out []string
	for _, f := range local {
		if !inRemote[f] {
			continue
		}
		lv, lok := o.Local.Fields.Get(f)
		rv, rok := o.Remote.Fields.Get(f)
		if lok != rok || (lok && !types.ValuesEqual(lv, rv)) {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// overlay applies the local value (or deletion) of each named field onto
// merged.
func overlay(merged *types.Fields, local types.Fields, names []string) {
	for _, f := range names {
		if v, ok := local.Get(f); ok {
			merged.Set(f, v)
		} else {
			merged.Delete(f)
		}
	}
}

// FieldMerge merges edits to disjoint fields: the result is the remote
// fields with every locally changed field applied on top. Clashing edits
// to the same field require manual action.
type FieldMerge struct{}

func (FieldMerge) Strategy() types.Strategy { return types.StrategyMerge }

func (FieldMerge) Resolve(o types.ReconciliationOutcome) types.ConflictResolution {
	if o.Local == nil || o.Remote == nil {
		return manual(o, nil, "remote deleted an item with local edits")
	}
	local, remote := changes(o)
	if clash := overlap(o, local, remote); len(clash) > 0 {
		return manual(o, clash, fmt.Sprintf("both sides changed %s", strings.Join(clash, ", ")))
	}
	merged := o.Remote.Fields.Clone()
	overlay(&merged, o.Local.Fields, local)
	return resolved(o, types.StrategyMerge, merged, "changes touch different fields")
}

// RemoteWins discards local edits.
type RemoteWins struct{}

func (RemoteWins) Strategy() types.Strategy { return types.StrategyRemoteWins }

func (RemoteWins) Resolve(o types.ReconciliationOutcome) types.ConflictResolution {
	if o.Remote == nil {
		return manual(o, nil, "remote deleted an item with local edits")
	}
	return resolved(o, types.StrategyRemoteWins, o.Remote.Fields.Clone(), "remote wins")
}

// LocalWins overwrites the remote with the local fields.
type LocalWins struct{}

func (LocalWins) Strategy() types.Strategy { return types.StrategyLocalWins }

func (LocalWins) Resolve(o types.ReconciliationOutcome) types.ConflictResolution {
	if o.Local == nil {
		return manual(o, nil, "no local copy")
	}
	return resolved(o, types.StrategyLocalWins, o.Local.Fields.Clone(), "local wins")
}

// LastWriteWins merges disjoint fields like FieldMerge and settles clashing
// fields by comparing the local edit time (CachedAt) with the remote change
// time. Ties go to the remote.
type LastWriteWins struct{}

func (LastWriteWins) Strategy() types.Strategy { return types.StrategyLastWriteWins }

func (LastWriteWins) Resolve(o types.ReconciliationOutcome) types.ConflictResolution {
	if o.Local == nil || o.Remote == nil {
		return manual(o, nil, "remote deleted an item with local edits")
	}
	local, remote := changes(o)
	clash := overlap(o, local, remote)

	localNewer := o.Local.CachedAt.After(o.Remote.ChangedAt)
	apply := local
	if !localNewer {
		clashing := make(map[string]bool, len(clash))
		for _, f := range clash {
			clashing[f] = true
		}
		apply = nil
		for _, f := range local {
			if !clashing[f] {
				apply = append(apply, f)
			}
		}
	}

	merged := o.Remote.Fields.Clone()
	overlay(&merged, o.Local.Fields, apply)

	reason := "changes touch different fields"
	if len(clash) > 0 {
		winner := "remote"
		if localNewer {
			winner = "local"
		}
		reason = fmt.Sprintf("%s edit is newer for %s", winner, strings.Join(clash, ", "))
	}
	res := resolved(o, types.StrategyLastWriteWins, merged, reason)
	res.Overlapping = clash
	return res
}

// Manual flags every conflict for a human.
type Manual struct{}

func (Manual) Strategy() types.Strategy { return types.StrategyManual }

func (Manual) Resolve(o types.ReconciliationOutcome) types.ConflictResolution {
	var clash []string
	if o.Local != nil && o.Remote != nil {
		local, remote := changes(o)
		clash = overlap(o, local, remote)
	}
	return manual(o, clash, "manual strategy configured")
}
