package types

// Classification is the result of reconciling one item.
type Classification string

const (
	Unchanged     Classification = "unchanged"
	NewRemote     Classification = "newRemote"
	NewLocal      Classification = "newLocal"
	UpdatedRemote Classification = "updatedRemote"
	UpdatedLocal  Classification = "updatedLocal"
	Conflict      Classification = "conflict"
	DeletedRemote Classification = "deletedRemote"
)

// Classifications lists every classification in report order.
var Classifications = []Classification{
	Unchanged, NewRemote, NewLocal, UpdatedRemote, UpdatedLocal, Conflict, DeletedRemote,
}

// ReconciliationOutcome is the per-item, per-run comparison result.
type ReconciliationOutcome struct {
	ItemID         string          `json:"item_id"`
	Type           string          `json:"type"`
	Classification Classification  `json:"classification"`
	Local          *WorkItemRecord `json:"local,omitempty"`
	Remote         *RemoteSnapshot `json:"remote,omitempty"`

	// FieldDiffs names the fields whose values differ between the local and
	// remote versions, sorted.
	FieldDiffs []string `json:"field_diffs,omitempty"`

	// LocalChanges and RemoteChanges name the fields each side changed
	// relative to the baseline. Only populated for conflicts.
	LocalChanges  []string `json:"local_changes,omitempty"`
	RemoteChanges []string `json:"remote_changes,omitempty"`
}

// Key returns "type/id".
func (o *ReconciliationOutcome) Key() string {
	return ItemKey(o.Type, o.ItemID)
}

// Strategy names how a conflict was, or must be, settled.
type Strategy string

const (
	StrategyRemoteWins    Strategy = "remote-wins"
	StrategyLocalWins     Strategy = "local-wins"
	StrategyMerge         Strategy = "merge"
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategyManual        Strategy = "manual"
)

// ConflictResolution is the resolver's verdict on one conflict.
//
// When RequiresManualAction is set, Resolved is nil and both LocalFields
// and RemoteFields are kept so a caller can show and settle the conflict.
type ConflictResolution struct {
	ItemID               string   `json:"item_id" yaml:"item_id"`
	Type                 string   `json:"type" yaml:"type"`
	Strategy             Strategy `json:"strategy" yaml:"strategy"`
	Resolved             *Fields  `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	RequiresManualAction bool     `json:"requires_manual_action" yaml:"requires_manual_action"`
	Overlapping          []string `json:"overlapping,omitempty" yaml:"overlapping,omitempty"`
	LocalFields          Fields   `json:"local_fields" yaml:"local_fields"`
	RemoteFields         Fields   `json:"remote_fields" yaml:"remote_fields"`
	RemoteRevision       string   `json:"remote_revision,omitempty" yaml:"remote_revision,omitempty"`
	RemoteDeleted        bool     `json:"remote_deleted,omitempty" yaml:"remote_deleted,omitempty"`
	Reason               string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Key returns "type/id".
func (c *ConflictResolution) Key() string {
	return ItemKey(c.Type, c.ItemID)
}
