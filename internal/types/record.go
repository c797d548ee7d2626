package types

import (
	"fmt"
	"regexp"
	"time"
)

// typePattern restricts item types to names that are safe as directory
// names and object-key segments.
var typePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// WorkItemRecord is one cached work item.
//
// Baseline holds the fields as they were at the last successful sync and
// SyncedHash its fingerprint. Together with Revision they form the common
// ancestor for three-way reconciliation: Fields drifting from SyncedHash is
// a local edit, Revision drifting from the remote is a remote edit.
type WorkItemRecord struct {
	// ===== Identity =====
	ID   string `json:"id" yaml:"id"`
	Type string `json:"type" yaml:"type"`

	// ===== Remote change tracking =====
	Revision  string    `json:"revision,omitempty" yaml:"revision,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty" yaml:"changed_at,omitempty"`

	// ===== Content =====
	Fields   Fields `json:"fields" yaml:"fields"`
	Baseline Fields `json:"baseline" yaml:"baseline"`

	// ===== Fingerprints =====
	SyncedHash string `json:"synced_hash,omitempty" yaml:"synced_hash,omitempty"`
	LocalHash  string `json:"local_hash" yaml:"local_hash"`

	// ===== Local bookkeeping =====
	CachedAt  time.Time  `json:"cached_at" yaml:"cached_at"`
	Tombstone bool       `json:"tombstone,omitempty" yaml:"tombstone,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" yaml:"deleted_at,omitempty"`
}

// NewRecord creates a never-synced record, as written by a local edit of an
// item the remote has not seen yet.
func NewRecord(typ, id string, fields Fields) *WorkItemRecord {
	return &WorkItemRecord{
		ID:     id,
		Type:   typ,
		Fields: fields.Clone(),
	}
}

// FromSnapshot creates a record that is in sync with the given snapshot.
func FromSnapshot(s *RemoteSnapshot) *WorkItemRecord {
	r := &WorkItemRecord{}
	r.MarkSynced(s)
	return r
}

// Validate checks the identity fields.
func (r *WorkItemRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if err := ValidateType(r.Type); err != nil {
		return err
	}
	return nil
}

// ValidateType checks that an item type is usable as a cache partition.
func ValidateType(typ string) error {
	if typ == "" {
		return fmt.Errorf("type is required")
	}
	if !typePattern.MatchString(typ) {
		return fmt.Errorf("type %q must match %s", typ, typePattern.String())
	}
	return nil
}

// NeverSynced reports whether the record was created locally and has no
// remote counterpart yet.
func (r *WorkItemRecord) NeverSynced() bool {
	return r.Revision == "" && r.SyncedHash == ""
}

// IsDirty reports whether the record carries local edits not yet pushed.
func (r *WorkItemRecord) IsDirty() bool {
	if r.Tombstone {
		return false
	}
	return r.NeverSynced() || r.Fields.Hash() != r.SyncedHash
}

// VerifyHash reports whether LocalHash matches the stored fields.
func (r *WorkItemRecord) VerifyHash() bool {
	return r.LocalHash == r.Fields.Hash()
}

// MarkSynced makes the record mirror an authoritative remote snapshot and
// records it as the new baseline.
func (r *WorkItemRecord) MarkSynced(s *RemoteSnapshot) {
	r.ID = s.ID
	r.Type = s.Type
	r.Fields = s.Fields.Clone()
	r.Baseline = s.Fields.Clone()
	r.Revision = s.Revision
	r.ChangedAt = s.ChangedAt
	r.SyncedHash = r.Baseline.Hash()
	r.Tombstone = false
	r.DeletedAt = nil
}

// MarkTombstone records an observed remote deletion.
func (r *WorkItemRecord) MarkTombstone(at time.Time) {
	r.Tombstone = true
	t := at
	r.DeletedAt = &t
}

// Key returns "type/id", used for logging and locking.
func (r *WorkItemRecord) Key() string {
	return ItemKey(r.Type, r.ID)
}

// Clone returns a deep copy.
func (r *WorkItemRecord) Clone() *WorkItemRecord {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = r.Fields.Clone()
	c.Baseline = r.Baseline.Clone()
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// RemoteSnapshot is an item as read from, or written to, the remote service
// during one run. Snapshots are never mutated after they are fetched.
type RemoteSnapshot struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Fields    Fields    `json:"fields"`
	Revision  string    `json:"revision"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// Key returns "type/id".
func (s *RemoteSnapshot) Key() string {
	return ItemKey(s.Type, s.ID)
}

// Clone returns a deep copy.
func (s *RemoteSnapshot) Clone() *RemoteSnapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Fields = s.Fields.Clone()
	return &c
}

// ItemKey joins a type and id into the canonical item key.
func ItemKey(typ, id string) string {
	return typ + "/" + id
}
