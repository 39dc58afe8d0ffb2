// Package engine implements the bi-directional synchronization core: change
// detection contracts, conflict resolution, and the per-table sync pass.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Op is the kind of change applied to a row.
type Op string

const (
	// OpInsert is a row insertion
	OpInsert Op = "insert"
	// OpUpdate is a row update
	OpUpdate Op = "update"
	// OpDelete is a row deletion (soft deletes surface as this)
	OpDelete Op = "delete"
)

// Side identifies which store a change originated from or which side won a conflict.
type Side string

const (
	// SideCloud is the cloud-hosted store
	SideCloud Side = "cloud"
	// SideLocal is the remote on-premise store
	SideLocal Side = "local"
)

// MarkerKind distinguishes the two supported change marker domains.
type MarkerKind string

const (
	// MarkerKindTimestamp is a designated last-modified timestamp column
	MarkerKindTimestamp MarkerKind = "timestamp"
	// MarkerKindVersion is a store-native monotonic version counter
	MarkerKindVersion MarkerKind = "version"
)

// Marker is a per-row ordered change marker. Exactly one of Time or Version is
// meaningful depending on Kind. Both sides of a synced table must expose the
// same marker kind; cross-kind translation is an external responsibility.
type Marker struct {
	Kind    MarkerKind `json:"kind"`
	Time    time.Time  `json:"time,omitempty"`
	Version int64      `json:"version,omitempty"`
}

// TimestampMarker builds a timestamp-kind marker.
func TimestampMarker(t time.Time) Marker {
	return Marker{Kind: MarkerKindTimestamp, Time: t}
}

// VersionMarker builds a version-counter-kind marker.
func VersionMarker(v int64) Marker {
	return Marker{Kind: MarkerKindVersion, Version: v}
}

// IsZero reports whether the marker is unset.
func (m Marker) IsZero() bool {
	return m.Kind == ""
}

// Compare returns -1, 0, or 1 ordering m against other. Comparing markers of
// different kinds is a configuration-level failure, never a guess.
func (m Marker) Compare(other Marker) (int, error) {
	if m.Kind == "" || other.Kind == "" {
		return 0, NewConfigurationError(fmt.Errorf("cannot compare unset change markers"))
	}
	if m.Kind != other.Kind {
		return 0, NewConfigurationError(
			fmt.Errorf("cannot compare change markers of different kinds: %s vs %s", m.Kind, other.Kind))
	}
	switch m.Kind {
	case MarkerKindTimestamp:
		switch {
		case m.Time.Before(other.Time):
			return -1, nil
		case m.Time.After(other.Time):
			return 1, nil
		default:
			return 0, nil
		}
	case MarkerKindVersion:
		switch {
		case m.Version < other.Version:
			return -1, nil
		case m.Version > other.Version:
			return 1, nil
		default:
			return 0, nil
		}
	default:
		return 0, NewConfigurationError(fmt.Errorf("unknown marker kind: %s", m.Kind))
	}
}

// String returns a human-readable form of the marker for logs and audit lines.
func (m Marker) String() string {
	switch m.Kind {
	case MarkerKindTimestamp:
		return m.Time.UTC().Format(time.RFC3339Nano)
	case MarkerKindVersion:
		return fmt.Sprintf("v%d", m.Version)
	default:
		return "<unset>"
	}
}

// TableSpec describes how a single table is synchronized: which columns form
// the primary key and which column carries the change marker.
type TableSpec struct {
	// Name is the table name, identical on both sides
	Name string `yaml:"name" json:"name"`

	// PrimaryKeys are the primary-key column names, in canonical order
	PrimaryKeys []string `yaml:"primaryKeys" json:"primary_keys"`

	// MarkerColumn is the column holding the change marker
	MarkerColumn string `yaml:"markerColumn" json:"marker_column"`

	// MarkerKind is the marker domain of MarkerColumn
	MarkerKind MarkerKind `yaml:"markerKind" json:"marker_kind"`

	// SoftDeleteColumn, when set, names a boolean column flagging soft-deleted
	// rows. Flagged rows are surfaced as delete-type changes.
	SoftDeleteColumn string `yaml:"softDeleteColumn,omitempty" json:"soft_delete_column,omitempty"`
}

// Validate fails fast on specs the engine cannot synchronize.
func (s TableSpec) Validate() error {
	if s.Name == "" {
		return NewConfigurationError(fmt.Errorf("table spec: name is required"))
	}
	if len(s.PrimaryKeys) == 0 {
		return NewConfigurationError(fmt.Errorf("table %s: at least one primary key column is required", s.Name))
	}
	if s.MarkerColumn == "" {
		return NewConfigurationError(fmt.Errorf("table %s: no usable change marker column configured", s.Name))
	}
	switch s.MarkerKind {
	case MarkerKindTimestamp, MarkerKindVersion:
	default:
		return NewConfigurationError(fmt.Errorf("table %s: unknown marker kind %q", s.Name, s.MarkerKind))
	}
	return nil
}

// ChangeRecord is the canonical representation of a single detected row change,
// shared by the detector, resolver, and orchestrator. Records are ephemeral:
// produced and consumed within one sync pass.
type ChangeRecord struct {
	Table      string         `json:"table"`
	Op         Op             `json:"op"`
	PrimaryKey map[string]any `json:"primary_key"`
	// Data is the row snapshot; nil for deletes
	Data   map[string]any `json:"data,omitempty"`
	Marker Marker         `json:"marker"`
	Origin Side           `json:"origin"`
	Hash   string         `json:"hash"`
}

// keySeparator joins stringified primary-key components. The unit separator
// cannot appear in stringified key values produced by fmt, which keeps
// composite keys unambiguous.
const keySeparator = "\x1f"

// KeyString returns the normalized primary-key lookup string for the record,
// with components ordered by the spec's primary-key column order.
func (r ChangeRecord) KeyString(primaryKeys []string) string {
	parts := make([]string, len(primaryKeys))
	for i, col := range primaryKeys {
		parts[i] = fmt.Sprint(r.PrimaryKey[col])
	}
	return strings.Join(parts, keySeparator)
}

// Store is the uniform capability interface through which the engine talks to
// either side. Implementations live in internal/store; the orchestrator is
// store-kind agnostic and only dispatches through this interface.
type Store interface {
	// DetectChanges returns rows whose marker is strictly greater than since,
	// ascending by marker with ties broken by primary key. Detection never
	// mutates the source. A zero since marker means "everything".
	DetectChanges(ctx context.Context, spec TableSpec, since Marker) ([]ChangeRecord, error)

	// Apply writes one change record to the store: upsert for inserts and
	// updates, delete (soft when the spec has a soft-delete column) otherwise.
	Apply(ctx context.Context, spec TableSpec, rec ChangeRecord) error

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases the underlying connections.
	Close() error
}

// ConflictType classifies a conflict by the pair of operation kinds.
type ConflictType string

const (
	// ConflictUpdateUpdate means both sides updated the row
	ConflictUpdateUpdate ConflictType = "update_update"
	// ConflictUpdateDelete means cloud updated while local deleted
	ConflictUpdateDelete ConflictType = "update_delete"
	// ConflictDeleteUpdate means cloud deleted while local updated
	ConflictDeleteUpdate ConflictType = "delete_update"
)

// classifyConflict derives the conflict type from the two operation kinds.
// Inserts participating in a conflict behave like updates: the row exists on
// both sides with diverged content.
func classifyConflict(cloudOp, localOp Op) ConflictType {
	switch {
	case cloudOp != OpDelete && localOp == OpDelete:
		return ConflictUpdateDelete
	case cloudOp == OpDelete && localOp != OpDelete:
		return ConflictDeleteUpdate
	default:
		return ConflictUpdateUpdate
	}
}

// Conflict is a contested key: both sides changed the same record since the
// watermark and the resulting content differs.
type Conflict struct {
	Table       string         `json:"table"`
	PrimaryKey  map[string]any `json:"primary_key"`
	CloudData   map[string]any `json:"cloud_data,omitempty"`
	CloudMarker Marker         `json:"cloud_marker"`
	LocalData   map[string]any `json:"local_data,omitempty"`
	LocalMarker Marker         `json:"local_marker"`
	Type        ConflictType   `json:"type"`
}

// Resolution is the outcome of resolving a conflict. Pending means no
// automatic application occurs and the conflict is parked for an operator.
type Resolution struct {
	Pending bool           `json:"pending"`
	Winner  Side           `json:"winner,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}
