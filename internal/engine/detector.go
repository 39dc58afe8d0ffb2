package engine

import (
	"context"
	"fmt"
	"sort"
)

// ChangeDetector queries one store for rows changed since a watermark. It
// validates the table spec up front, stamps the origin side on every record,
// and enforces the deterministic (marker asc, primary key asc) ordering the
// orchestrator and any queue-crossing serialization depend on.
type ChangeDetector struct {
	store  Store
	origin Side
}

// NewChangeDetector builds a detector over one side's store.
func NewChangeDetector(store Store, origin Side) *ChangeDetector {
	return &ChangeDetector{store: store, origin: origin}
}

// Origin returns the side this detector reads from.
func (d *ChangeDetector) Origin() Side {
	return d.origin
}

// DetectChanges returns the ordered change records with marker strictly
// greater than the watermark. Detection is read-only. A table lacking a
// usable change marker fails fast with a configuration error naming it.
func (d *ChangeDetector) DetectChanges(ctx context.Context, spec TableSpec, watermark Marker) ([]ChangeRecord, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if !watermark.IsZero() && watermark.Kind != spec.MarkerKind {
		return nil, NewConfigurationError(fmt.Errorf(
			"table %s: watermark kind %s does not match marker kind %s",
			spec.Name, watermark.Kind, spec.MarkerKind))
	}

	records, err := d.store.DetectChanges(ctx, spec, watermark)
	if err != nil {
		return nil, err
	}

	for i := range records {
		records[i].Origin = d.origin
		if records[i].Table == "" {
			records[i].Table = spec.Name
		}
		if records[i].Hash == "" && records[i].Data != nil {
			records[i].Hash = MustContentHash(records[i].Data)
		}
	}

	// Stores are expected to order results themselves; re-sorting here keeps
	// the resumable-ordering guarantee independent of driver quirks.
	sortRecords(records, spec.PrimaryKeys)

	return records, nil
}

// sortRecords orders records ascending by marker, ties broken by normalized
// primary key ascending. The tie-break compares the stringified key, so
// numeric keys with equal markers order lexicographically ("10" before "2")
// rather than numerically as the stores' ORDER BY does. Both orders are
// deterministic and resumable; markers are the resumption point, so the
// divergence on exact-tie keys never changes which rows a watermark covers.
func sortRecords(records []ChangeRecord, primaryKeys []string) {
	sort.SliceStable(records, func(i, j int) bool {
		cmp, err := records[i].Marker.Compare(records[j].Marker)
		if err == nil && cmp != 0 {
			return cmp < 0
		}
		return records[i].KeyString(primaryKeys) < records[j].KeyString(primaryKeys)
	})
}
