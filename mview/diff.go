package mview

import (
	"sort"

	"github.com/mitchellh/hashstructure/v2"
)

// diff compares fresh (the re-queried result set, keyed) against the
// subscription's stored snapshot and returns the row changes needed to
// bring the snapshot up to date, grouped and ordered so that creations
// precede updates precede deletions (§5's per-key ordering invariant is
// trivially satisfied here since each key appears in at most one of the
// three buckets). Keys are walked in sorted order within each bucket for
// determinism; this is not a correctness requirement but matches the
// engine's "byte-identical up to map ordering" determinism goal (§4.5)
// applied to CDC batches too.
func diff(prev map[string]Row, fresh map[string]Row) []RowChange {
	var created, updated, deleted []string

	for id := range fresh {
		if _, ok := prev[id]; !ok {
			created = append(created, id)
		}
	}
	for id, oldRow := range prev {
		newRow, ok := fresh[id]
		if !ok {
			deleted = append(deleted, id)
			continue
		}
		if !rowsEqual(oldRow, newRow) {
			updated = append(updated, id)
		}
	}
	sort.Strings(created)
	sort.Strings(updated)
	sort.Strings(deleted)

	out := make([]RowChange, 0, len(created)+len(updated)+len(deleted))
	for _, id := range created {
		out = append(out, RowChange{Kind: Created, ID: id, Row: fresh[id]})
	}
	for _, id := range updated {
		out = append(out, RowChange{Kind: Updated, ID: id, Row: fresh[id]})
	}
	for _, id := range deleted {
		out = append(out, RowChange{Kind: Deleted, ID: id})
	}
	return out
}

// rowsEqual reports whether a and b carry identical content, content-
// hashing each row (via Value's Hashable implementation, so the
// unexported variant fields are folded in correctly) to avoid spurious
// Updated events when a source re-reports an unchanged row. A hash
// collision would only ever suppress a real update, never fabricate one,
// so on any hashing error we conservatively fall back to a field-by-field
// comparison rather than risk silently dropping a genuine change.
func rowsEqual(a, b Row) bool {
	if len(a) != len(b) {
		return false
	}
	ha, errA := hashstructure.Hash(a, hashstructure.FormatV2, nil)
	hb, errB := hashstructure.Hash(b, hashstructure.FormatV2, nil)
	if errA == nil && errB == nil {
		return ha == hb
	}
	for k, v := range a {
		ov, ok := b[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// updateOrder applies a diff's changes onto the subscription's
// insertion-order trace: deleted ids are dropped, created ids are
// appended in the (already sorted) order diff produced them.
func updateOrder(order []string, changes []RowChange) []string {
	deleted := make(map[string]bool)
	for _, c := range changes {
		if c.Kind == Deleted {
			deleted[c.ID] = true
		}
	}
	out := make([]string, 0, len(order))
	for _, id := range order {
		if !deleted[id] {
			out = append(out, id)
		}
	}
	for _, c := range changes {
		if c.Kind == Created {
			out = append(out, c.ID)
		}
	}
	return out
}

// keyedRows indexes a freshly fetched row slice by its primary key.
func keyedRows(rows []Row, key KeyFunc) (map[string]Row, error) {
	out := make(map[string]Row, len(rows))
	for _, r := range rows {
		id, err := key(r)
		if err != nil {
			return nil, err
		}
		out[id] = r
	}
	return out, nil
}

// coalesce applies the backpressure coalescing rules (§5): within a
// pending batch, later events for the same primary key replace earlier
// ones per "latest Update wins; Create+Update collapses to Create; any
// sequence ending in Delete collapses to Delete", while preserving the
// first-occurrence order of each key's merged event so commit order
// across distinct keys is never disturbed.
func coalesce(pending []RowChange) []RowChange {
	type slot struct {
		change RowChange
		order  int
	}
	byID := make(map[string]*slot, len(pending))
	var order []string

	for i, c := range pending {
		id := c.ID
		if c.Kind != Deleted {
			if k, ok := c.Row["id"]; ok {
				if s, ok := k.Str(); ok {
					id = s
				}
			}
		}
		if id == "" {
			id = c.ID
		}
		existing, ok := byID[id]
		if !ok {
			byID[id] = &slot{change: c, order: i}
			order = append(order, id)
			continue
		}
		existing.change = mergeChange(existing.change, c)
	}

	out := make([]RowChange, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id].change)
	}
	return out
}

// mergeChange folds next onto prev for the same primary key, per the
// coalescing rules in §5.
func mergeChange(prev, next RowChange) RowChange {
	switch {
	case next.Kind == Deleted:
		return RowChange{Kind: Deleted, ID: keyOf(prev, next)}
	case prev.Kind == Created && next.Kind == Updated:
		return RowChange{Kind: Created, ID: next.ID, Row: next.Row}
	case prev.Kind == Deleted && next.Kind == Created:
		// A delete followed by a fresh create for the same id within one
		// window nets to a Created with the newest content.
		return RowChange{Kind: Created, ID: next.ID, Row: next.Row}
	default:
		return next
	}
}

func keyOf(prev, next RowChange) string {
	if next.ID != "" {
		return next.ID
	}
	return prev.ID
}
