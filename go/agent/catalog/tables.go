// Package catalog implements the in-memory draft/live/built catalog
// tables: dense tables keyed by catalog name, represented as sorted
// slices supporting binary search and inner-join, rather than scattered
// owned pointers.
package catalog

import (
	"sort"

	"github.com/estuary/flow/go/agent/model"
)

// LiveSpecs is a sorted-by-CatalogName table of live specs. The zero value
// is an empty table.
type LiveSpecs struct {
	rows []model.LiveSpec
}

// NewLiveSpecs builds a LiveSpecs table from arbitrarily ordered rows,
// sorting them by catalog name.
func NewLiveSpecs(rows []model.LiveSpec) *LiveSpecs {
	var t = &LiveSpecs{rows: append([]model.LiveSpec(nil), rows...)}
	sort.Slice(t.rows, func(i, j int) bool { return t.rows[i].CatalogName < t.rows[j].CatalogName })
	return t
}

// Len returns the number of rows.
func (t *LiveSpecs) Len() int { return len(t.rows) }

// All returns the rows in catalog-name order.
func (t *LiveSpecs) All() []model.LiveSpec { return t.rows }

// Get returns the row for the given name via binary search, and whether it
// was found.
func (t *LiveSpecs) Get(name model.CatalogName) (model.LiveSpec, bool) {
	var i = sort.Search(len(t.rows), func(i int) bool { return t.rows[i].CatalogName >= name })
	if i < len(t.rows) && t.rows[i].CatalogName == name {
		return t.rows[i], true
	}
	return model.LiveSpec{}, false
}

// Upsert inserts or replaces the row for row.CatalogName, preserving sort
// order.
func (t *LiveSpecs) Upsert(row model.LiveSpec) {
	var i = sort.Search(len(t.rows), func(i int) bool { return t.rows[i].CatalogName >= row.CatalogName })
	if i < len(t.rows) && t.rows[i].CatalogName == row.CatalogName {
		t.rows[i] = row
		return
	}
	t.rows = append(t.rows, model.LiveSpec{})
	copy(t.rows[i+1:], t.rows[i:])
	t.rows[i] = row
}

// GetNamed returns the subset of rows whose CatalogName appears in names,
// via a merge-join over the two sorted sequences (rather than a per-name
// binary search), mirroring LiveSpecs::get_named in tables/src/live.rs.
func (t *LiveSpecs) GetNamed(names []model.CatalogName) []model.LiveSpec {
	var sorted = append([]model.CatalogName(nil), names...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []model.LiveSpec
	var i, j int
	for i < len(t.rows) && j < len(sorted) {
		switch {
		case t.rows[i].CatalogName < sorted[j]:
			i++
		case t.rows[i].CatalogName > sorted[j]:
			j++
		default:
			out = append(out, t.rows[i])
			i++
			j++
		}
	}
	return out
}

// DraftSpecs is a sorted-by-CatalogName table of draft specs.
type DraftSpecs struct {
	rows []model.DraftSpec
}

// NewDraftSpecs builds a DraftSpecs table, sorting by catalog name.
func NewDraftSpecs(rows []model.DraftSpec) *DraftSpecs {
	var t = &DraftSpecs{rows: append([]model.DraftSpec(nil), rows...)}
	sort.Slice(t.rows, func(i, j int) bool { return t.rows[i].CatalogName < t.rows[j].CatalogName })
	return t
}

// Len returns the number of rows.
func (t *DraftSpecs) Len() int { return len(t.rows) }

// All returns the rows in catalog-name order.
func (t *DraftSpecs) All() []model.DraftSpec { return t.rows }

// Get returns the row for the given name, and whether it was found.
func (t *DraftSpecs) Get(name model.CatalogName) (model.DraftSpec, bool) {
	var i = sort.Search(len(t.rows), func(i int) bool { return t.rows[i].CatalogName >= name })
	if i < len(t.rows) && t.rows[i].CatalogName == name {
		return t.rows[i], true
	}
	return model.DraftSpec{}, false
}

// Names returns the sorted catalog names present in the table.
func (t *DraftSpecs) Names() []model.CatalogName {
	var out = make([]model.CatalogName, len(t.rows))
	for i, r := range t.rows {
		out[i] = r.CatalogName
	}
	return out
}

// MergedRow is the result of overlaying a DraftSpec onto the current
// LiveSpec of the same name step 3 ("Merge and prune").
type MergedRow struct {
	CatalogName model.CatalogName
	SpecType    model.CatalogType
	Live        *model.LiveSpec
	Draft       *model.DraftSpec
	// Model is the effective model to validate and build: the draft's
	// model if present, else the live model (for expanded-but-undrafted
	// dependencies), or nil if the draft deletes the spec.
	Model []byte
}

// Merge overlays draft onto live, producing one MergedRow per distinct
// catalog name across both tables, in sorted order. Names present only in
// live (pulled in by dependency expansion) pass their live model through
// unchanged; names present only in draft are newly-drafted specs.
func Merge(live *LiveSpecs, draft *DraftSpecs) []MergedRow {
	var out []MergedRow
	var i, j int
	var lr, dr = live.rows, draft.rows
	for i < len(lr) || j < len(dr) {
		switch {
		case j >= len(dr) || (i < len(lr) && lr[i].CatalogName < dr[j].CatalogName):
			var row = lr[i]
			out = append(out, MergedRow{
				CatalogName: row.CatalogName,
				SpecType:    row.SpecType,
				Live:        &lr[i],
				Model:       row.Model,
			})
			i++
		case i >= len(lr) || dr[j].CatalogName < lr[i].CatalogName:
			var row = dr[j]
			out = append(out, MergedRow{
				CatalogName: row.CatalogName,
				SpecType:    row.SpecType,
				Draft:       &dr[j],
				Model:       row.Model,
			})
			j++
		default:
			var l, d = lr[i], dr[j]
			var specType = d.SpecType
			if specType == "" {
				specType = l.SpecType
			}
			out = append(out, MergedRow{
				CatalogName: l.CatalogName,
				SpecType:    specType,
				Live:        &lr[i],
				Draft:       &dr[j],
				Model:       d.Model,
			})
			i++
			j++
		}
	}
	return out
}
