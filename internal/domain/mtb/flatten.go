package mtb

import (
	"iter"
	"strings"
)

// Column maps one export column to an attribute of one variant.
type Column struct {
	Name    string
	Variant Variant
	Attr    string
}

// Schema is the fixed, versioned column layout of the export.
type Schema struct {
	Version string
	Columns []Column
}

// Header returns the column names including the leading record type and the
// trailing warnings column.
func (s *Schema) Header() []string {
	h := make([]string, 0, len(s.Columns)+2)
	h = append(h, ColumnRecordType)
	for _, c := range s.Columns {
		h = append(h, c.Name)
	}
	return append(h, ColumnWarnings)
}

// Width is the number of values in every row.
func (s *Schema) Width() int { return len(s.Columns) + 2 }

// ExportRow is one leaf entity with the flattened attributes of its
// ancestors.
type ExportRow struct {
	CaseID     string
	RecordType Variant
	EntityID   string

	values []string
}

// Values returns a copy of the row in schema order.
func (r ExportRow) Values() []string {
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// Flatten yields one row per leaf entity in depth-first order. WARNING
// defects are attached to the rows whose path contains the defective
// entity; warnings about entities outside the tree go to the first row.
// The sequence is lazy and stops when the consumer stops ranging.
func Flatten(g *CaseGraph, schema *Schema, defects []Defect) iter.Seq[ExportRow] {
	return func(yield func(ExportRow) bool) {
		if g.Root == nil {
			return
		}

		onPath := make(map[string][]string)
		var loose []string
		inTree := make(map[string]bool, g.size)
		g.Walk(func(e *Entity, _ []*Entity) { inTree[e.Key()] = true })
		for _, d := range defects {
			if d.Fatal() {
				continue
			}
			key := entityKey(d.Variant, d.EntityID)
			if inTree[key] {
				onPath[key] = append(onPath[key], d.Label())
			} else {
				loose = append(loose, d.Label())
			}
		}

		first := true
		var walk func(e *Entity, path []*Entity) bool
		walk = func(e *Entity, path []*Entity) bool {
			path = append(path, e)
			if e.IsLeaf() {
				var warnings []string
				if first {
					warnings = append(warnings, loose...)
					first = false
				}
				for _, p := range path {
					warnings = append(warnings, onPath[p.Key()]...)
				}
				return yield(flattenRow(g.CaseID, schema, path, warnings))
			}
			for _, c := range e.children {
				if !walk(c, path) {
					return false
				}
			}
			return true
		}
		walk(g.Root, nil)
	}
}

func flattenRow(caseID string, schema *Schema, path []*Entity, warnings []string) ExportRow {
	leaf := path[len(path)-1]
	byVariant := make(map[Variant]*Entity, len(path))
	for _, e := range path {
		byVariant[e.Variant] = e
	}

	values := make([]string, 0, schema.Width())
	values = append(values, string(leaf.Variant))
	for _, c := range schema.Columns {
		e, ok := byVariant[c.Variant]
		if !ok {
			values = append(values, "")
			continue
		}
		values = append(values, e.Attr(c.Attr).String())
	}
	values = append(values, strings.Join(warnings, "|"))

	return ExportRow{CaseID: caseID, RecordType: leaf.Variant, EntityID: leaf.ID, values: values}
}
