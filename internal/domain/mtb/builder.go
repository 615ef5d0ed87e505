package mtb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/onkostar/mtbexport/internal/platform/coerce"
)

// SourceRecord is the row-set one entity is built from. Joined forms
// contribute one row each; the first row carrying a column wins.
type SourceRecord struct {
	Rows []coerce.RawRow
}

// CaseRows holds all source records of one case, grouped by variant.
type CaseRows struct {
	CaseID  string
	Records map[Variant][]SourceRecord
}

// Len returns the number of source records in the case.
func (c CaseRows) Len() int {
	n := 0
	for _, rs := range c.Records {
		n += len(rs)
	}
	return n
}

var idType = coerce.Type{Kind: coerce.KindIdentifier}

// Builder turns source rows into entities. Missing or malformed values are
// recorded as defects on the entity; Build never fails.
type Builder struct {
	profile *Profile
}

func NewBuilder(p *Profile) *Builder {
	return &Builder{profile: p}
}

// Build constructs one entity of variant v from a single row or a joined
// row-set.
func (b *Builder) Build(v Variant, rows ...coerce.RawRow) *Entity {
	spec := b.profile.Variant(v)
	e := &Entity{
		Variant: v,
		Source:  Provenance{Table: spec.Table},
		attrs:   make(map[string]coerce.Value, len(spec.Fields)),
	}

	e.ID = b.identifier(e, rows, spec.IDColumn, "id")
	e.Source.RowID = e.ID
	e.PatientID = b.identifier(e, rows, spec.PatientColumn, "patient")
	if _, ok := v.Parent(); ok {
		e.ParentID = b.identifier(e, rows, spec.ParentColumn, "parent")
	}
	if e.ID == "" {
		e.defects = append(e.defects, e.defect(DefectMissingRequired, b.profile.Severity(DefectMissingRequired),
			"id", fmt.Sprintf("column %s is empty", spec.IDColumn)))
	}

	for _, fs := range spec.Fields {
		b.buildField(e, rows, fs)
	}

	switch v {
	case VariantPatient:
		if !e.attrs["gender"].Present {
			e.attrs["gender"] = coerce.StringValue("unknown")
		}
	}
	return e
}

func (b *Builder) identifier(e *Entity, rows []coerce.RawRow, column, attr string) string {
	row := firstWith(rows, column)
	f, err := coerce.Coerce(row, column, idType, e.ID)
	if err != nil {
		b.coercionDefect(e, attr, err)
		return ""
	}
	return f.Value.String()
}

func (b *Builder) buildField(e *Entity, rows []coerce.RawRow, fs FieldSpec) {
	row := firstWith(rows, fs.Column)
	f, err := coerce.Coerce(row, fs.Column, fs.Type, e.ID)
	if err != nil {
		b.coercionDefect(e, fs.Attr, err)
		return
	}
	if !f.Value.Present {
		e.attrs[fs.Attr] = f.Value
		if fs.Required {
			d := e.defect(DefectMissingRequired, b.profile.Severity(DefectMissingRequired), fs.Attr,
				fmt.Sprintf("column %s is empty", fs.Column))
			d.Column = fs.Column
			e.defects = append(e.defects, d)
		}
		return
	}

	if fs.Format == FormatJSONList {
		items, err := jsonListValues(f.Value.String(), fs.Key)
		if err != nil {
			b.coercionDefect(e, fs.Attr, &coerce.CoercionError{
				Column: fs.Column, RowID: e.ID, Raw: f.Value.String(), Target: fs.Type, Reason: err.Error(),
			})
			return
		}
		for _, id := range items {
			if fs.Ref != "" {
				e.refs = append(e.refs, Ref{Attr: fs.Attr, Target: fs.Ref, ID: id})
			}
		}
		e.attrs[fs.Attr] = coerce.StringValue(strings.Join(items, ","))
		if len(items) == 0 && fs.Required {
			d := e.defect(DefectMissingRequired, b.profile.Severity(DefectMissingRequired), fs.Attr, "empty list")
			d.Column = fs.Column
			e.defects = append(e.defects, d)
		}
		return
	}

	e.attrs[fs.Attr] = f.Value
	if fs.Ref != "" {
		e.refs = append(e.refs, Ref{Attr: fs.Attr, Target: fs.Ref, ID: f.Value.String()})
	}
}

func (b *Builder) coercionDefect(e *Entity, attr string, err error) {
	d := e.defect(DefectCoercion, b.profile.Severity(DefectCoercion), attr, err.Error())
	if ce, ok := err.(*coerce.CoercionError); ok {
		d.Column = ce.Column
		d.RowID = ce.RowID
	}
	e.defects = append(e.defects, d)
}

// firstWith returns the first row holding a non-null value for column,
// falling back to the first row declaring it.
func firstWith(rows []coerce.RawRow, column string) coerce.RawRow {
	var declared coerce.RawRow
	for _, r := range rows {
		v, ok := r[column]
		if !ok {
			continue
		}
		if v != nil {
			return r
		}
		if declared == nil {
			declared = r
		}
	}
	return declared
}

// jsonListValues extracts key from each object of a JSON array such as
// [{"id": "4711", "gen": "BRAF"}]. Entries lacking the key are skipped.
func jsonListValues(raw, key string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var items []map[string]any
	if err := dec.Decode(&items); err != nil {
		return nil, fmt.Errorf("invalid JSON list: %w", err)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item[key].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				out = append(out, s)
			}
		case json.Number:
			out = append(out, v.String())
		case nil:
		default:
			return nil, fmt.Errorf("member %q has unsupported type %T", key, v)
		}
	}
	return out, nil
}
