package mtb

import (
	"sort"
	"strconv"
	"strings"

	"github.com/onkostar/mtbexport/internal/platform/coerce"
)

// Provenance locates the source row an entity was built from.
type Provenance struct {
	Table string
	RowID string
}

// Ref is a non-owning cross-reference resolved by identifier within one case.
type Ref struct {
	Attr   string
	Target Variant
	ID     string
}

func (r Ref) Key() string { return entityKey(r.Target, r.ID) }

// Entity is a node of a case graph. Entities are built by a Builder, linked
// by the Assembler and read-only afterwards.
type Entity struct {
	Variant   Variant
	ID        string
	ParentID  string
	PatientID string
	Source    Provenance

	attrs    map[string]coerce.Value
	refs     []Ref
	defects  []Defect
	children []*Entity
}

// Attr returns the typed attribute. The pseudo attribute "id" yields the
// entity identifier.
func (e *Entity) Attr(name string) coerce.Value {
	if name == "id" {
		return coerce.StringValue(e.ID)
	}
	if v, ok := e.attrs[name]; ok {
		return v
	}
	return coerce.Value{}
}

// AttrNames returns the names of all present attributes, sorted.
func (e *Entity) AttrNames() []string {
	names := make([]string, 0, len(e.attrs))
	for n, v := range e.attrs {
		if v.Present {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (e *Entity) Refs() []Ref {
	out := make([]Ref, len(e.refs))
	copy(out, e.refs)
	return out
}

// Defects returns the defects deferred while the entity was built.
func (e *Entity) Defects() []Defect {
	out := make([]Defect, len(e.defects))
	copy(out, e.defects)
	return out
}

func (e *Entity) Children() []*Entity {
	out := make([]*Entity, len(e.children))
	copy(out, e.children)
	return out
}

// IsLeaf reports whether the entity owns no exported children.
func (e *Entity) IsLeaf() bool { return len(e.children) == 0 }

// Key is "variant/id", unique within a case unless identifiers are duplicated.
func (e *Entity) Key() string { return entityKey(e.Variant, e.ID) }

func entityKey(v Variant, id string) string { return string(v) + "/" + id }

func (e *Entity) defect(kind DefectKind, sev Severity, attr, msg string) Defect {
	return Defect{
		Kind:     kind,
		Severity: sev,
		Variant:  e.Variant,
		EntityID: e.ID,
		Attr:     attr,
		RowID:    e.Source.RowID,
		Message:  msg,
	}
}

// hasFatalMissing reports whether the entity lacks a required attribute.
func (e *Entity) hasFatalMissing() bool {
	for _, d := range e.defects {
		if d.Kind == DefectMissingRequired && d.Fatal() {
			return true
		}
	}
	return false
}

// CompareIDs orders integer identifiers numerically before all other
// identifiers, which compare lexicographically.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	switch {
	case aerr == nil && berr == nil:
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case aerr == nil:
		return -1
	case berr == nil:
		return 1
	}
	return strings.Compare(a, b)
}

// sortSiblings orders entities of one variant by the order attribute
// (absent last), then by identifier. Equal keys keep their input order.
func sortSiblings(es []*Entity, orderAttr string) {
	sort.SliceStable(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if orderAttr != "" {
			ad, aok := a.Attr(orderAttr).Date()
			bd, bok := b.Attr(orderAttr).Date()
			switch {
			case aok && !bok:
				return true
			case !aok && bok:
				return false
			case aok && bok && !ad.Equal(bd):
				return ad.Before(bd)
			}
		}
		return CompareIDs(a.ID, b.ID) < 0
	})
}
