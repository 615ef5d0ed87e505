package mtb

import "fmt"

// CaseGraph is one patient's export tree plus a lookup table for
// cross-references. It is not modified after Assemble returns.
type CaseGraph struct {
	CaseID string
	Root   *Entity

	defects []Defect
	index   map[string]*Entity
	size    int
}

// Lookup resolves a cross-reference target within the case. With duplicate
// identifiers the first entity in sibling order wins.
func (g *CaseGraph) Lookup(v Variant, id string) (*Entity, bool) {
	e, ok := g.index[entityKey(v, id)]
	return e, ok
}

// Defects returns the defects found during assembly: orphaned rows,
// dangling parents and references, and entities filtered as incomplete.
func (g *CaseGraph) Defects() []Defect {
	out := make([]Defect, len(g.defects))
	copy(out, g.defects)
	return out
}

// Size is the number of entities in the tree.
func (g *CaseGraph) Size() int { return g.size }

// Leaves counts the entities without children.
func (g *CaseGraph) Leaves() int {
	n := 0
	g.Walk(func(e *Entity, _ []*Entity) {
		if e.IsLeaf() {
			n++
		}
	})
	return n
}

// Walk visits every entity depth-first in export order. ancestors runs from
// the root to the entity's parent and must not be retained.
func (g *CaseGraph) Walk(fn func(e *Entity, ancestors []*Entity)) {
	if g.Root == nil {
		return
	}
	var walk func(e *Entity, path []*Entity)
	walk = func(e *Entity, path []*Entity) {
		fn(e, path)
		path = append(path, e)
		for _, c := range e.children {
			walk(c, path)
		}
	}
	walk(g.Root, nil)
}

// Assembler links the entities of one case into a CaseGraph.
type Assembler struct {
	profile          *Profile
	filterIncomplete bool
}

func NewAssembler(p *Profile, filterIncomplete bool) *Assembler {
	return &Assembler{profile: p, filterIncomplete: filterIncomplete}
}

// Assemble builds the tree rooted at the case's patient. Entities of other
// patients are orphaned; entities whose parent is not in the tree are
// dangling. Both are excluded and recorded as defects.
func (a *Assembler) Assemble(caseID string, entities []*Entity) *CaseGraph {
	g := &CaseGraph{CaseID: caseID, index: make(map[string]*Entity)}

	byVariant := make(map[Variant][]*Entity, len(variants))
	for _, e := range entities {
		byVariant[e.Variant] = append(byVariant[e.Variant], e)
	}
	for _, v := range variants {
		sortSiblings(byVariant[v], a.profile.Variant(v).OrderAttr)
	}

	g.Root = a.pickRoot(g, caseID, byVariant[VariantPatient])
	if g.Root == nil {
		for _, v := range variants[1:] {
			for _, e := range byVariant[v] {
				g.addDefect(a.orphaned(e, "case has no patient record"))
			}
		}
		return g
	}
	if g.CaseID == "" {
		g.CaseID = g.Root.ID
	}
	g.index[g.Root.Key()] = g.Root
	g.size = 1

	attached := map[string]*Entity{g.Root.Key(): g.Root}
	removed := make(map[string]bool)

	for _, v := range variants[1:] {
		parentVariant, _ := v.Parent()
		for _, e := range byVariant[v] {
			if e.PatientID != g.Root.ID {
				g.addDefect(a.orphaned(e, fmt.Sprintf("patient %q is not the case patient %s", e.PatientID, g.Root.ID)))
				continue
			}
			parentKey := entityKey(parentVariant, e.ParentID)
			if removed[parentKey] {
				removed[e.Key()] = true
				d := e.defect(DefectDanglingReference, a.profile.Severity(DefectDanglingReference), "parent", "parent removed as incomplete")
				d.Target = parentKey
				g.addDefect(d)
				continue
			}
			parent, ok := attached[parentKey]
			if !ok {
				msg := "parent not in case"
				if e.ParentID == "" {
					msg = "no parent identifier"
				}
				d := e.defect(DefectDanglingReference, a.profile.Severity(DefectDanglingReference), "parent", msg)
				d.Target = parentKey
				g.addDefect(d)
				continue
			}
			if a.filterIncomplete && e.hasFatalMissing() {
				removed[e.Key()] = true
				for _, d := range e.defects {
					if d.Kind == DefectMissingRequired {
						d.Severity = SeverityWarning
						d.Message = "removed as incomplete: " + d.Message
						g.addDefect(d)
					}
				}
				continue
			}

			parent.children = append(parent.children, e)
			if _, dup := attached[e.Key()]; !dup {
				attached[e.Key()] = e
				g.index[e.Key()] = e
			}
			g.size++
		}
	}

	g.Walk(func(e *Entity, _ []*Entity) {
		for _, r := range e.refs {
			if _, ok := g.index[r.Key()]; ok {
				continue
			}
			d := e.defect(DefectDanglingReference, a.profile.Severity(DefectDanglingReference), r.Attr,
				"referenced entity not in case")
			d.Target = r.Key()
			g.addDefect(d)
		}
	})
	return g
}

// pickRoot selects the patient whose identifier equals caseID, or the first
// patient when caseID is empty. Further patient records are orphaned or,
// if they repeat the root identifier, duplicates.
func (a *Assembler) pickRoot(g *CaseGraph, caseID string, patients []*Entity) *Entity {
	var root *Entity
	for _, p := range patients {
		if p.ID != "" && (caseID == "" || p.ID == caseID) {
			root = p
			break
		}
	}
	for _, p := range patients {
		switch {
		case p == root:
		case root != nil && p.ID == root.ID:
			g.addDefect(p.defect(DefectDuplicateIdentifier, a.profile.Severity(DefectDuplicateIdentifier), "id",
				"patient record repeated"))
		default:
			g.addDefect(a.orphaned(p, "patient is not the case patient"))
		}
	}
	return root
}

func (a *Assembler) orphaned(e *Entity, msg string) Defect {
	return e.defect(DefectOrphanedRow, a.profile.Severity(DefectOrphanedRow), "patient", msg)
}

func (g *CaseGraph) addDefect(d Defect) { g.defects = append(g.defects, d) }
