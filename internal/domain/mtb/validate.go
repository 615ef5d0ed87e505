package mtb

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var fullPercent = decimal.NewFromInt(100)

// Validator walks an assembled graph and collects every defect. It never
// modifies the graph.
type Validator struct {
	profile *Profile
}

func NewValidator(p *Profile) *Validator {
	return &Validator{profile: p}
}

// Validate returns assembly defects, deferred build defects, duplicate
// identifiers per parent and business rule violations, sorted.
func (v *Validator) Validate(g *CaseGraph) []Defect {
	defects := g.Defects()

	g.Walk(func(e *Entity, _ []*Entity) {
		defects = append(defects, e.defects...)
		defects = append(defects, v.duplicates(e)...)
		defects = append(defects, v.rules(g, e)...)
	})

	SortDefects(defects)
	return defects
}

func (v *Validator) duplicates(parent *Entity) []Defect {
	var out []Defect
	seen := make(map[string]bool, len(parent.children))
	for _, c := range parent.children {
		if c.ID == "" {
			continue
		}
		if seen[c.Key()] {
			out = append(out, c.defect(DefectDuplicateIdentifier, v.profile.Severity(DefectDuplicateIdentifier), "id",
				fmt.Sprintf("identifier repeated under %s", parent.Key())))
			continue
		}
		seen[c.Key()] = true
	}
	return out
}

func (v *Validator) rules(g *CaseGraph, e *Entity) []Defect {
	var out []Defect
	violation := func(attr, msg string) {
		out = append(out, e.defect(DefectBusinessRule, v.profile.Severity(DefectBusinessRule), attr, msg))
	}

	switch e.Variant {
	case VariantPatient:
		birth, bok := e.Attr("birth_date").Date()
		death, dok := e.Attr("death_date").Date()
		if bok && dok && death.Before(birth) {
			violation("death_date", "date of death before date of birth")
		}
	case VariantProcedure, VariantTherapyLine:
		start, sok := e.Attr("start").Date()
		end, eok := e.Attr("end").Date()
		if sok && eok && end.Before(start) {
			violation("end", "end date before start date")
		}
	case VariantPerformanceStatus:
		if _, ok := e.Attr("date").Date(); ok && !e.Attr("ecog").Present {
			violation("ecog", "ECOG value missing for dated assessment")
		}
	case VariantHistology:
		if tcc, ok := e.Attr("tumor_cell_content").Decimal(); ok && tcc.GreaterThan(fullPercent) {
			violation("tumor_cell_content", "tumor cell content above 100 percent")
		}
	case VariantMSI:
		if !e.Attr("method").Present {
			violation("method", "MSI finding without analysis method")
		}
	case VariantRecommendation:
		resolved := 0
		for _, r := range e.refs {
			if r.Target != VariantFinding {
				continue
			}
			if _, ok := g.Lookup(r.Target, r.ID); ok {
				resolved++
			}
		}
		if resolved == 0 {
			violation("supporting_variants", "recommendation references no finding")
		}
	}
	return out
}
