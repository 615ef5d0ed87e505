package mtb

import "fmt"

// Variant is one of the fixed record kinds of the MTB export.
type Variant string

const (
	VariantPatient             Variant = "patient"
	VariantDiagnosis           Variant = "diagnosis"
	VariantProcedure           Variant = "procedure"
	VariantTherapyLine         Variant = "therapy_line"
	VariantPerformanceStatus   Variant = "performance_status"
	VariantFamilyMemberHistory Variant = "family_member_history"
	VariantHistology           Variant = "histology"
	VariantFinding             Variant = "finding"
	VariantMSI                 Variant = "msi"
	VariantCarePlan            Variant = "care_plan"
	VariantRecommendation      Variant = "recommendation"
)

// variants is the schema order. Every variant appears after its parent.
var variants = []Variant{
	VariantPatient,
	VariantDiagnosis,
	VariantProcedure,
	VariantTherapyLine,
	VariantPerformanceStatus,
	VariantFamilyMemberHistory,
	VariantHistology,
	VariantFinding,
	VariantMSI,
	VariantCarePlan,
	VariantRecommendation,
}

var parents = map[Variant]Variant{
	VariantDiagnosis:           VariantPatient,
	VariantProcedure:           VariantDiagnosis,
	VariantTherapyLine:         VariantDiagnosis,
	VariantPerformanceStatus:   VariantDiagnosis,
	VariantFamilyMemberHistory: VariantDiagnosis,
	VariantHistology:           VariantDiagnosis,
	VariantFinding:             VariantDiagnosis,
	VariantMSI:                 VariantDiagnosis,
	VariantCarePlan:            VariantDiagnosis,
	VariantRecommendation:      VariantCarePlan,
}

var variantOrder = func() map[Variant]int {
	m := make(map[Variant]int, len(variants))
	for i, v := range variants {
		m[v] = i
	}
	return m
}()

// Variants returns all variants in schema order.
func Variants() []Variant {
	out := make([]Variant, len(variants))
	copy(out, variants)
	return out
}

// ParseVariant validates a variant name.
func ParseVariant(s string) (Variant, error) {
	v := Variant(s)
	if !v.Valid() {
		return "", fmt.Errorf("unknown entity variant %q", s)
	}
	return v, nil
}

func (v Variant) Valid() bool {
	_, ok := variantOrder[v]
	return ok
}

// Parent returns the owning variant. The patient root has none.
func (v Variant) Parent() (Variant, bool) {
	p, ok := parents[v]
	return p, ok
}

// Order is the position of v in the schema; unknown variants sort last.
func (v Variant) Order() int {
	if o, ok := variantOrder[v]; ok {
		return o
	}
	return len(variants)
}
