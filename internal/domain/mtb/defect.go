package mtb

import (
	"fmt"
	"sort"
	"strings"
)

// DefectKind classifies a deviation from the schema or business rules.
type DefectKind string

const (
	DefectCoercion            DefectKind = "coercion-error"
	DefectMissingRequired     DefectKind = "missing-required"
	DefectDanglingReference   DefectKind = "dangling-reference"
	DefectDuplicateIdentifier DefectKind = "duplicate-identifier"
	DefectOrphanedRow         DefectKind = "orphaned-row"
	DefectBusinessRule        DefectKind = "business-rule"
)

var defectKinds = []DefectKind{
	DefectCoercion,
	DefectMissingRequired,
	DefectDanglingReference,
	DefectDuplicateIdentifier,
	DefectOrphanedRow,
	DefectBusinessRule,
}

// Severity decides whether a case with the defect may be exported.
type Severity int

const (
	SeverityWarning Severity = iota
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "FATAL"
	}
	return "WARNING"
}

// ParseSeverity accepts "fatal" and "warning" in any case.
func ParseSeverity(s string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fatal":
		return SeverityFatal, nil
	case "warning":
		return SeverityWarning, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// DefaultSeverities applies when a profile does not override a kind.
var DefaultSeverities = map[DefectKind]Severity{
	DefectCoercion:            SeverityFatal,
	DefectMissingRequired:     SeverityFatal,
	DefectDuplicateIdentifier: SeverityFatal,
	DefectDanglingReference:   SeverityWarning,
	DefectOrphanedRow:         SeverityWarning,
	DefectBusinessRule:        SeverityWarning,
}

// Defect identifies an entity, an attribute or relation on it, and what is
// wrong. Defects are values; recording one never changes the graph.
type Defect struct {
	Kind     DefectKind
	Severity Severity
	Variant  Variant
	EntityID string
	// Attr is the attribute or relation the defect concerns, if any.
	Attr string
	// Target is the unresolved "variant/id" of a dangling reference.
	Target  string
	Column  string
	RowID   string
	Message string
}

func (d Defect) Fatal() bool { return d.Severity == SeverityFatal }

// Label is the compact form used in export rows: kind:variant/id[.attr].
func (d Defect) Label() string {
	var b strings.Builder
	b.WriteString(string(d.Kind))
	b.WriteByte(':')
	b.WriteString(string(d.Variant))
	b.WriteByte('/')
	b.WriteString(d.EntityID)
	if d.Attr != "" {
		b.WriteByte('.')
		b.WriteString(d.Attr)
	}
	return b.String()
}

func (d Defect) String() string {
	s := d.Severity.String() + " " + d.Label()
	if d.Target != "" {
		s += " -> " + d.Target
	}
	if d.Message != "" {
		s += ": " + d.Message
	}
	return s
}

// HasFatal reports whether any defect blocks export.
func HasFatal(defects []Defect) bool {
	for _, d := range defects {
		if d.Fatal() {
			return true
		}
	}
	return false
}

// SortDefects orders defects by variant, entity id, kind and attribute.
func SortDefects(defects []Defect) {
	sort.SliceStable(defects, func(i, j int) bool {
		a, b := defects[i], defects[j]
		if a.Variant != b.Variant {
			return a.Variant.Order() < b.Variant.Order()
		}
		if a.EntityID != b.EntityID {
			return CompareIDs(a.EntityID, b.EntityID) < 0
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Attr != b.Attr {
			return a.Attr < b.Attr
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Message < b.Message
	})
}

// CountBySeverity returns the number of fatal and warning defects.
func CountBySeverity(defects []Defect) (fatal, warning int) {
	for _, d := range defects {
		if d.Fatal() {
			fatal++
		} else {
			warning++
		}
	}
	return fatal, warning
}
