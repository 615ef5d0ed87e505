// Package coerce converts untyped database column values into typed values.
// Coercion fails closed: a value that cannot be represented exactly in the
// target type yields a CoercionError instead of a default.
package coerce

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Kind names the target type of a column.
type Kind string

const (
	KindString     Kind = "string"
	KindEnum       Kind = "enum"
	KindDate       Kind = "date"
	KindDecimal    Kind = "decimal"
	KindBoolean    Kind = "boolean"
	KindIdentifier Kind = "identifier"
)

// ParseKind accepts the kind names used in mapping profiles.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindString, KindEnum, KindDate, KindDecimal, KindBoolean, KindIdentifier:
		return k, nil
	default:
		return "", fmt.Errorf("unknown field type %q", s)
	}
}

// DateLayout is the canonical rendering of dates.
const DateLayout = "2006-01-02"

const (
	DefaultScale     int32 = 4
	DefaultPrecision int32 = 18
)

// Type describes the target of a coercion.
type Type struct {
	Kind       Kind
	Vocabulary *Vocabulary // KindEnum only
	Scale      int32       // KindDecimal: max fractional digits
	Precision  int32       // KindDecimal: max total digits
}

func (t Type) String() string {
	switch t.Kind {
	case KindEnum:
		if t.Vocabulary != nil {
			return fmt.Sprintf("enum(%s)", t.Vocabulary.Name)
		}
	case KindDecimal:
		return fmt.Sprintf("decimal(%d,%d)", t.precision(), t.scale())
	}
	return string(t.Kind)
}

// scale falls back to DefaultScale only when neither scale nor precision is
// set, so decimal(3,0) stays integral.
func (t Type) scale() int32 {
	if t.Scale <= 0 && t.Precision <= 0 {
		return DefaultScale
	}
	if t.Scale < 0 {
		return 0
	}
	return t.Scale
}

func (t Type) precision() int32 {
	if t.Precision <= 0 {
		return DefaultPrecision
	}
	return t.Precision
}

// RawRow is one result row keyed by column name.
type RawRow map[string]any

// Value is a typed column value. A zero Value is absent.
type Value struct {
	Kind    Kind
	Present bool

	text    string // string, enum target, identifier
	code    string // enum source code
	display string // enum display text
	date    time.Time
	dec     decimal.Decimal
	places  int32 // decimal: rendered fractional digits
	boolean bool
}

// Absent returns the absent value of the given kind.
func Absent(k Kind) Value { return Value{Kind: k} }

// Text returns string, enum and identifier values. Dates, decimals and
// booleans are rendered canonically.
func (v Value) Text() string { return v.String() }

// Code returns the vocabulary source code an enum value was matched by.
// Values coerced from a target code report the first code declared for it.
func (v Value) Code() string { return v.code }

// Display returns the vocabulary display text of an enum value.
func (v Value) Display() string { return v.display }

// Date returns the calendar date of a date value.
func (v Value) Date() (time.Time, bool) {
	if !v.Present || v.Kind != KindDate {
		return time.Time{}, false
	}
	return v.date, true
}

// Decimal returns the value of a decimal field.
func (v Value) Decimal() (decimal.Decimal, bool) {
	if !v.Present || v.Kind != KindDecimal {
		return decimal.Zero, false
	}
	return v.dec, true
}

// Bool returns the value of a boolean field.
func (v Value) Bool() (bool, bool) {
	if !v.Present || v.Kind != KindBoolean {
		return false, false
	}
	return v.boolean, true
}

// String renders the canonical textual form. Absent values render as "".
func (v Value) String() string {
	if !v.Present {
		return ""
	}
	switch v.Kind {
	case KindDate:
		return v.date.Format(DateLayout)
	case KindDecimal:
		return v.dec.StringFixed(v.places)
	case KindBoolean:
		if v.boolean {
			return "true"
		}
		return "false"
	default:
		return v.text
	}
}

// Equal reports whether two values have the same kind, presence and
// canonical rendering.
func (v Value) Equal(o Value) bool {
	return v.Kind == o.Kind && v.Present == o.Present && v.String() == o.String()
}

// StringValue builds a present string value; used by builders for derived
// attributes.
func StringValue(s string) Value {
	if s == "" {
		return Absent(KindString)
	}
	return Value{Kind: KindString, Present: true, text: s}
}

// Field is a coerced value with its provenance.
type Field struct {
	Column string
	RowID  string
	Value  Value
}

// CoercionError reports a raw value that cannot be represented in the
// target type.
type CoercionError struct {
	Column string
	RowID  string
	Raw    any
	Target Type
	Reason string
}

func (e *CoercionError) Error() string {
	msg := fmt.Sprintf("column %s: cannot coerce %v (%T) to %s", e.Column, e.Raw, e.Raw, e.Target)
	if e.RowID != "" {
		msg = fmt.Sprintf("row %s: %s", e.RowID, msg)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}
