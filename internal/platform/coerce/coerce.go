package coerce

import (
	"database/sql/driver"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// dateLayouts are the accepted source formats, tried in order. Date-time
// inputs keep their calendar date as written; the time of day is dropped.
var dateLayouts = []string{
	DateLayout,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"02.01.2006",
}

var boolWords = map[string]bool{
	"1": true, "true": true, "yes": true, "ja": true, "j": true,
	"0": false, "false": false, "no": false, "nein": false, "n": false,
}

// Coerce reads column from row and converts it to typ. A missing, null or
// blank value yields an absent Field without error; whether absence is a
// defect is decided later from the field's declaration.
func Coerce(row RawRow, column string, typ Type, rowID string) (Field, error) {
	f := Field{Column: column, RowID: rowID, Value: Absent(typ.Kind)}

	raw, err := resolve(row[column])
	if err != nil {
		return f, &CoercionError{Column: column, RowID: rowID, Raw: row[column], Target: typ, Reason: err.Error()}
	}
	if isBlank(raw) {
		return f, nil
	}

	var (
		v      Value
		reason string
	)
	switch typ.Kind {
	case KindString:
		v, reason = toString(raw)
	case KindEnum:
		v, reason = toEnum(raw, typ.Vocabulary)
	case KindDate:
		v, reason = toDate(raw)
	case KindDecimal:
		v, reason = toDecimal(raw, typ.scale(), typ.precision())
	case KindBoolean:
		v, reason = toBool(raw)
	case KindIdentifier:
		v, reason = toIdentifier(raw)
	default:
		reason = "unknown target type"
	}
	if reason != "" {
		return f, &CoercionError{Column: column, RowID: rowID, Raw: raw, Target: typ, Reason: reason}
	}
	f.Value = v
	return f, nil
}

// resolve unwraps driver values and byte slices into plain scalars.
func resolve(raw any) (any, error) {
	switch v := raw.(type) {
	case decimal.Decimal:
		return v, nil
	case driver.Valuer:
		dv, err := v.Value()
		if err != nil {
			return nil, err
		}
		return resolve(dv)
	case []byte:
		return string(v), nil
	case *string:
		if v == nil {
			return nil, nil
		}
		return *v, nil
	}
	return raw, nil
}

func isBlank(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return true
	case string:
		return Clean(v) == ""
	}
	return false
}

// Clean trims surrounding whitespace and drops invalid UTF-8 sequences and
// NUL characters.
func Clean(s string) string {
	if !utf8.ValidString(s) {
		s = strings.ToValidUTF8(s, "")
	}
	if strings.IndexByte(s, 0) >= 0 {
		s = strings.ReplaceAll(s, "\x00", "")
	}
	return strings.TrimSpace(s)
}

// scalarText renders a scalar the way a text column would have held it.
func scalarText(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return Clean(v), true
	case int:
		return strconv.FormatInt(int64(v), 10), true
	case int8:
		return strconv.FormatInt(int64(v), 10), true
	case int16:
		return strconv.FormatInt(int64(v), 10), true
	case int32:
		return strconv.FormatInt(int64(v), 10), true
	case int64:
		return strconv.FormatInt(v, 10), true
	case uint:
		return strconv.FormatUint(uint64(v), 10), true
	case uint8:
		return strconv.FormatUint(uint64(v), 10), true
	case uint16:
		return strconv.FormatUint(uint64(v), 10), true
	case uint32:
		return strconv.FormatUint(uint64(v), 10), true
	case uint64:
		return strconv.FormatUint(v, 10), true
	case float32:
		return floatText(float64(v))
	case float64:
		return floatText(v)
	case decimal.Decimal:
		return v.String(), true
	case bool:
		return strconv.FormatBool(v), true
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return v.Format(DateLayout), true
		}
		return v.Format("2006-01-02 15:04:05"), true
	}
	return "", false
}

func floatText(f float64) (string, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "", false
	}
	return strconv.FormatFloat(f, 'f', -1, 64), true
}

func toString(raw any) (Value, string) {
	s, ok := scalarText(raw)
	if !ok {
		return Value{}, "unsupported source type"
	}
	return Value{Kind: KindString, Present: true, text: s}, ""
}

func toEnum(raw any, vocab *Vocabulary) (Value, string) {
	if vocab == nil {
		return Value{}, "no vocabulary declared"
	}
	s, ok := scalarText(raw)
	if !ok {
		return Value{}, "unsupported source type"
	}
	term, ok := vocab.Lookup(s)
	if !ok {
		return Value{}, fmt.Sprintf("%q is not in vocabulary %s", s, vocab.Name)
	}
	return Value{Kind: KindEnum, Present: true, text: term.Target, code: term.Code, display: term.Display}, ""
}

func toDate(raw any) (Value, string) {
	switch v := raw.(type) {
	case time.Time:
		return dateValue(v), ""
	case string:
		s := Clean(v)
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return dateValue(t), ""
			}
		}
		return Value{}, "unrecognised date format"
	}
	return Value{}, "unsupported source type"
}

func dateValue(t time.Time) Value {
	y, m, d := t.Date()
	return Value{Kind: KindDate, Present: true, date: time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

func toDecimal(raw any, scale, precision int32) (Value, string) {
	var d decimal.Decimal
	switch v := raw.(type) {
	case decimal.Decimal:
		d = v
	case float32, float64:
		f := toFloat64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Value{}, "not a finite number"
		}
		d = decimal.NewFromFloat(f)
	case bool, time.Time:
		return Value{}, "unsupported source type"
	default:
		s, ok := scalarText(raw)
		if !ok {
			return Value{}, "unsupported source type"
		}
		// Onkostar stores some numbers with a decimal comma.
		if strings.Count(s, ",") == 1 && !strings.Contains(s, ".") {
			s = strings.Replace(s, ",", ".", 1)
		}
		parsed, err := decimal.NewFromString(s)
		if err != nil {
			return Value{}, "not a decimal number"
		}
		d = parsed
	}

	frac := fractionDigits(d)
	if frac > scale {
		return Value{}, fmt.Sprintf("%d fractional digits exceed scale %d", frac, scale)
	}
	if intDigits := integerDigits(d); intDigits > precision-scale {
		return Value{}, fmt.Sprintf("%d integer digits exceed precision %d", intDigits, precision)
	}
	// Trailing zeros written in the source are kept, up to the scale.
	places := -d.Exponent()
	if places < 0 {
		places = 0
	}
	if places > scale {
		places = scale
	}
	return Value{Kind: KindDecimal, Present: true, dec: d, places: places}, ""
}

func toFloat64(v any) float64 {
	if f, ok := v.(float32); ok {
		return float64(f)
	}
	return v.(float64)
}

// fractionDigits counts significant fractional digits, ignoring trailing
// zeros.
func fractionDigits(d decimal.Decimal) int32 {
	s := d.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(s) - i - 1)
}

func integerDigits(d decimal.Decimal) int32 {
	s := d.Abs().Truncate(0).String()
	if s == "0" {
		return 0
	}
	return int32(len(s))
}

func toBool(raw any) (Value, string) {
	switch v := raw.(type) {
	case bool:
		return Value{Kind: KindBoolean, Present: true, boolean: v}, ""
	case float32, float64, time.Time:
		return Value{}, "unsupported source type"
	}
	s, ok := scalarText(raw)
	if !ok {
		return Value{}, "unsupported source type"
	}
	b, ok := boolWords[strings.ToLower(s)]
	if !ok {
		return Value{}, fmt.Sprintf("%q is not a boolean", s)
	}
	return Value{Kind: KindBoolean, Present: true, boolean: b}, ""
}

func toIdentifier(raw any) (Value, string) {
	switch v := raw.(type) {
	case bool, time.Time:
		return Value{}, "unsupported source type"
	case float32, float64:
		f := toFloat64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
			return Value{}, "not an integral number"
		}
	case decimal.Decimal:
		if !v.IsInteger() {
			return Value{}, "not an integral number"
		}
	}
	s, ok := scalarText(raw)
	if !ok {
		return Value{}, "unsupported source type"
	}
	return Value{Kind: KindIdentifier, Present: true, text: s}, ""
}
