package patch

import (
	"bytes"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON.
//
// This is the only serialization used for snapshot equality checks and
// content-hash computation, so two snapshots compare equal exactly when
// their canonical bytes are identical.
//
// Key properties:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are written verbatim)
//  3. Strings are NFC normalized
//  4. Floats use ECMAScript's shortest round-trip notation
//
// Unlike a replay log, entity snapshots are arbitrary flat JSON objects,
// so null and floating-point values are valid inputs here.
func MarshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		marshalCanonicalString(buf, val)
	case int:
		buf.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case uint64:
		buf.WriteString(strconv.FormatUint(val, 10))
	case float64:
		return marshalCanonicalFloat(buf, val)
	case float32:
		return marshalCanonicalFloat(buf, float64(val))
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalCanonical(buf, elem); err != nil {
				return fmt.Errorf("array[%d]: %w", i, err)
			}
		}
		buf.WriteByte(']')
	case Snapshot:
		return marshalCanonicalObject(buf, val)
	case map[string]any:
		return marshalCanonicalObject(buf, val)
	default:
		return fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
	return nil
}

// marshalCanonicalFloat writes the ECMAScript Number-to-string form RFC 8785
// requires. Go's %g is close but not identical: it zero-pads exponents
// ("1e-07") and switches notation at different magnitudes ("1e+07" where
// ECMAScript prints "10000000"), so the grammar is applied to the shortest
// round-trip digits directly.
func marshalCanonicalFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite float is not representable in JSON: %v", f)
	}
	if f == 0 {
		// Negative zero serializes as 0.
		buf.WriteString("0")
		return nil
	}

	mantissa, expText, _ := strings.Cut(strconv.FormatFloat(f, 'e', -1, 64), "e")
	exp, err := strconv.Atoi(expText)
	if err != nil {
		return fmt.Errorf("parse float exponent: %w", err)
	}
	if mantissa[0] == '-' {
		buf.WriteByte('-')
		mantissa = mantissa[1:]
	}
	digits := strings.Replace(mantissa, ".", "", 1)

	// point is where the decimal point falls relative to the digit string.
	// Plain decimal notation applies while it stays within 21 places of the
	// first digit and no more than 6 leading zeros are needed.
	point := exp + 1
	switch {
	case point > 21 || point <= -6:
		buf.WriteString(digits[:1])
		if len(digits) > 1 {
			buf.WriteByte('.')
			buf.WriteString(digits[1:])
		}
		fmt.Fprintf(buf, "e%+d", exp)
	case point >= len(digits):
		buf.WriteString(digits)
		buf.WriteString(strings.Repeat("0", point-len(digits)))
	case point >= 1:
		buf.WriteString(digits[:point])
		buf.WriteByte('.')
		buf.WriteString(digits[point:])
	default:
		buf.WriteString("0.")
		buf.WriteString(strings.Repeat("0", -point))
		buf.WriteString(digits)
	}
	return nil
}

// marshalCanonicalString writes a canonical JSON string.
//
// RFC 8785 escaping rules: only quote, backslash, and control characters
// (U+0000..U+001F) are escaped. HTML-sensitive characters and U+2028/U+2029
// are written verbatim, which is where this deliberately diverges from
// encoding/json.
func marshalCanonicalString(buf *bytes.Buffer, s string) {
	normalized := norm.NFC.String(s)

	buf.WriteByte('"')
	for _, r := range normalized {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			if r < 0x20 {
				fmt.Fprintf(buf, `\u%04x`, r)
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}

func marshalCanonicalObject(buf *bytes.Buffer, obj map[string]any) error {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		marshalCanonicalString(buf, k)
		buf.WriteByte(':')
		if err := marshalCanonical(buf, obj[k]); err != nil {
			return fmt.Errorf("value for key %q: %w", k, err)
		}
	}
	buf.WriteByte('}')
	return nil
}

// compareUTF16 compares strings by UTF-16 code units as required by
// RFC 8785. Go's native string comparison is UTF-8 byte order, which
// disagrees with UTF-16 order for characters outside the BMP.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := len(a16)
	if len(b16) < n {
		n = len(b16)
	}
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}

// SortedFields returns the snapshot's field names in UTF-16 canonical order.
func (s Snapshot) SortedFields() []string {
	fields := make([]string, 0, len(s))
	for k := range s {
		fields = append(fields, k)
	}
	slices.SortFunc(fields, compareUTF16)
	return fields
}
