package protocol

import (
	"fmt"
	"math"
	"strconv"

	"github.com/xtxerr/streamd/internal/errors"
)

// Encoding selects how numbers are rendered on the wire.
type Encoding uint8

const (
	// EncodingDecimal is plain base 10.
	EncodingDecimal Encoding = iota

	// EncodingHex is "0x" followed by hex digits for integers and "%"
	// followed by the hex IEEE754 bits for doubles.
	EncodingHex

	// EncodingBase64 is "#" followed by base64 digits for integers and
	// "@" followed by the base64 IEEE754 bits for doubles.
	EncodingBase64
)

func (e Encoding) String() string {
	switch e {
	case EncodingHex:
		return "hex"
	case EncodingBase64:
		return "base64"
	default:
		return "decimal"
	}
}

// SameAs is the token meaning "same value as the related field".
const SameAs = "#"

const base64Digits = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

var base64Values = func() [256]int8 {
	var t [256]int8
	for i := range t {
		t[i] = -1
	}
	for i := 0; i < len(base64Digits); i++ {
		t[base64Digits[i]] = int8(i)
	}
	return t
}()

func invalid(s string) error {
	return fmt.Errorf("%w: %q", errors.ErrInvalidNumber, s)
}

// =============================================================================
// Parsing
// =============================================================================

// ParseUint64 decodes an unsigned integer in any encoding.
func ParseUint64(s string) (uint64, error) {
	switch {
	case len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X'):
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, invalid(s)
		}
		return v, nil
	case len(s) > 0 && s[0] == '#':
		return parseBase64(s)
	default:
		v, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, invalid(s)
		}
		return v, nil
	}
}

// ParseInt64 decodes a signed integer in any encoding. A leading '-'
// negates the encoded magnitude.
func ParseInt64(s string) (int64, error) {
	if len(s) > 0 && s[0] == '-' {
		u, err := ParseUint64(s[1:])
		if err != nil || u > 1<<63 {
			return 0, invalid(s)
		}
		return -int64(u), nil
	}
	u, err := ParseUint64(s)
	if err != nil || u > math.MaxInt64 {
		return 0, invalid(s)
	}
	return int64(u), nil
}

// ParseFloat decodes a double in any encoding. "nan" and "inf" are
// accepted in decimal form.
func ParseFloat(s string) (float64, error) {
	neg := false
	body := s
	if len(body) > 0 && body[0] == '-' {
		neg = true
		body = body[1:]
	}
	if len(body) == 0 {
		return 0, invalid(s)
	}

	var v float64
	switch body[0] {
	case '%':
		bits, err := strconv.ParseUint(body[1:], 16, 64)
		if err != nil {
			return 0, invalid(s)
		}
		v = math.Float64frombits(bits)
	case '@':
		bits, err := parseBase64(body)
		if err != nil {
			return 0, invalid(s)
		}
		v = math.Float64frombits(bits)
	case '#':
		u, err := parseBase64(body)
		if err != nil {
			return 0, invalid(s)
		}
		v = float64(u)
	default:
		if len(body) > 2 && body[0] == '0' && (body[1] == 'x' || body[1] == 'X') {
			u, err := strconv.ParseUint(body[2:], 16, 64)
			if err != nil {
				return 0, invalid(s)
			}
			v = float64(u)
			break
		}
		f, err := strconv.ParseFloat(body, 64)
		if err != nil {
			return 0, invalid(s)
		}
		v = f
	}
	if neg {
		v = -v
	}
	return v, nil
}

// parseBase64 decodes the digits after a one byte prefix.
func parseBase64(s string) (uint64, error) {
	digits := s[1:]
	if len(digits) == 0 || len(digits) > 11 {
		return 0, invalid(s)
	}
	var v uint64
	for i := 0; i < len(digits); i++ {
		d := base64Values[digits[i]]
		if d < 0 {
			return 0, invalid(s)
		}
		if v > math.MaxUint64>>6 {
			return 0, invalid(s)
		}
		v = v<<6 | uint64(d)
	}
	return v, nil
}

// =============================================================================
// Formatting
// =============================================================================

// AppendUint64 appends v in the given encoding.
func AppendUint64(dst []byte, enc Encoding, v uint64) []byte {
	switch enc {
	case EncodingHex:
		dst = append(dst, '0', 'x')
		return strconv.AppendUint(dst, v, 16)
	case EncodingBase64:
		return appendBase64(append(dst, '#'), v)
	default:
		return strconv.AppendUint(dst, v, 10)
	}
}

// AppendInt64 appends v in the given encoding. Negative values carry a
// leading '-' before the encoded magnitude.
func AppendInt64(dst []byte, enc Encoding, v int64) []byte {
	if v < 0 {
		dst = append(dst, '-')
		return AppendUint64(dst, enc, uint64(-v))
	}
	return AppendUint64(dst, enc, uint64(v))
}

// AppendFloat appends v in the given encoding. The hex and base64 forms
// carry the IEEE754 bits and decode to exactly v; the decimal form is the
// shortest text that parses back to v.
func AppendFloat(dst []byte, enc Encoding, v float64) []byte {
	switch enc {
	case EncodingHex:
		dst = append(dst, '%')
		return strconv.AppendUint(dst, math.Float64bits(v), 16)
	case EncodingBase64:
		return appendBase64(append(dst, '@'), math.Float64bits(v))
	default:
		if math.IsNaN(v) {
			return append(dst, "nan"...)
		}
		return strconv.AppendFloat(dst, v, 'g', -1, 64)
	}
}

func appendBase64(dst []byte, v uint64) []byte {
	var buf [11]byte
	i := len(buf)
	for {
		i--
		buf[i] = base64Digits[v&63]
		v >>= 6
		if v == 0 {
			break
		}
	}
	return append(dst, buf[i:]...)
}
