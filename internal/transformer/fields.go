// Package transformer turns raw song and log records into warehouse rows.
//
// Everything here is pure: no I/O, no clocks, no globals. Field typing is
// strict. A missing key or a value of the wrong JSON type yields a
// *etlerr.MalformedRecordError naming the field. The artist location and
// coordinates are the exception: those keys may be absent.
package transformer

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	json "github.com/goccy/go-json"
	"golang.org/x/text/unicode/norm"

	"sparkify/internal/etlerr"
)

// fields is one decoded JSON object with values left raw until typed.
type fields map[string]json.RawMessage

func decodeObject(raw []byte) (fields, error) {
	var f fields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, etlerr.Malformed("", fmt.Errorf("%w: %v", etlerr.ErrWrongType, err))
	}
	if f == nil {
		return nil, etlerr.Malformed("", fmt.Errorf("%w: not an object", etlerr.ErrWrongType))
	}
	return f, nil
}

// kind classifies a raw JSON value by its first byte.
func kind(v json.RawMessage) byte {
	v = bytes.TrimSpace(v)
	if len(v) == 0 {
		return 0
	}
	switch c := v[0]; {
	case c == '"':
		return 's'
	case c == 'n':
		return 'z'
	case c == '-' || (c >= '0' && c <= '9'):
		return 'n'
	default:
		return c
	}
}

func (f fields) get(name string) (json.RawMessage, error) {
	v, ok := f[name]
	if !ok {
		return nil, etlerr.Malformed(name, etlerr.ErrMissingField)
	}
	return v, nil
}

func wrongType(name, want string, v json.RawMessage) error {
	return etlerr.Malformed(name, fmt.Errorf("%w: want %s, got %s", etlerr.ErrWrongType, want, abbrev(v)))
}

func abbrev(v json.RawMessage) string {
	const max = 32
	v = bytes.TrimSpace(v)
	if len(v) > max {
		return string(v[:max]) + "..."
	}
	return string(v)
}

// str returns a required, non-null string in NFC form.
func (f fields) str(name string) (string, error) {
	s, err := f.optStr(name)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", wrongType(name, "string", f[name])
	}
	return *s, nil
}

// optStr returns nil for JSON null.
func (f fields) optStr(name string) (*string, error) {
	v, err := f.get(name)
	if err != nil {
		return nil, err
	}
	switch kind(v) {
	case 'z':
		return nil, nil
	case 's':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return nil, wrongType(name, "string", v)
		}
		s = norm.NFC.String(s)
		return &s, nil
	default:
		return nil, wrongType(name, "string", v)
	}
}

// nullableStr is optStr for keys that may be left out of the object.
func (f fields) nullableStr(name string) (*string, error) {
	if _, ok := f[name]; !ok {
		return nil, nil
	}
	return f.optStr(name)
}

func (f fields) float(name string) (float64, error) {
	p, err := f.optFloat(name)
	if err != nil {
		return 0, err
	}
	if p == nil {
		return 0, wrongType(name, "number", f[name])
	}
	return *p, nil
}

func (f fields) optFloat(name string) (*float64, error) {
	v, err := f.get(name)
	if err != nil {
		return nil, err
	}
	switch kind(v) {
	case 'z':
		return nil, nil
	case 'n':
		x, err := strconv.ParseFloat(string(bytes.TrimSpace(v)), 64)
		if err != nil {
			return nil, etlerr.Malformed(name, fmt.Errorf("%w: %v", etlerr.ErrInvalidValue, err))
		}
		return &x, nil
	default:
		return nil, wrongType(name, "number", v)
	}
}

// nullableFloat is optFloat for keys that may be left out of the object.
func (f fields) nullableFloat(name string) (*float64, error) {
	if _, ok := f[name]; !ok {
		return nil, nil
	}
	return f.optFloat(name)
}

// int accepts integral JSON numbers, including exponent forms such as 1.5e3.
func (f fields) int(name string) (int64, error) {
	v, err := f.get(name)
	if err != nil {
		return 0, err
	}
	if kind(v) != 'n' {
		return 0, wrongType(name, "integer", v)
	}
	return parseInt(name, string(bytes.TrimSpace(v)))
}

// intOrString accepts an integer or a string holding one. Empty strings are
// invalid.
func (f fields) intOrString(name string) (int64, error) {
	v, err := f.get(name)
	if err != nil {
		return 0, err
	}
	switch kind(v) {
	case 'n':
		return parseInt(name, string(bytes.TrimSpace(v)))
	case 's':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, wrongType(name, "integer", v)
		}
		if s == "" {
			return 0, etlerr.Malformed(name, fmt.Errorf("%w: empty", etlerr.ErrInvalidValue))
		}
		return parseInt(name, s)
	default:
		return 0, wrongType(name, "integer", v)
	}
}

func parseInt(name, s string) (int64, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	x, err := strconv.ParseFloat(s, 64)
	if err != nil || x != math.Trunc(x) || math.Abs(x) > math.MaxInt64 {
		return 0, etlerr.Malformed(name, fmt.Errorf("%w: %q is not an integer", etlerr.ErrInvalidValue, s))
	}
	return int64(x), nil
}
