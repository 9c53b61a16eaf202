package netconf

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrMalformedDictionary indicates a line without a key separator or a bad escape.
var ErrMalformedDictionary = errors.New("malformed dictionary")

// Dictionary is a flat string-keyed record. Nested records are stored as
// serialized values.
type Dictionary map[string]string

// Get returns the value for key, or "" when absent.
func (d Dictionary) Get(key string) string {
	return d[key]
}

// Contains reports whether key is present.
func (d Dictionary) Contains(key string) bool {
	_, ok := d[key]
	return ok
}

// GetBool parses "1"/"0" style booleans; anything but "1" and "true" is false.
func (d Dictionary) GetBool(key string) bool {
	v := strings.TrimSpace(d[key])
	return v == "1" || strings.EqualFold(v, "true")
}

// GetDictionary parses a nested record.
func (d Dictionary) GetDictionary(key string) (Dictionary, error) {
	v, ok := d[key]
	if !ok {
		return nil, fmt.Errorf("missing %q", key)
	}
	return ParseDictionary(v)
}

// String serializes the dictionary as sorted key=value lines.
func (d Dictionary) String() string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		writeEscaped(&sb, k)
		sb.WriteByte('=')
		writeEscaped(&sb, d[k])
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ParseDictionary parses the output of String. Blank lines are ignored.
func ParseDictionary(s string) (Dictionary, error) {
	d := make(Dictionary)
	for lineNo, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, fmt.Errorf("%w: line %d has no '='", ErrMalformedDictionary, lineNo+1)
		}
		key, err := unescape(line[:eq])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d key: %v", ErrMalformedDictionary, lineNo+1, err)
		}
		value, err := unescape(line[eq+1:])
		if err != nil {
			return nil, fmt.Errorf("%w: line %d value: %v", ErrMalformedDictionary, lineNo+1, err)
		}
		d[key] = value
	}
	return d, nil
}

func writeEscaped(sb *strings.Builder, s string) {
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			sb.WriteString(`\\`)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		case 0:
			sb.WriteString(`\0`)
		case '=':
			sb.WriteString(`\e`)
		default:
			sb.WriteByte(c)
		}
	}
}

func unescape(s string) (string, error) {
	if strings.IndexByte(s, '\\') < 0 {
		return s, nil
	}
	var sb strings.Builder
	sb.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' {
			sb.WriteByte(c)
			continue
		}
		i++
		if i >= len(s) {
			return "", errors.New("dangling escape")
		}
		switch s[i] {
		case '\\':
			sb.WriteByte('\\')
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case '0':
			sb.WriteByte(0)
		case 'e':
			sb.WriteByte('=')
		default:
			return "", fmt.Errorf("unknown escape \\%c", s[i])
		}
	}
	return sb.String(), nil
}
