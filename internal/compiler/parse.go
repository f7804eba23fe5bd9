package compiler

import (
	"encoding/json"
	"strings"
)

// Parsed is the outcome of reading a model reply. When Ok is false the reply
// could not be understood and Query and Reason are empty.
type Parsed struct {
	Ok     bool
	Query  string
	Reason string
}

func (p Parsed) Malformed() bool { return !p.Ok }

// Malformed is the zero Parsed value.
var Malformed = Parsed{}

// ParseValue accepts either an already-structured reply or raw text.
func ParseValue(v any) Parsed {
	switch val := v.(type) {
	case nil:
		return Malformed
	case Parsed:
		return val
	case string:
		return Parse(val)
	case []byte:
		return Parse(string(val))
	case map[string]any:
		return fromObject(val)
	case map[string]string:
		obj := make(map[string]any, len(val))
		for k, s := range val {
			obj[k] = s
		}
		return fromObject(obj)
	}

	// Structs and other objects exposing query/sql fields through JSON tags.
	data, err := json.Marshal(v)
	if err != nil {
		return Malformed
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return Malformed
	}
	return fromObject(obj)
}

// Parse extracts {query, reason} from raw model text. It first tries the whole
// text as JSON, then every balanced brace-delimited object in order, so JSON
// wrapped in prose or code fences parses the same as bare JSON.
func Parse(raw string) Parsed {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Malformed
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err == nil {
		if p := fromObject(obj); p.Ok {
			return p
		}
	}

	for start := strings.IndexByte(raw, '{'); start != -1; {
		candidate := extractJSONObject(raw, start)
		if candidate != "" {
			var obj map[string]any
			if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
				if p := fromObject(obj); p.Ok {
					return p
				}
			}
		}
		next := strings.IndexByte(raw[start+1:], '{')
		if next == -1 {
			break
		}
		start += next + 1
	}

	return Malformed
}

// fromObject reads the query under "query", falling back to "sql".
func fromObject(obj map[string]any) Parsed {
	if obj == nil {
		return Malformed
	}
	query, ok := stringField(obj, "query")
	if !ok {
		query, ok = stringField(obj, "sql")
	}
	if !ok {
		return Malformed
	}
	reason, _ := stringField(obj, "reason")
	return Parsed{Ok: true, Query: query, Reason: reason}
}

func stringField(obj map[string]any, key string) (string, bool) {
	v, ok := obj[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// extractJSONObject returns the balanced object starting at start, skipping
// braces inside string literals, or "" if the object never closes.
func extractJSONObject(s string, start int) string {
	if start >= len(s) || s[start] != '{' {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
