package parser

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

var errorLine = regexp.MustCompile(`(?mi)^\s*error:.*$`)

// decodeResults decodes a results section. Strict JSON is tried first, then a
// permissive pass that accepts comments, trailing commas and literal syntax
// (single quotes, True/False/None) that agents routinely emit.
func decodeResults(s string) (any, bool) {
	s = stripFence(strings.TrimSpace(s))
	s = strings.TrimSpace(errorLine.ReplaceAllString(s, ""))
	if s == "" {
		return nil, false
	}

	v, ok := decodeStrict(s)
	if !ok {
		v, ok = decodeStrict(string(jsonc.ToJSON([]byte(normalizeLiterals(s)))))
	}
	if !ok {
		return nil, false
	}
	return stripErrorIndicator(v)
}

func decodeStrict(s string) (any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	return v, true
}

// stripErrorIndicator removes an embedded error field. A result that carried
// nothing but an error is rejected.
func stripErrorIndicator(v any) (any, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return v, true
	}
	errVal, hasErr := m["error"]
	if !hasErr {
		return v, true
	}
	delete(m, "error")
	if len(m) == 0 {
		return nil, false
	}
	_, hasData := firstKey(m, "data", "rows", "results", "values", "columns")
	if !hasData && errVal != nil && errVal != false && errVal != "" {
		return nil, false
	}
	return m, true
}

// normalizeLiterals rewrites single-quoted strings as JSON strings and maps
// True/False/None outside strings to their JSON spellings.
func normalizeLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	var quote byte
	escaped := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			switch {
			case escaped:
				escaped = false
				if quote == '\'' && c == '\'' {
					b.WriteByte('\'')
					continue
				}
				b.WriteByte('\\')
				b.WriteByte(c)
			case c == '\\':
				escaped = true
			case c == quote:
				quote = 0
				b.WriteByte('"')
			case quote == '\'' && c == '"':
				b.WriteString(`\"`)
			default:
				b.WriteByte(c)
			}
			continue
		}

		switch c {
		case '"', '\'':
			quote = c
			b.WriteByte('"')
			continue
		}
		if word, repl := literalAt(s, i); word != "" {
			b.WriteString(repl)
			i += len(word) - 1
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

var literals = [...][2]string{{"True", "true"}, {"False", "false"}, {"None", "null"}}

func literalAt(s string, i int) (string, string) {
	if i > 0 && isIdentByte(s[i-1]) {
		return "", ""
	}
	for _, l := range literals {
		w := l[0]
		if strings.HasPrefix(s[i:], w) && (i+len(w) == len(s) || !isIdentByte(s[i+len(w)])) {
			return w, l[1]
		}
	}
	return "", ""
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
