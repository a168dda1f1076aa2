package toolfmt

import "strings"

// parseKeyValues decodes the "k=v,k=v" rendering the optimizer emits for a
// result row. A comma only separates pairs at bracket depth zero and outside
// quotes, so list and tuple values keep their inner commas. A segment with no
// key of its own is glued back onto the previous value.
func parseKeyValues(raw string) (*Object, bool) {
	obj := NewObject()
	var (
		key     string
		value   strings.Builder
		haveKey bool
	)
	flush := func() {
		if haveKey {
			obj.Set(key, literalOrString(value.String()))
		}
	}

	for _, segment := range splitTopLevel(raw) {
		segment = strings.TrimSpace(segment)
		if k, v, ok := splitPair(segment); ok {
			flush()
			key = k
			value.Reset()
			value.WriteString(v)
			haveKey = true
			continue
		}
		if haveKey {
			value.WriteByte(',')
			value.WriteString(segment)
		}
	}
	flush()

	return obj, obj.Len() > 0
}

// splitPair splits "key=value" at the first '=' when the key part is a plain
// token (no brackets or quotes before the '=').
func splitPair(segment string) (string, string, bool) {
	idx := strings.IndexByte(segment, '=')
	if idx <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(segment[:idx])
	if key == "" || strings.ContainsAny(key, "([{'\"") {
		return "", "", false
	}
	return key, segment[idx+1:], true
}

func literalOrString(value string) any {
	value = strings.TrimSpace(value)
	if v, err := parseLiteral(value); err == nil {
		return v
	}
	return value
}

// splitTopLevel splits on commas that sit outside brackets and quoted strings.
// A quote only opens a string where a value may start, so apostrophes inside
// bare words do not swallow the rest of the input.
func splitTopLevel(raw string) []string {
	var (
		parts []string
		depth int
		quote byte
		start int
		prev  byte = ','
	)
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if quote != 0 {
			switch c {
			case '\\':
				i++
			case quote:
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			if strings.IndexByte("=,([{:", prev) >= 0 {
				quote = c
			}
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			if depth > 0 {
				depth--
			}
		case ',':
			if depth == 0 {
				parts = append(parts, raw[start:i])
				start = i + 1
			}
		}
		if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
			prev = c
		}
	}
	return append(parts, raw[start:])
}
