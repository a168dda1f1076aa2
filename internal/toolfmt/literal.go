package toolfmt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// The optimizer tool is a Python function, and its results arrive as Python
// reprs: single-quoted strings, True/False/None, tuples. parseLiteral accepts
// that literal grammar and returns JSON-compatible values. Tuples and sets
// become lists; non-string dict keys become their JSON text.

var errNotLiteral = errors.New("not a literal")

type literalParser struct {
	src string
	pos int
}

// parseLiteral parses the whole input as a single literal value.
func parseLiteral(src string) (any, error) {
	p := &literalParser{src: src}
	p.skipSpace()
	v, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("%w: trailing input at offset %d", errNotLiteral, p.pos)
	}
	return v, nil
}

func (p *literalParser) fail(format string, args ...any) error {
	return fmt.Errorf("%w: %s at offset %d", errNotLiteral, fmt.Sprintf(format, args...), p.pos)
}

func (p *literalParser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			p.pos++
		default:
			return
		}
	}
}

func (p *literalParser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *literalParser) value() (any, error) {
	if p.pos >= len(p.src) {
		return nil, p.fail("unexpected end of input")
	}
	c := p.peek()
	switch {
	case c == '[':
		p.pos++
		return p.sequence(']')
	case c == '(':
		p.pos++
		return p.tuple()
	case c == '{':
		p.pos++
		return p.braces()
	case c == '\'' || c == '"':
		return p.stringLiteral()
	case c == '-' || c == '+' || c == '.' || isDigit(c):
		return p.number()
	case isIdentStart(c):
		return p.word()
	default:
		return nil, p.fail("unexpected character %q", c)
	}
}

// sequence parses comma separated values up to the closing delimiter; the
// opening delimiter has already been consumed. A trailing comma is allowed.
func (p *literalParser) sequence(closing byte) ([]any, error) {
	items := []any{}
	for {
		p.skipSpace()
		if p.peek() == closing {
			p.pos++
			return items, nil
		}
		v, err := p.value()
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case closing:
			p.pos++
			return items, nil
		default:
			return nil, p.fail("expected ',' or %q", closing)
		}
	}
}

// tuple distinguishes (x) grouping from (x,) and (x, y) tuples.
func (p *literalParser) tuple() (any, error) {
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return []any{}, nil
	}
	first, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	switch p.peek() {
	case ')':
		p.pos++
		return first, nil
	case ',':
		p.pos++
		rest, err := p.sequence(')')
		if err != nil {
			return nil, err
		}
		return append([]any{first}, rest...), nil
	default:
		return nil, p.fail("expected ',' or ')'")
	}
}

// braces parses a dict or a set; the first element decides which.
func (p *literalParser) braces() (any, error) {
	p.skipSpace()
	if p.peek() == '}' {
		p.pos++
		return NewObject(), nil
	}
	first, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() != ':' {
		switch p.peek() {
		case '}':
			p.pos++
			return []any{first}, nil
		case ',':
			p.pos++
			rest, err := p.sequence('}')
			if err != nil {
				return nil, err
			}
			return append([]any{first}, rest...), nil
		default:
			return nil, p.fail("expected ':' , ',' or '}'")
		}
	}

	obj := NewObject()
	key := first
	for {
		p.pos++ // ':'
		p.skipSpace()
		val, err := p.value()
		if err != nil {
			return nil, err
		}
		k, err := literalKey(key)
		if err != nil {
			return nil, err
		}
		obj.Set(k, val)
		p.skipSpace()
		switch p.peek() {
		case '}':
			p.pos++
			return obj, nil
		case ',':
			p.pos++
		default:
			return nil, p.fail("expected ',' or '}'")
		}
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return obj, nil
		}
		key, err = p.value()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.fail("expected ':'")
		}
	}
}

func literalKey(key any) (string, error) {
	switch k := key.(type) {
	case string:
		return k, nil
	case json.Number:
		return k.String(), nil
	case *Object:
		return "", fmt.Errorf("%w: unhashable dict key", errNotLiteral)
	default:
		data, err := marshalNoEscape(k)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errNotLiteral, err)
		}
		return string(data), nil
	}
}

// stringLiteral parses one or more adjacent string literals, which concatenate.
func (p *literalParser) stringLiteral() (any, error) {
	var sb strings.Builder
	for {
		s, err := p.str()
		if err != nil {
			return nil, err
		}
		sb.WriteString(s)
		save := p.pos
		p.skipSpace()
		if c := p.peek(); c != '\'' && c != '"' {
			p.pos = save
			return sb.String(), nil
		}
	}
}

func (p *literalParser) str() (string, error) {
	quote := p.src[p.pos]
	triple := strings.HasPrefix(p.src[p.pos:], strings.Repeat(string(quote), 3))
	if triple {
		p.pos += 3
	} else {
		p.pos++
	}
	var sb strings.Builder
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case c == quote && !triple:
			p.pos++
			return sb.String(), nil
		case c == quote && strings.HasPrefix(p.src[p.pos:], strings.Repeat(string(quote), 3)):
			p.pos += 3
			return sb.String(), nil
		case c == '\n' && !triple:
			return "", p.fail("newline in string")
		case c == '\\':
			if err := p.escape(&sb); err != nil {
				return "", err
			}
		default:
			r, size := utf8.DecodeRuneInString(p.src[p.pos:])
			sb.WriteRune(r)
			p.pos += size
		}
	}
	return "", p.fail("unterminated string")
}

func (p *literalParser) escape(sb *strings.Builder) error {
	p.pos++ // backslash
	if p.pos >= len(p.src) {
		return p.fail("dangling escape")
	}
	c := p.src[p.pos]
	p.pos++
	switch c {
	case 'n':
		sb.WriteByte('\n')
	case 't':
		sb.WriteByte('\t')
	case 'r':
		sb.WriteByte('\r')
	case '0':
		sb.WriteByte(0)
	case '\\', '\'', '"':
		sb.WriteByte(c)
	case '\n':
	case 'x', 'u', 'U':
		width := 2
		switch c {
		case 'u':
			width = 4
		case 'U':
			width = 8
		}
		if p.pos+width > len(p.src) {
			return p.fail("short \\%c escape", c)
		}
		code, err := strconv.ParseUint(p.src[p.pos:p.pos+width], 16, 32)
		if err != nil {
			return p.fail("bad \\%c escape", c)
		}
		sb.WriteRune(rune(code))
		p.pos += width
	default:
		sb.WriteByte('\\')
		sb.WriteByte(c)
	}
	return nil
}

func (p *literalParser) number() (any, error) {
	start := p.pos
	if c := p.peek(); c == '-' || c == '+' {
		p.pos++
		p.skipSpace()
	}
	sign := strings.TrimSpace(p.src[start:p.pos])
	digitsStart := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		if isDigit(c) || c == '.' || c == '_' || c == 'e' || c == 'E' {
			p.pos++
			continue
		}
		if (c == '-' || c == '+') && p.pos > digitsStart && (p.src[p.pos-1] == 'e' || p.src[p.pos-1] == 'E') {
			p.pos++
			continue
		}
		break
	}
	text := strings.ReplaceAll(p.src[digitsStart:p.pos], "_", "")
	if text == "" {
		return nil, p.fail("expected number")
	}
	if sign == "-" {
		text = "-" + text
	}
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(n, 10)), nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return nil, p.fail("bad number %q", text)
	}
	if json.Valid([]byte(text)) {
		return json.Number(text), nil
	}
	return json.Number(strconv.FormatFloat(f, 'g', -1, 64)), nil
}

func (p *literalParser) word() (any, error) {
	start := p.pos
	for p.pos < len(p.src) && isIdentPart(p.src[p.pos]) {
		p.pos++
	}
	switch p.src[start:p.pos] {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return nil, nil
	}
	// String prefixes such as u'x' or r"x".
	if p.pos-start <= 2 && (p.peek() == '\'' || p.peek() == '"') {
		prefix := strings.ToLower(p.src[start:p.pos])
		if prefix == "u" || prefix == "r" {
			return p.stringLiteral()
		}
	}
	p.pos = start
	return nil, p.fail("unknown name")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool { return isIdentStart(c) || isDigit(c) }

// isContainer reports whether v is a structured (list or mapping) value.
func isContainer(v any) bool {
	switch v.(type) {
	case []any, *Object:
		return true
	}
	return false
}
