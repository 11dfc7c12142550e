package pyliteral

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ErrSyntax 字面量语法错误
var ErrSyntax = errors.New("invalid python literal")

// maxDepth 容器嵌套上限
const maxDepth = 256

// Parse 解析单个Python字面量，前后允许空白
func Parse(s string) (Value, error) {
	p := &parser{src: s}
	p.skipSpace()
	v, err := p.value(0)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, p.errorf("unexpected trailing input")
	}
	return v, nil
}

// ParseDict 解析字面量并要求结果为dict
func ParseDict(s string) (*Dict, error) {
	v, err := Parse(s)
	if err != nil {
		return nil, err
	}
	d, ok := v.(*Dict)
	if !ok {
		return nil, fmt.Errorf("%w: expected dict, got %T", ErrSyntax, v)
	}
	return d, nil
}

type parser struct {
	src string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return fmt.Errorf("%w at offset %d: %s", ErrSyntax, p.pos, fmt.Sprintf(format, args...))
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpace() {
	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case ' ', '\t', '\n', '\r', '\f', '\v':
			p.pos++
		case '\\':
			// 行尾续行
			if strings.HasPrefix(p.src[p.pos:], "\\\n") {
				p.pos += 2
				continue
			}
			return
		default:
			return
		}
	}
}

func (p *parser) value(depth int) (Value, error) {
	if depth > maxDepth {
		return nil, p.errorf("nesting too deep")
	}
	c := p.peek()
	switch {
	case c == '{':
		return p.dict(depth)
	case c == '[':
		items, err := p.seq(depth, '[', ']')
		if err != nil {
			return nil, err
		}
		return List(items), nil
	case c == '(':
		return p.tuple(depth)
	case c == '\'' || c == '"':
		return p.strings()
	case c == '-' || c == '+' || c == '.' || (c >= '0' && c <= '9'):
		return p.number()
	case isIdentStart(c):
		return p.identOrPrefixed()
	case c == 0:
		return nil, p.errorf("unexpected end of input")
	}
	return nil, p.errorf("unexpected character %q", c)
}

func (p *parser) dict(depth int) (Value, error) {
	p.pos++ // {
	d := &Dict{}
	for {
		p.skipSpace()
		if p.peek() == '}' {
			p.pos++
			return d, nil
		}
		key, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.peek() != ':' {
			return nil, p.errorf("expected ':' in dict")
		}
		p.pos++
		p.skipSpace()
		val, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		if k, ok := key.(string); ok {
			d.Set(k, val)
		} else {
			d.Items = append(d.Items, Item{Key: key, Value: val})
		}
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return d, nil
		default:
			return nil, p.errorf("expected ',' or '}' in dict")
		}
	}
}

func (p *parser) seq(depth int, open, close byte) ([]Value, error) {
	if p.peek() != open {
		return nil, p.errorf("expected %q", open)
	}
	p.pos++
	items := []Value{}
	for {
		p.skipSpace()
		if p.peek() == close {
			p.pos++
			return items, nil
		}
		v, err := p.value(depth + 1)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
		p.skipSpace()
		switch p.peek() {
		case ',':
			p.pos++
		case close:
			p.pos++
			return items, nil
		default:
			return nil, p.errorf("expected ',' or %q", close)
		}
	}
}

func (p *parser) tuple(depth int) (Value, error) {
	start := p.pos
	p.pos++ // (
	p.skipSpace()
	if p.peek() == ')' {
		p.pos++
		return Tuple{}, nil
	}
	first, err := p.value(depth + 1)
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.peek() == ')' {
		// (x) 只是括号，不是元组
		p.pos++
		return first, nil
	}
	p.pos = start
	items, err := p.seq(depth, '(', ')')
	if err != nil {
		return nil, err
	}
	return Tuple(items), nil
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func (p *parser) identOrPrefixed() (Value, error) {
	start := p.pos
	for p.pos < len(p.src) && (isIdentStart(p.src[p.pos]) || (p.src[p.pos] >= '0' && p.src[p.pos] <= '9')) {
		p.pos++
	}
	word := p.src[start:p.pos]
	if q := p.peek(); q == '\'' || q == '"' {
		p.pos = start
		return p.strings()
	}
	switch word {
	case "True":
		return true, nil
	case "False":
		return false, nil
	case "None":
		return None{}, nil
	case "inf", "nan":
		// repr可能输出inf/nan，但它们不是字面量
		return nil, p.errorf("%s is not a literal", word)
	}
	p.pos = start
	return nil, p.errorf("unexpected name %q", word)
}

// strings 解析一个或多个相邻的字符串字面量，Python会把它们拼接起来
func (p *parser) strings() (Value, error) {
	var text strings.Builder
	var raw []byte
	isBytes := -1
	for {
		p.skipSpace()
		prefix, ok := p.stringPrefix()
		if !ok {
			break
		}
		b := strings.ContainsAny(prefix, "bB")
		r := strings.ContainsAny(prefix, "rR")
		if isBytes == -1 {
			isBytes = boolToInt(b)
		} else if isBytes != boolToInt(b) {
			return nil, p.errorf("cannot mix bytes and str literals")
		}
		s, err := p.stringBody(r, b)
		if err != nil {
			return nil, err
		}
		if b {
			raw = append(raw, s...)
		} else {
			text.WriteString(s)
		}
	}
	if isBytes == -1 {
		return nil, p.errorf("expected string literal")
	}
	if isBytes == 1 {
		return raw, nil
	}
	return text.String(), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// stringPrefix 识别可选前缀，成功时pos指向引号
func (p *parser) stringPrefix() (string, bool) {
	start := p.pos
	for p.pos < len(p.src) && p.pos-start < 2 && strings.IndexByte("rRbBuU", p.src[p.pos]) >= 0 {
		p.pos++
	}
	prefix := p.src[start:p.pos]
	if q := p.peek(); q != '\'' && q != '"' {
		p.pos = start
		return "", false
	}
	switch strings.ToLower(prefix) {
	case "", "r", "b", "u", "rb", "br":
		return prefix, true
	}
	p.pos = start
	return "", false
}

func (p *parser) stringBody(raw, isBytes bool) (string, error) {
	quote := p.src[p.pos]
	delim := string(quote)
	if strings.HasPrefix(p.src[p.pos:], strings.Repeat(delim, 3)) {
		delim = strings.Repeat(delim, 3)
	}
	p.pos += len(delim)

	var b strings.Builder
	for {
		if p.pos >= len(p.src) {
			return "", p.errorf("unterminated string")
		}
		if strings.HasPrefix(p.src[p.pos:], delim) {
			p.pos += len(delim)
			return b.String(), nil
		}
		c := p.src[p.pos]
		if c == '\n' && len(delim) == 1 {
			return "", p.errorf("newline in string")
		}
		if c != '\\' {
			if isBytes && c >= 0x80 {
				return "", p.errorf("non-ASCII character in bytes literal")
			}
			b.WriteByte(c)
			p.pos++
			continue
		}
		if raw {
			// 原始字符串保留反斜杠，但转义的引号不结束字符串
			b.WriteByte(c)
			p.pos++
			if p.pos < len(p.src) {
				b.WriteByte(p.src[p.pos])
				p.pos++
			}
			continue
		}
		if err := p.escape(&b, isBytes); err != nil {
			return "", err
		}
	}
}

func (p *parser) escape(b *strings.Builder, isBytes bool) error {
	p.pos++ // 反斜杠
	if p.pos >= len(p.src) {
		return p.errorf("dangling backslash")
	}
	c := p.src[p.pos]
	p.pos++
	switch c {
	case '\n':
	case '\\', '\'', '"':
		b.WriteByte(c)
	case 'a':
		b.WriteByte('\a')
	case 'b':
		b.WriteByte('\b')
	case 'f':
		b.WriteByte('\f')
	case 'n':
		b.WriteByte('\n')
	case 'r':
		b.WriteByte('\r')
	case 't':
		b.WriteByte('\t')
	case 'v':
		b.WriteByte('\v')
	case '0', '1', '2', '3', '4', '5', '6', '7':
		end := p.pos - 1
		for end < len(p.src) && end < p.pos+2 && p.src[end] >= '0' && p.src[end] <= '7' {
			end++
		}
		n, _ := strconv.ParseUint(p.src[p.pos-1:end], 8, 32)
		p.pos = end
		return p.writeCode(b, rune(n), isBytes)
	case 'x':
		return p.hexEscape(b, 2, isBytes)
	case 'u', 'U':
		if isBytes {
			b.WriteByte('\\')
			b.WriteByte(c)
			return nil
		}
		width := 4
		if c == 'U' {
			width = 8
		}
		return p.hexEscape(b, width, false)
	case 'N':
		return p.errorf(`\N{...} escapes are not supported`)
	default:
		// 未知转义原样保留
		b.WriteByte('\\')
		b.WriteByte(c)
	}
	return nil
}

func (p *parser) hexEscape(b *strings.Builder, width int, isBytes bool) error {
	if p.pos+width > len(p.src) {
		return p.errorf("truncated escape")
	}
	n, err := strconv.ParseUint(p.src[p.pos:p.pos+width], 16, 32)
	if err != nil {
		return p.errorf("invalid hex escape")
	}
	p.pos += width
	return p.writeCode(b, rune(n), isBytes)
}

func (p *parser) writeCode(b *strings.Builder, r rune, isBytes bool) error {
	if isBytes {
		if r > 0xff {
			return p.errorf("byte escape out of range")
		}
		b.WriteByte(byte(r))
		return nil
	}
	if r > utf8.MaxRune {
		return p.errorf("code point out of range")
	}
	b.WriteRune(r)
	return nil
}

func (p *parser) number() (Value, error) {
	start := p.pos
	neg := false
	for p.peek() == '-' || p.peek() == '+' {
		if p.peek() == '-' {
			neg = !neg
		}
		p.pos++
		p.skipSpace()
	}
	numStart := p.pos
	for p.pos < len(p.src) {
		c := p.src[p.pos]
		isDigit := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') || c == '_' || c == '.' || c == 'x' || c == 'X' || c == 'o' || c == 'O'
		isExpSign := (c == '+' || c == '-') && p.pos > numStart && (p.src[p.pos-1] == 'e' || p.src[p.pos-1] == 'E')
		if !isDigit && !isExpSign {
			break
		}
		p.pos++
	}
	text := strings.ReplaceAll(p.src[numStart:p.pos], "_", "")
	if text == "" {
		p.pos = start
		return nil, p.errorf("expected number")
	}

	lower := strings.ToLower(text)
	isRadix := strings.HasPrefix(lower, "0x") || strings.HasPrefix(lower, "0o") || strings.HasPrefix(lower, "0b")
	if !isRadix && strings.ContainsAny(lower, ".e") {
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			p.pos = start
			return nil, p.errorf("invalid float %q", text)
		}
		if neg {
			f = -f
		}
		return f, nil
	}

	n, ok := new(big.Int).SetString(text, 0)
	if !ok {
		p.pos = start
		return nil, p.errorf("invalid integer %q", text)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}
