// Package pyliteral 读写Python字面量（dict/list/tuple/str/bytes/int/float/bool/None）。
//
// 旧版导出的NovelAI/ComfyUI元数据以Python dict的repr形式嵌在参数字符串里，
// 这里按CPython的repr规则输出，并只按字面量语法解析，不做任何求值。
package pyliteral

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Value 字面量值：string、[]byte、*big.Int、float64、bool、None、List、Tuple、*Dict
type Value any

// None Python的None
type None struct{}

// List Python列表
type List []Value

// Tuple Python元组
type Tuple []Value

// Item 有序字典项
type Item struct {
	Key   Value
	Value Value
}

// Dict 保持插入顺序的字典
type Dict struct {
	Items []Item
}

// Get 按字符串键取值
func (d *Dict) Get(key string) (Value, bool) {
	for _, item := range d.Items {
		if k, ok := item.Key.(string); ok && k == key {
			return item.Value, true
		}
	}
	return nil, false
}

// Set 设置字符串键，已存在则原位替换
func (d *Dict) Set(key string, value Value) {
	for i, item := range d.Items {
		if k, ok := item.Key.(string); ok && k == key {
			d.Items[i].Value = value
			return
		}
	}
	d.Items = append(d.Items, Item{Key: key, Value: value})
}

// Repr 按CPython规则输出字面量
func Repr(v Value) string {
	var b strings.Builder
	writeRepr(&b, v)
	return b.String()
}

func writeRepr(b *strings.Builder, v Value) {
	switch x := v.(type) {
	case nil, None:
		b.WriteString("None")
	case string:
		b.WriteString(QuoteString(x))
	case []byte:
		b.WriteString(quoteBytes(x))
	case bool:
		if x {
			b.WriteString("True")
		} else {
			b.WriteString("False")
		}
	case *big.Int:
		b.WriteString(x.String())
	case int:
		b.WriteString(strconv.Itoa(x))
	case int64:
		b.WriteString(strconv.FormatInt(x, 10))
	case float64:
		b.WriteString(FormatFloat(x))
	case List:
		b.WriteByte('[')
		writeSeq(b, x)
		b.WriteByte(']')
	case Tuple:
		b.WriteByte('(')
		writeSeq(b, x)
		if len(x) == 1 {
			b.WriteByte(',')
		}
		b.WriteByte(')')
	case *Dict:
		b.WriteByte('{')
		for i, item := range x.Items {
			if i > 0 {
				b.WriteString(", ")
			}
			writeRepr(b, item.Key)
			b.WriteString(": ")
			writeRepr(b, item.Value)
		}
		b.WriteByte('}')
	default:
		b.WriteString(QuoteString(fmt.Sprint(x)))
	}
}

func writeSeq(b *strings.Builder, items []Value) {
	for i, item := range items {
		if i > 0 {
			b.WriteString(", ")
		}
		writeRepr(b, item)
	}
}

// QuoteString 等价于Python的repr(str)
func QuoteString(s string) string {
	quote := byte('\'')
	if strings.ContainsRune(s, '\'') && !strings.ContainsRune(s, '"') {
		quote = '"'
	}

	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte(quote)
	for i := 0; i < len(s); {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			// 非法UTF-8按代理转义输出，与surrogateescape一致
			fmt.Fprintf(&b, `\udc%02x`, s[i])
			i++
			continue
		}
		i += size
		switch {
		case r == '\\':
			b.WriteString(`\\`)
		case r == rune(quote):
			b.WriteByte('\\')
			b.WriteByte(quote)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r < 0x7f:
			b.WriteRune(r)
		case unicode.IsPrint(r):
			b.WriteRune(r)
		case r <= 0xff:
			fmt.Fprintf(&b, `\x%02x`, r)
		case r <= 0xffff:
			fmt.Fprintf(&b, `\u%04x`, r)
		default:
			fmt.Fprintf(&b, `\U%08x`, r)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

func quoteBytes(p []byte) string {
	quote := byte('\'')
	if strings.IndexByte(string(p), '\'') >= 0 && strings.IndexByte(string(p), '"') < 0 {
		quote = '"'
	}

	var b strings.Builder
	b.WriteString("b")
	b.WriteByte(quote)
	for _, c := range p {
		switch {
		case c == '\\':
			b.WriteString(`\\`)
		case c == quote:
			b.WriteByte('\\')
			b.WriteByte(quote)
		case c == '\t':
			b.WriteString(`\t`)
		case c == '\n':
			b.WriteString(`\n`)
		case c == '\r':
			b.WriteString(`\r`)
		case c < 0x20 || c >= 0x7f:
			fmt.Fprintf(&b, `\x%02x`, c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(quote)
	return b.String()
}

// FormatFloat 等价于Python的repr(float)
func FormatFloat(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	case math.IsNaN(f):
		return "nan"
	}

	// 最短可还原的有效数字
	sci := strconv.FormatFloat(f, 'e', -1, 64)
	mantissa, expPart, _ := strings.Cut(sci, "e")
	exp, _ := strconv.Atoi(expPart)

	if exp < -4 || exp >= 16 {
		sign := "+"
		if exp < 0 {
			sign = "-"
			exp = -exp
		}
		return fmt.Sprintf("%se%s%02d", mantissa, sign, exp)
	}

	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".") {
		s += ".0"
	}
	return s
}
