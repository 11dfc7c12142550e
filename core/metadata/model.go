// Package metadata 在PNG文本块与EXIF UserComment之间转换AI生成参数，
// 支持WebUI、NovelAI与ComfyUI三种来源。
package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"imgconv/core/container"
	"imgconv/core/metadata/pyliteral"
)

// Origin 生成参数的来源
type Origin int

const (
	OriginUnknown Origin = iota
	OriginWebUI
	OriginNovelAI
	OriginComfyUI
)

func (o Origin) String() string {
	switch o {
	case OriginWebUI:
		return "WebUI"
	case OriginNovelAI:
		return "NovelAI"
	case OriginComfyUI:
		return "ComfyUI"
	}
	return "Unknown"
}

// 包裹标记
const (
	novelAIMarker = "NAI:"
	comfyUIMarker = "ComfyUI:"
)

// ParametersKey WebUI参数所在的键
const ParametersKey = "parameters"

// ErrNovelAISynthesis NovelAI的Comment字段缺失或无法解析
var ErrNovelAISynthesis = errors.New("cannot synthesise NovelAI parameters")

// Entry 有序键值对，值为字符串或还原出的结构化值
type Entry struct {
	Key   string
	Value pyliteral.Value
}

// Metadata 图片的生成参数
type Metadata struct {
	Origin  Origin
	Entries []Entry
}

// Get 按键取值
func (m *Metadata) Get(key string) (pyliteral.Value, bool) {
	for _, e := range m.Entries {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}

// GetString 取字符串值
func (m *Metadata) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Set 已存在的键原位替换，否则追加
func (m *Metadata) Set(key string, value pyliteral.Value) {
	for i := range m.Entries {
		if m.Entries[i].Key == key {
			m.Entries[i].Value = value
			return
		}
	}
	m.Entries = append(m.Entries, Entry{Key: key, Value: value})
}

// Has 是否包含该键
func (m *Metadata) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// IsEmpty 没有任何条目
func (m *Metadata) IsEmpty() bool {
	return m == nil || len(m.Entries) == 0
}

// Parameters WebUI参数字符串
func (m *Metadata) Parameters() string {
	s, _ := m.GetString(ParametersKey)
	return s
}

// isNovelAI 原生NovelAI图片的Software字段
func (m *Metadata) isNovelAI() bool {
	s, ok := m.GetString("Software")
	return ok && s == "NovelAI"
}

func (m *Metadata) isComfyUI() bool {
	return m.Has("prompt") || m.Has("workflow")
}

// classify 未包裹的元数据按字段判断来源
func (m *Metadata) classify() Origin {
	switch {
	case m.isNovelAI():
		return OriginNovelAI
	case m.isComfyUI():
		return OriginComfyUI
	case m.Parameters() != "":
		return OriginWebUI
	}
	return OriginUnknown
}

// ToPNGText 字符串值逐条写成文本块，非字符串值丢弃
func (m *Metadata) ToPNGText() []container.Text {
	texts := make([]container.Text, 0, len(m.Entries))
	for _, e := range m.Entries {
		if s, ok := e.Value.(string); ok {
			texts = append(texts, container.Text{Key: e.Key, Value: s})
		}
	}
	return texts
}

// ToExifComment 生成写入UserComment的单个字符串。
// NovelAI合成失败时返回parameters作为回退值，同时返回错误供调用方告警。
func (m *Metadata) ToExifComment() (string, error) {
	switch {
	case m.isNovelAI():
		s, err := m.novelAIComment()
		if err != nil {
			return m.Parameters(), err
		}
		return s, nil
	case m.isComfyUI():
		return comfyUIMarker + " " + m.repr(), nil
	}
	return m.Parameters(), nil
}

// repr 全部条目的Python字典表示
func (m *Metadata) repr() string {
	d := &pyliteral.Dict{Items: make([]pyliteral.Item, 0, len(m.Entries))}
	for _, e := range m.Entries {
		d.Items = append(d.Items, pyliteral.Item{Key: e.Key, Value: e.Value})
	}
	return pyliteral.Repr(d)
}

// novelAIComment 转成WebUI可读的参数行，末行以NAI:标记携带完整字典
func (m *Metadata) novelAIComment() (string, error) {
	description, ok := m.GetString("Description")
	if !ok {
		return "", fmt.Errorf("%w: missing Description", ErrNovelAISynthesis)
	}
	raw, ok := m.GetString("Comment")
	if !ok {
		return "", fmt.Errorf("%w: missing Comment", ErrNovelAISynthesis)
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var comment map[string]any
	if err := dec.Decode(&comment); err != nil {
		return "", fmt.Errorf("%w: Comment is not a JSON object: %v", ErrNovelAISynthesis, err)
	}

	fields := make(map[string]string, 7)
	for _, key := range []string{"uc", "steps", "sampler", "scale", "seed", "width", "height"} {
		v, ok := comment[key]
		if !ok {
			return "", fmt.Errorf("%w: Comment has no %q", ErrNovelAISynthesis, key)
		}
		fields[key] = pyStr(v)
	}

	var b strings.Builder
	b.WriteString(description)
	b.WriteString("\nNegative prompt: ")
	b.WriteString(fields["uc"])
	fmt.Fprintf(&b, "\nSteps: %s, Sampler: %s, CFG scale: %s, Seed: %s, Size: %sx%s, Clip skip: 2, ENSD: 31337, ",
		fields["steps"], fields["sampler"], fields["scale"], fields["seed"], fields["width"], fields["height"])
	b.WriteString(novelAIMarker)
	b.WriteByte(' ')
	b.WriteString(m.repr())
	return b.String(), nil
}

// pyStr JSON值按Python的str()格式化
func pyStr(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return pyliteral.Repr(fromJSON(v))
}

func fromJSON(v any) pyliteral.Value {
	switch x := v.(type) {
	case nil:
		return pyliteral.None{}
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, ok := new(big.Int).SetString(s, 10); ok {
				return n
			}
		}
		f, err := x.Float64()
		if err != nil {
			return s
		}
		return f
	case []any:
		list := make(pyliteral.List, len(x))
		for i, item := range x {
			list[i] = fromJSON(item)
		}
		return list
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		d := &pyliteral.Dict{}
		for _, k := range keys {
			d.Set(k, fromJSON(x[k]))
		}
		return d
	}
	return v
}

// DetectOrigin 识别parameters中的包裹标记，返回来源与标记后的载荷。
// ComfyUI标记位于开头；NovelAI标记位于末行。
func DetectOrigin(parameters string) (Origin, string) {
	trimmed := strings.TrimSpace(parameters)
	if trimmed == "" {
		return OriginUnknown, ""
	}
	if strings.HasPrefix(trimmed, comfyUIMarker) {
		return OriginComfyUI, strings.TrimSpace(trimmed[len(comfyUIMarker):])
	}
	last := trimmed[strings.LastIndexByte(trimmed, '\n')+1:]
	if i := strings.Index(last, novelAIMarker); i >= 0 {
		return OriginNovelAI, strings.TrimSpace(last[i+len(novelAIMarker):])
	}
	return OriginWebUI, ""
}

// restore 把包裹载荷解析回原始条目
func restore(payload string) ([]Entry, error) {
	d, err := pyliteral.ParseDict(payload)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(d.Items))
	for _, item := range d.Items {
		key, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: non-string key %s", pyliteral.ErrSyntax, pyliteral.Repr(item.Key))
		}
		entries = append(entries, Entry{Key: key, Value: item.Value})
	}
	return entries, nil
}

// Equal 条目与来源完全一致
func (m *Metadata) Equal(other *Metadata) bool {
	if m.IsEmpty() || other.IsEmpty() {
		return m.IsEmpty() == other.IsEmpty()
	}
	if m.Origin != other.Origin || len(m.Entries) != len(other.Entries) {
		return false
	}
	for i := range m.Entries {
		if m.Entries[i].Key != other.Entries[i].Key {
			return false
		}
		if pyliteral.Repr(m.Entries[i].Value) != pyliteral.Repr(other.Entries[i].Value) {
			return false
		}
	}
	return true
}
