package container

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var pngSignature = []byte("\x89PNG\r\n\x1a\n")

// maxTextChunk 单个文本块解压后的上限，防止zip炸弹
const maxTextChunk = 64 << 20

// ErrMalformed 容器结构损坏
var ErrMalformed = errors.New("malformed container")

// Chunk PNG数据块
type Chunk struct {
	Type string
	Data []byte
}

// Text PNG文本块（tEXt/zTXt/iTXt）
type Text struct {
	Key   string
	Value string
}

// ReadPNGChunks 按文件顺序读取全部数据块，遇到IEND停止
func ReadPNGChunks(data []byte) ([]Chunk, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("%w: missing PNG signature", ErrMalformed)
	}
	var chunks []Chunk
	pos := len(pngSignature)
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		end := pos + 8 + length
		if length < 0 || end+4 > len(data) {
			return chunks, fmt.Errorf("%w: truncated %s chunk", ErrMalformed, typ)
		}
		chunks = append(chunks, Chunk{Type: typ, Data: data[pos+8 : end]})
		pos = end + 4
		if typ == "IEND" {
			break
		}
	}
	return chunks, nil
}

// PNGText 读取全部文本块
func PNGText(data []byte) ([]Text, error) {
	chunks, err := ReadPNGChunks(data)
	if err != nil && len(chunks) == 0 {
		return nil, err
	}
	var texts []Text
	for _, c := range chunks {
		var (
			t    Text
			terr error
			ok   = true
		)
		switch c.Type {
		case "tEXt":
			t, terr = decodeTEXt(c.Data)
		case "zTXt":
			t, terr = decodeZTXt(c.Data)
		case "iTXt":
			t, terr = decodeITXt(c.Data)
		default:
			ok = false
		}
		if !ok {
			continue
		}
		if terr != nil {
			// 损坏的文本块跳过，其余照常读取
			continue
		}
		texts = append(texts, t)
	}
	return texts, nil
}

// IsAnimatedPNG acTL声明多于一帧即视为动图
func IsAnimatedPNG(data []byte) bool {
	chunks, _ := ReadPNGChunks(data)
	for _, c := range chunks {
		switch c.Type {
		case "acTL":
			return len(c.Data) >= 4 && binary.BigEndian.Uint32(c.Data) > 1
		case "IDAT":
			// acTL必须位于IDAT之前
			return false
		}
	}
	return false
}

func latin1(b []byte) (string, error) {
	return charmap.ISO8859_1.NewDecoder().String(string(b))
}

func splitKey(data []byte) (string, []byte, error) {
	i := bytes.IndexByte(data, 0)
	if i <= 0 {
		return "", nil, fmt.Errorf("%w: text chunk without keyword", ErrMalformed)
	}
	key, err := latin1(data[:i])
	return key, data[i+1:], err
}

func decodeTEXt(data []byte) (Text, error) {
	key, rest, err := splitKey(data)
	if err != nil {
		return Text{}, err
	}
	value, err := latin1(rest)
	return Text{Key: key, Value: value}, err
}

func decodeZTXt(data []byte) (Text, error) {
	key, rest, err := splitKey(data)
	if err != nil {
		return Text{}, err
	}
	if len(rest) < 1 || rest[0] != 0 {
		return Text{}, fmt.Errorf("%w: unknown zTXt compression", ErrMalformed)
	}
	raw, err := inflate(rest[1:])
	if err != nil {
		return Text{}, err
	}
	value, err := latin1(raw)
	return Text{Key: key, Value: value}, err
}

func decodeITXt(data []byte) (Text, error) {
	key, rest, err := splitKey(data)
	if err != nil {
		return Text{}, err
	}
	if len(rest) < 2 {
		return Text{}, fmt.Errorf("%w: short iTXt", ErrMalformed)
	}
	compressed, method := rest[0] == 1, rest[1]
	rest = rest[2:]
	// 语言标签与翻译关键字
	for i := 0; i < 2; i++ {
		j := bytes.IndexByte(rest, 0)
		if j < 0 {
			return Text{}, fmt.Errorf("%w: short iTXt", ErrMalformed)
		}
		rest = rest[j+1:]
	}
	if compressed {
		if method != 0 {
			return Text{}, fmt.Errorf("%w: unknown iTXt compression", ErrMalformed)
		}
		if rest, err = inflate(rest); err != nil {
			return Text{}, err
		}
	}
	if !utf8.Valid(rest) {
		return Text{}, fmt.Errorf("%w: iTXt is not UTF-8", ErrMalformed)
	}
	return Text{Key: key, Value: string(rest)}, nil
}

func inflate(p []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxTextChunk+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxTextChunk {
		return nil, fmt.Errorf("%w: text chunk too large", ErrMalformed)
	}
	return out, nil
}

// EncodeTextChunk Latin-1可表示的用tEXt，否则用未压缩的iTXt
func EncodeTextChunk(t Text) (Chunk, error) {
	if t.Key == "" || len(t.Key) > 79 {
		return Chunk{}, fmt.Errorf("invalid PNG text keyword %q", t.Key)
	}
	enc := charmap.ISO8859_1.NewEncoder()
	key, err := enc.String(t.Key)
	if err != nil {
		return Chunk{}, fmt.Errorf("PNG text keyword %q is not Latin-1: %w", t.Key, err)
	}

	if value, err := enc.String(t.Value); err == nil {
		var buf bytes.Buffer
		buf.WriteString(key)
		buf.WriteByte(0)
		buf.WriteString(value)
		return Chunk{Type: "tEXt", Data: buf.Bytes()}, nil
	}

	var buf bytes.Buffer
	buf.WriteString(key)
	// 关键字结束符、压缩标志、压缩方法、空语言标签、空翻译关键字
	buf.Write([]byte{0, 0, 0, 0, 0})
	buf.WriteString(t.Value)
	return Chunk{Type: "iTXt", Data: buf.Bytes()}, nil
}

// InsertPNGChunks 把数据块插到第一个IDAT之前
func InsertPNGChunks(data []byte, chunks []Chunk) ([]byte, error) {
	if len(chunks) == 0 {
		return data, nil
	}
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, fmt.Errorf("%w: missing PNG signature", ErrMalformed)
	}
	pos := len(pngSignature)
	insertAt := -1
	for pos+8 <= len(data) {
		length := int(binary.BigEndian.Uint32(data[pos:]))
		if string(data[pos+4:pos+8]) == "IDAT" {
			insertAt = pos
			break
		}
		pos += 12 + length
	}
	if insertAt < 0 {
		return nil, fmt.Errorf("%w: no IDAT chunk", ErrMalformed)
	}

	var out bytes.Buffer
	out.Grow(len(data) + 1024)
	out.Write(data[:insertAt])
	for _, c := range chunks {
		writePNGChunk(&out, c)
	}
	out.Write(data[insertAt:])
	return out.Bytes(), nil
}

func writePNGChunk(w *bytes.Buffer, c Chunk) {
	var hdr [8]byte
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(c.Data)))
	copy(hdr[4:], c.Type)
	w.Write(hdr[:])
	w.Write(c.Data)

	crc := crc32.NewIEEE()
	crc.Write(hdr[4:])
	crc.Write(c.Data)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc.Sum32())
	w.Write(sum[:])
}
