package metadata

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rwcarlsen/goexif/exif"
	"golang.org/x/text/encoding/japanese"
	"golang.org/x/text/encoding/unicode"
)

// UserComment字符集前缀（8字节）
var (
	charsetASCII     = []byte("ASCII\x00\x00\x00")
	charsetUnicode   = []byte("UNICODE\x00")
	charsetJIS       = []byte("JIS\x00\x00\x00\x00\x00")
	charsetUndefined = make([]byte, 8)
)

const (
	tagExifIFDPointer = 0x8769
	tagUserComment    = 0x9286

	typeLong      = 4
	typeUndefined = 7
)

// BuildExif 生成只含UserComment的大端TIFF，结构为IFD0 -> ExifIFD -> UserComment
func BuildExif(comment string) ([]byte, error) {
	encoded, err := unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM).NewEncoder().String(comment)
	if err != nil {
		return nil, fmt.Errorf("encode UserComment: %w", err)
	}
	value := append(append([]byte(nil), charsetUnicode...), encoded...)

	const (
		ifd0Offset    = 8
		exifIFDOffset = ifd0Offset + 2 + 12 + 4
		valueOffset   = exifIFDOffset + 2 + 12 + 4
	)

	be := binary.BigEndian
	out := make([]byte, 0, valueOffset+len(value))
	out = append(out, 'M', 'M', 0, 42)
	out = be.AppendUint32(out, ifd0Offset)

	// IFD0
	out = be.AppendUint16(out, 1)
	out = be.AppendUint16(out, tagExifIFDPointer)
	out = be.AppendUint16(out, typeLong)
	out = be.AppendUint32(out, 1)
	out = be.AppendUint32(out, exifIFDOffset)
	out = be.AppendUint32(out, 0)

	// Exif IFD
	out = be.AppendUint16(out, 1)
	out = be.AppendUint16(out, tagUserComment)
	out = be.AppendUint16(out, typeUndefined)
	out = be.AppendUint32(out, uint32(len(value)))
	out = be.AppendUint32(out, valueOffset)
	out = be.AppendUint32(out, 0)

	return append(out, value...), nil
}

// ReadUserComment 从TIFF数据中读取UserComment，不存在时返回ok=false
func ReadUserComment(tiff []byte) (string, bool, error) {
	x, err := exif.Decode(bytes.NewReader(tiff))
	if x == nil {
		return "", false, fmt.Errorf("decode EXIF: %w", err)
	}
	tag, err := x.Get(exif.UserComment)
	if err != nil {
		var missing exif.TagNotPresentError
		if errors.As(err, &missing) {
			return "", false, nil
		}
		return "", false, err
	}
	comment, err := DecodeUserCommentOrder(tag.Val, tiffByteOrder(tiff))
	if err != nil {
		return "", false, err
	}
	return comment, true, nil
}

// tiffByteOrder TIFF头声明的字节序，II为小端，其余按大端
func tiffByteOrder(tiff []byte) binary.ByteOrder {
	if bytes.HasPrefix(tiff, []byte("II")) {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// DecodeUserComment 按8字节字符集前缀解码UserComment，UNICODE默认大端
func DecodeUserComment(raw []byte) (string, error) {
	return DecodeUserCommentOrder(raw, binary.BigEndian)
}

// DecodeUserCommentOrder UNICODE文本按order解码，有BOM时以BOM为准
func DecodeUserCommentOrder(raw []byte, order binary.ByteOrder) (string, error) {
	if len(raw) < 8 {
		return string(bytes.TrimRight(raw, "\x00")), nil
	}
	prefix, body := raw[:8], raw[8:]
	switch {
	case bytes.Equal(prefix, charsetUnicode):
		return decodeUTF16(body, order)
	case bytes.Equal(prefix, charsetASCII), bytes.Equal(prefix, charsetUndefined):
		return string(bytes.TrimRight(body, "\x00")), nil
	case bytes.Equal(prefix, charsetJIS):
		s, err := japanese.ShiftJIS.NewDecoder().Bytes(bytes.TrimRight(body, "\x00"))
		if err != nil {
			return "", fmt.Errorf("decode JIS UserComment: %w", err)
		}
		return string(s), nil
	}
	// 无字符集前缀，按原始字节处理
	return string(bytes.TrimRight(raw, "\x00")), nil
}

// decodeUTF16 有BOM时按BOM，否则按TIFF字节序
func decodeUTF16(body []byte, order binary.ByteOrder) (string, error) {
	endian := unicode.BigEndian
	if order == binary.LittleEndian {
		endian = unicode.LittleEndian
	}
	s, err := unicode.UTF16(endian, unicode.UseBOM).NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode UNICODE UserComment: %w", err)
	}
	return string(s), nil
}
