package imagefmt

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/h2non/filetype"
)

// Format 支持的图片格式
type Format string

const (
	PNG  Format = "png"
	JPEG Format = "jpg"
	WEBP Format = "webp"
	AVIF Format = "avif"
)

// HeaderSize 类型识别读取的文件头长度
const HeaderSize = 261

// ErrUnsupported 不支持的格式
var ErrUnsupported = errors.New("unsupported image format")

// All 返回全部支持的格式
func All() []Format {
	return []Format{PNG, JPEG, WEBP, AVIF}
}

// ParseFormat 解析格式名称，接受jpeg/jpg及前导点
func ParseFormat(s string) (Format, error) {
	name := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "."))
	switch name {
	case "png":
		return PNG, nil
	case "jpg", "jpeg":
		return JPEG, nil
	case "webp":
		return WEBP, nil
	case "avif":
		return AVIF, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, s)
}

// Ext 输出文件扩展名（不带点）
func (f Format) Ext() string {
	return string(f)
}

// String 实现Stringer
func (f Format) String() string {
	return string(f)
}

// UsesExif 该格式的生成参数保存在EXIF UserComment中
func (f Format) UsesExif() bool {
	return f == JPEG || f == WEBP || f == AVIF
}

// MayAnimate 该格式可能包含多帧
func (f Format) MayAnimate() bool {
	return f == PNG || f == WEBP || f == AVIF
}

// Detect 根据文件头识别格式，不信任扩展名
func Detect(header []byte) (Format, bool) {
	// filetype对AVIF与HEIF的判定依赖品牌组合，这里先按ftyp品牌直接识别
	if brands := FtypBrands(header); len(brands) > 0 {
		for _, brand := range brands {
			if brand == "avif" || brand == "avis" {
				return AVIF, true
			}
		}
		return "", false
	}

	kind, err := filetype.Match(header)
	if err != nil {
		return "", false
	}
	switch kind.Extension {
	case "png":
		return PNG, true
	case "jpg":
		return JPEG, true
	case "webp":
		return WEBP, true
	case "avif":
		return AVIF, true
	}
	return "", false
}

// FtypBrands 返回ISOBMFF ftyp盒中的主品牌和兼容品牌
func FtypBrands(header []byte) []string {
	if len(header) < 16 || !bytes.Equal(header[4:8], []byte("ftyp")) {
		return nil
	}
	size := int(header[0])<<24 | int(header[1])<<16 | int(header[2])<<8 | int(header[3])
	if size < 16 {
		return nil
	}
	if size > len(header) {
		size = len(header)
	}
	brands := []string{string(header[8:12])}
	// 跳过minor_version
	for off := 16; off+4 <= size; off += 4 {
		brands = append(brands, string(header[off:off+4]))
	}
	return brands
}

// SniffFile 读取文件头并识别格式
func SniffFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	header := make([]byte, HeaderSize)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	format, ok := Detect(header[:n])
	if !ok {
		return "", ErrUnsupported
	}
	return format, nil
}
