package metadata

import (
	"fmt"

	"go.uber.org/zap"

	"imgconv/core/container"
	"imgconv/core/errs"
	"imgconv/core/imagefmt"
)

// Transcoder 在源格式与目标格式之间搬运生成参数
type Transcoder struct {
	logger *zap.Logger
}

// NewTranscoder 创建元数据转换器
func NewTranscoder(logger *zap.Logger) *Transcoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transcoder{logger: logger.Named("metadata")}
}

// Extract 读取源文件中的生成参数。容器或载荷损坏只记录告警并返回空元数据。
func (t *Transcoder) Extract(data []byte, format imagefmt.Format, path string) (*Metadata, error) {
	m := &Metadata{}
	switch {
	case format == imagefmt.PNG:
		texts, err := container.PNGText(data)
		if err != nil {
			t.logger.Warn("读取PNG文本块失败", zap.String("file", path), zap.Error(err))
			return &Metadata{}, nil
		}
		for _, tx := range texts {
			m.Set(tx.Key, tx.Value)
		}
	case format.UsesExif():
		tiff, ok, err := container.Exif(data, format)
		if err != nil {
			t.logger.Warn("读取EXIF失败", zap.String("file", path), zap.Error(err))
			return &Metadata{}, nil
		}
		if !ok {
			return m, nil
		}
		comment, ok, err := ReadUserComment(tiff)
		if err != nil {
			t.logger.Warn("解析UserComment失败", zap.String("file", path), zap.Error(err))
			return &Metadata{}, nil
		}
		if !ok || comment == "" {
			return m, nil
		}
		m.Set(ParametersKey, comment)
	default:
		return nil, fmt.Errorf("%w: %s", imagefmt.ErrUnsupported, format)
	}

	return t.restore(m, path), nil
}

// restore 还原NovelAI/ComfyUI包裹的原始字典
func (t *Transcoder) restore(m *Metadata, path string) *Metadata {
	params := m.Parameters()
	origin, payload := DetectOrigin(params)
	if origin != OriginNovelAI && origin != OriginComfyUI {
		m.Origin = m.classify()
		return m
	}
	entries, err := restore(payload)
	if err != nil {
		errs.Log(t.logger, errs.New(errs.ErrorTypeMetadataParse, "restore "+origin.String()+" metadata", path, err))
		return &Metadata{}
	}
	return &Metadata{Origin: origin, Entries: entries}
}

// Encode 把元数据写入已编码的目标文件字节。
// AVIF的EXIF在编码阶段交给avifenc，这里原样返回。
func (t *Transcoder) Encode(encoded []byte, target imagefmt.Format, m *Metadata, path string) ([]byte, error) {
	if m.IsEmpty() {
		return encoded, nil
	}
	switch target {
	case imagefmt.PNG:
		texts := m.ToPNGText()
		chunks := make([]container.Chunk, 0, len(texts))
		for _, tx := range texts {
			c, err := container.EncodeTextChunk(tx)
			if err != nil {
				t.logger.Warn("跳过无法写入的文本块", zap.String("file", path), zap.String("key", tx.Key), zap.Error(err))
				continue
			}
			chunks = append(chunks, c)
		}
		return container.InsertPNGChunks(encoded, chunks)
	case imagefmt.JPEG:
		tiff, err := t.ExifPayload(m, path)
		if err != nil || tiff == nil {
			return encoded, err
		}
		return container.EmbedJPEGExif(encoded, tiff)
	case imagefmt.WEBP:
		tiff, err := t.ExifPayload(m, path)
		if err != nil || tiff == nil {
			return encoded, err
		}
		return container.EmbedWebPExif(encoded, tiff)
	case imagefmt.AVIF:
		return encoded, nil
	}
	return nil, fmt.Errorf("%w: %s", imagefmt.ErrUnsupported, target)
}

// ExifPayload 生成UserComment的TIFF数据，注释为空时返回nil
func (t *Transcoder) ExifPayload(m *Metadata, path string) ([]byte, error) {
	if m.IsEmpty() {
		return nil, nil
	}
	comment, err := m.ToExifComment()
	if err != nil {
		t.logger.Warn("NovelAI参数合成失败，改用parameters", zap.String("file", path), zap.Error(err))
	}
	if comment == "" {
		return nil, nil
	}
	return BuildExif(comment)
}
