package converter

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strconv"

	"github.com/chai2010/webp"

	"imgconv/core/imagefmt"
)

// EncodeOptions 编码参数，原样传给各编码器
type EncodeOptions struct {
	Quality  int
	Lossless bool
	// Exif 仅AVIF使用，交给avifenc写入
	Exif []byte
}

func clampQuality(q int) int {
	if q < 0 {
		return 0
	}
	if q > 100 {
		return 100
	}
	return q
}

// decode 按源格式解码
func (c *Converter) decode(ctx context.Context, data []byte, format imagefmt.Format) (image.Image, error) {
	switch format {
	case imagefmt.PNG:
		return png.Decode(bytes.NewReader(data))
	case imagefmt.JPEG:
		return jpeg.Decode(bytes.NewReader(data))
	case imagefmt.WEBP:
		return webp.Decode(bytes.NewReader(data))
	case imagefmt.AVIF:
		return c.decodeAVIF(ctx, data)
	}
	return nil, fmt.Errorf("%w: %s", imagefmt.ErrUnsupported, format)
}

// encode 按目标格式编码。PNG忽略质量与无损，JPEG忽略无损。
func (c *Converter) encode(ctx context.Context, img image.Image, format imagefmt.Format, opts EncodeOptions) ([]byte, error) {
	var buf bytes.Buffer
	switch format {
	case imagefmt.PNG:
		enc := png.Encoder{CompressionLevel: png.DefaultCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	case imagefmt.JPEG:
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: clampQuality(opts.Quality)}); err != nil {
			return nil, err
		}
	case imagefmt.WEBP:
		if err := webp.Encode(&buf, img, &webp.Options{Lossless: opts.Lossless, Quality: float32(clampQuality(opts.Quality))}); err != nil {
			return nil, err
		}
	case imagefmt.AVIF:
		return c.encodeAVIF(ctx, img, opts)
	default:
		return nil, fmt.Errorf("%w: %s", imagefmt.ErrUnsupported, format)
	}
	return buf.Bytes(), nil
}

// decodeAVIF avifdec解码到临时PNG再读取
func (c *Converter) decodeAVIF(ctx context.Context, data []byte) (image.Image, error) {
	dir, err := os.MkdirTemp("", "imgconv-avifdec-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.avif")
	out := filepath.Join(dir, "out.png")
	if err := os.WriteFile(in, data, 0o600); err != nil {
		return nil, err
	}
	if _, err := c.tools.Execute(ctx, "avifdec", in, out); err != nil {
		return nil, err
	}
	f, err := os.Open(out)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return png.Decode(f)
}

// encodeAVIF 写出临时PNG后调用avifenc
func (c *Converter) encodeAVIF(ctx context.Context, img image.Image, opts EncodeOptions) ([]byte, error) {
	dir, err := os.MkdirTemp("", "imgconv-avifenc-")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	in := filepath.Join(dir, "in.png")
	out := filepath.Join(dir, "out.avif")
	f, err := os.Create(in)
	if err != nil {
		return nil, err
	}
	if err := (&png.Encoder{CompressionLevel: png.BestSpeed}).Encode(f, img); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	args := []string{"-q", strconv.Itoa(clampQuality(opts.Quality))}
	if opts.Lossless {
		args = append(args, "--lossless")
	}
	if len(opts.Exif) > 0 {
		exifPath := filepath.Join(dir, "meta.exif")
		if err := os.WriteFile(exifPath, opts.Exif, 0o600); err != nil {
			return nil, err
		}
		args = append(args, "--exif", exifPath)
	}
	args = append(args, in, out)

	if _, err := c.tools.Execute(ctx, "avifenc", args...); err != nil {
		return nil, err
	}
	return os.ReadFile(out)
}
