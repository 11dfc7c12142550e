// Package container 读写各图像格式中承载元数据的容器结构：
// PNG文本块、JPEG APP1、WEBP RIFF块与AVIF(ISOBMFF)的Exif条目。
package container

import (
	"bytes"
	"fmt"

	"imgconv/core/imagefmt"
)

// Exif 按格式取出EXIF的TIFF数据，不存在时返回(nil, false, nil)
func Exif(data []byte, format imagefmt.Format) ([]byte, bool, error) {
	switch format {
	case imagefmt.JPEG:
		tiff, ok := JPEGExif(data)
		return tiff, ok, nil
	case imagefmt.WEBP:
		tiff, ok := WebPExif(data)
		return tiff, ok, nil
	case imagefmt.AVIF:
		return AVIFExif(data)
	case imagefmt.PNG:
		// PNG元数据走文本块，兼容少数写入eXIf块的工具
		chunks, err := ReadPNGChunks(data)
		if err != nil && len(chunks) == 0 {
			return nil, false, err
		}
		for _, c := range chunks {
			if c.Type == "eXIf" {
				return bytes.TrimPrefix(c.Data, ExifHeader), true, nil
			}
		}
		return nil, false, nil
	}
	return nil, false, fmt.Errorf("%w: %s", imagefmt.ErrUnsupported, format)
}

// IsAnimated 判断源文件是否为多帧图像，JPEG始终为静态
func IsAnimated(data []byte, format imagefmt.Format) bool {
	switch format {
	case imagefmt.PNG:
		return IsAnimatedPNG(data)
	case imagefmt.WEBP:
		return IsAnimatedWebP(data)
	case imagefmt.AVIF:
		return IsAnimatedAVIF(data)
	}
	return false
}

// IsAnimatedAVIF 图像序列带有avis品牌
func IsAnimatedAVIF(data []byte) bool {
	for _, brand := range imagefmt.FtypBrands(data) {
		if brand == "avis" {
			return true
		}
	}
	return false
}
