// Package compositor 把带透明通道的图像合成到纯色背景上
package compositor

import (
	"fmt"
	"image"
	"image/color"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"

	"imgconv/core/imagefmt"
)

// White 默认填充色
var White = color.NRGBA{R: 0xFF, G: 0xFF, B: 0xFF, A: 0xFF}

// Apply 请求填充或目标为JPEG时，把带透明度的图像贴到fill色的不透明背景上
func Apply(img image.Image, fill color.NRGBA, target imagefmt.Format, requested bool) image.Image {
	if !Needed(target, requested) || !HasAlpha(img) {
		return img
	}
	fill.A = 0xFF
	bounds := img.Bounds()
	background := imaging.New(bounds.Dx(), bounds.Dy(), fill)
	// 以源图自身的alpha作为蒙版
	return imaging.Overlay(background, img, image.Pt(0, 0), 1.0)
}

// Needed JPEG不能保存透明度，始终需要合成
func Needed(target imagefmt.Format, requested bool) bool {
	return requested || target == imagefmt.JPEG
}

// HasAlpha 图像模型带alpha通道，或调色板中有非不透明的颜色
func HasAlpha(img image.Image) bool {
	switch m := img.(type) {
	case *image.Paletted:
		for _, c := range m.Palette {
			if _, _, _, a := c.RGBA(); a != 0xFFFF {
				return true
			}
		}
		return false
	case *image.Gray, *image.Gray16, *image.YCbCr, *image.CMYK:
		return false
	}
	switch img.ColorModel() {
	case color.NRGBAModel, color.RGBAModel, color.NRGBA64Model, color.RGBA64Model,
		color.AlphaModel, color.Alpha16Model:
		return true
	}
	// 未知模型按是否完全不透明判断
	if o, ok := img.(interface{ Opaque() bool }); ok {
		return !o.Opaque()
	}
	return false
}

// ParseHexColor 解析#rrggbb、#rgb或#rrggbbaa
func ParseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	switch len(hex) {
	case 3:
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	case 6, 8:
	default:
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	if len(hex) == 6 {
		v = v<<8 | 0xFF
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}

// HexColor 格式化为#rrggbb
func HexColor(c color.NRGBA) string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}
