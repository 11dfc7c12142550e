package container

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// VP8X标志位
const (
	vp8xAnimation = 0x02
	vp8xExif      = 0x08
	vp8xAlpha     = 0x10
)

type riffChunk struct {
	FourCC string
	Data   []byte
}

func readRIFF(data []byte) ([]riffChunk, error) {
	if len(data) < 12 || string(data[:4]) != "RIFF" || string(data[8:12]) != "WEBP" {
		return nil, fmt.Errorf("%w: not a RIFF/WEBP file", ErrMalformed)
	}
	end := 8 + int(binary.LittleEndian.Uint32(data[4:8]))
	if end > len(data) {
		end = len(data)
	}
	var chunks []riffChunk
	pos := 12
	for pos+8 <= end {
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > end {
			return chunks, fmt.Errorf("%w: truncated %q chunk", ErrMalformed, data[pos:pos+4])
		}
		chunks = append(chunks, riffChunk{FourCC: string(data[pos : pos+4]), Data: data[body : body+size]})
		pos = body + size + size&1
	}
	return chunks, nil
}

func writeRIFF(chunks []riffChunk) []byte {
	var body bytes.Buffer
	body.WriteString("WEBP")
	for _, c := range chunks {
		body.WriteString(c.FourCC)
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], uint32(len(c.Data)))
		body.Write(size[:])
		body.Write(c.Data)
		if len(c.Data)&1 == 1 {
			body.WriteByte(0)
		}
	}
	out := make([]byte, 0, body.Len()+8)
	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(body.Len()))
	return append(out, body.Bytes()...)
}

// WebPExif 返回EXIF块中的TIFF数据
func WebPExif(data []byte) ([]byte, bool) {
	chunks, _ := readRIFF(data)
	for _, c := range chunks {
		if c.FourCC == "EXIF" {
			return bytes.TrimPrefix(c.Data, ExifHeader), true
		}
	}
	return nil, false
}

// IsAnimatedWebP 检查VP8X动画标志或ANIM/ANMF块
func IsAnimatedWebP(data []byte) bool {
	chunks, _ := readRIFF(data)
	for _, c := range chunks {
		switch c.FourCC {
		case "VP8X":
			if len(c.Data) > 0 && c.Data[0]&vp8xAnimation != 0 {
				return true
			}
		case "ANIM", "ANMF":
			return true
		}
	}
	return false
}

// EmbedWebPExif 转为扩展格式（VP8X）并追加EXIF块
func EmbedWebPExif(data, tiff []byte) ([]byte, error) {
	chunks, err := readRIFF(data)
	if err != nil {
		return nil, err
	}
	if len(tiff) == 0 {
		return data, nil
	}

	kept := make([]riffChunk, 0, len(chunks)+2)
	for _, c := range chunks {
		if c.FourCC != "EXIF" {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("%w: no image chunk", ErrMalformed)
	}

	if kept[0].FourCC != "VP8X" {
		header, err := vp8xFor(kept)
		if err != nil {
			return nil, err
		}
		kept = append([]riffChunk{header}, kept...)
	}

	vp8x := append([]byte(nil), kept[0].Data...)
	if len(vp8x) < 10 {
		return nil, fmt.Errorf("%w: short VP8X chunk", ErrMalformed)
	}
	vp8x[0] |= vp8xExif
	kept[0].Data = vp8x

	kept = append(kept, riffChunk{FourCC: "EXIF", Data: tiff})
	return writeRIFF(kept), nil
}

// vp8xFor 根据简单格式的图像块生成VP8X头
func vp8xFor(chunks []riffChunk) (riffChunk, error) {
	var (
		width, height int
		flags         byte
		found         bool
	)
	for _, c := range chunks {
		switch c.FourCC {
		case "ALPH":
			flags |= vp8xAlpha
		case "VP8 ":
			// 3字节帧标记 + 3字节起始码 + 宽高各14位
			if len(c.Data) < 10 {
				return riffChunk{}, fmt.Errorf("%w: short VP8 chunk", ErrMalformed)
			}
			width = int(binary.LittleEndian.Uint16(c.Data[6:8]) & 0x3FFF)
			height = int(binary.LittleEndian.Uint16(c.Data[8:10]) & 0x3FFF)
			found = true
		case "VP8L":
			if len(c.Data) < 5 || c.Data[0] != 0x2F {
				return riffChunk{}, fmt.Errorf("%w: bad VP8L chunk", ErrMalformed)
			}
			bits := binary.LittleEndian.Uint32(c.Data[1:5])
			width = int(bits&0x3FFF) + 1
			height = int((bits>>14)&0x3FFF) + 1
			if bits&(1<<28) != 0 {
				flags |= vp8xAlpha
			}
			found = true
		}
	}
	if !found || width == 0 || height == 0 {
		return riffChunk{}, fmt.Errorf("%w: no VP8/VP8L chunk", ErrMalformed)
	}

	data := make([]byte, 10)
	data[0] = flags
	putUint24(data[4:7], uint32(width-1))
	putUint24(data[7:10], uint32(height-1))
	return riffChunk{FourCC: "VP8X", Data: data}, nil
}

func putUint24(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
}
