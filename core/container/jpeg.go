package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ExifHeader APP1/EXIF块前缀
var ExifHeader = []byte("Exif\x00\x00")

// ErrExifTooLarge JPEG的APP1段最多容纳65533字节
var ErrExifTooLarge = errors.New("EXIF data is too long for a JPEG APP1 segment")

const maxAPP1Payload = 0xFFFF - 2

// JPEGExif 返回APP1中的TIFF数据（去掉Exif前缀）
func JPEGExif(data []byte) ([]byte, bool) {
	if len(data) < 4 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, false
	}
	pos := 2
	for pos+4 <= len(data) {
		if data[pos] != 0xFF {
			return nil, false
		}
		marker := data[pos+1]
		switch {
		case marker == 0xFF:
			// 填充字节
			pos++
			continue
		case marker == 0xD8 || marker == 0x01 || (marker >= 0xD0 && marker <= 0xD7):
			pos += 2
			continue
		case marker == 0xDA || marker == 0xD9:
			// 扫描数据开始后不再有元数据段
			return nil, false
		}
		length := int(binary.BigEndian.Uint16(data[pos+2:]))
		if length < 2 || pos+2+length > len(data) {
			return nil, false
		}
		payload := data[pos+4 : pos+2+length]
		if marker == 0xE1 && bytes.HasPrefix(payload, ExifHeader) {
			return payload[len(ExifHeader):], true
		}
		pos += 2 + length
	}
	return nil, false
}

// EmbedJPEGExif 在SOI之后插入APP1/EXIF段
func EmbedJPEGExif(data, tiff []byte) ([]byte, error) {
	if len(data) < 2 || data[0] != 0xFF || data[1] != 0xD8 {
		return nil, fmt.Errorf("%w: missing JPEG SOI", ErrMalformed)
	}
	if len(tiff) == 0 {
		return data, nil
	}
	payload := len(ExifHeader) + len(tiff)
	if payload > maxAPP1Payload {
		return nil, fmt.Errorf("%w (%d bytes)", ErrExifTooLarge, payload)
	}

	out := make([]byte, 0, len(data)+payload+4)
	out = append(out, 0xFF, 0xD8, 0xFF, 0xE1)
	out = binary.BigEndian.AppendUint16(out, uint16(payload+2))
	out = append(out, ExifHeader...)
	out = append(out, tiff...)
	out = append(out, data[2:]...)
	return out, nil
}
