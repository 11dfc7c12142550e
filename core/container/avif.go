package container

import (
	"encoding/binary"
	"fmt"
)

type box struct {
	Type string
	Data []byte
	// Offset 数据部分在文件中的偏移
	Offset int
}

// readBoxes 解析ISOBMFF盒序列，base为data在文件中的偏移
func readBoxes(data []byte, base int) ([]box, error) {
	var boxes []box
	pos := 0
	for pos+8 <= len(data) {
		size := int(binary.BigEndian.Uint32(data[pos:]))
		typ := string(data[pos+4 : pos+8])
		header := 8
		switch size {
		case 0:
			size = len(data) - pos
		case 1:
			if pos+16 > len(data) {
				return boxes, fmt.Errorf("%w: truncated largesize box", ErrMalformed)
			}
			large := binary.BigEndian.Uint64(data[pos+8:])
			if large > uint64(len(data)-pos) {
				return boxes, fmt.Errorf("%w: box %q overflows file", ErrMalformed, typ)
			}
			size = int(large)
			header = 16
		}
		if size < header || pos+size > len(data) {
			return boxes, fmt.Errorf("%w: box %q overflows file", ErrMalformed, typ)
		}
		boxes = append(boxes, box{Type: typ, Data: data[pos+header : pos+size], Offset: base + pos + header})
		pos += size
	}
	return boxes, nil
}

func findBox(boxes []box, typ string) (box, bool) {
	for _, b := range boxes {
		if b.Type == typ {
			return b, true
		}
	}
	return box{}, false
}

// byteReader 按大端读取变长整数
type byteReader struct {
	data []byte
	pos  int
	err  error
}

func (r *byteReader) uint(n int) uint64 {
	if r.err != nil {
		return 0
	}
	if n == 0 {
		return 0
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("%w: truncated box field", ErrMalformed)
		return 0
	}
	var v uint64
	for _, b := range r.data[r.pos : r.pos+n] {
		v = v<<8 | uint64(b)
	}
	r.pos += n
	return v
}

func (r *byteReader) fourCC() string {
	if r.err != nil || r.pos+4 > len(r.data) {
		r.err = fmt.Errorf("%w: truncated box field", ErrMalformed)
		return ""
	}
	s := string(r.data[r.pos : r.pos+4])
	r.pos += 4
	return s
}

type extent struct {
	offset, length uint64
}

type location struct {
	construction uint64
	baseOffset   uint64
	extents      []extent
}

// AVIFExif 读取AVIF中Exif条目的TIFF数据
func AVIFExif(data []byte) ([]byte, bool, error) {
	top, err := readBoxes(data, 0)
	if err != nil && len(top) == 0 {
		return nil, false, err
	}
	meta, ok := findBox(top, "meta")
	if !ok || len(meta.Data) < 4 {
		return nil, false, nil
	}
	// meta是FullBox
	children, err := readBoxes(meta.Data[4:], meta.Offset+4)
	if err != nil && len(children) == 0 {
		return nil, false, err
	}

	iinf, ok := findBox(children, "iinf")
	if !ok {
		return nil, false, nil
	}
	itemID, ok, err := findExifItem(iinf)
	if err != nil || !ok {
		return nil, false, err
	}

	iloc, ok := findBox(children, "iloc")
	if !ok {
		return nil, false, fmt.Errorf("%w: missing iloc", ErrMalformed)
	}
	locations, err := parseIloc(iloc.Data)
	if err != nil {
		return nil, false, err
	}
	loc, ok := locations[itemID]
	if !ok {
		return nil, false, fmt.Errorf("%w: Exif item %d has no location", ErrMalformed, itemID)
	}

	var source []byte
	switch loc.construction {
	case 0:
		source = data
	case 1:
		idat, ok := findBox(children, "idat")
		if !ok {
			return nil, false, fmt.Errorf("%w: missing idat", ErrMalformed)
		}
		source = idat.Data
	default:
		return nil, false, fmt.Errorf("%w: unsupported iloc construction method %d", ErrMalformed, loc.construction)
	}

	var payload []byte
	for _, ext := range loc.extents {
		start := loc.baseOffset + ext.offset
		length := ext.length
		if length == 0 {
			length = uint64(len(source)) - start
		}
		if start > uint64(len(source)) || start+length > uint64(len(source)) {
			return nil, false, fmt.Errorf("%w: Exif extent out of range", ErrMalformed)
		}
		payload = append(payload, source[start:start+length]...)
	}

	// Exif条目以4字节的TIFF头偏移开始
	if len(payload) < 4 {
		return nil, false, fmt.Errorf("%w: short Exif item", ErrMalformed)
	}
	skip := uint64(binary.BigEndian.Uint32(payload)) + 4
	if skip > uint64(len(payload)) {
		return nil, false, fmt.Errorf("%w: bad Exif TIFF offset", ErrMalformed)
	}
	tiff := payload[skip:]
	if len(tiff) >= len(ExifHeader) && string(tiff[:len(ExifHeader)]) == string(ExifHeader) {
		tiff = tiff[len(ExifHeader):]
	}
	return tiff, true, nil
}

func findExifItem(iinf box) (uint64, bool, error) {
	r := &byteReader{data: iinf.Data}
	version := r.uint(1)
	r.uint(3)
	if version == 0 {
		r.uint(2)
	} else {
		r.uint(4)
	}
	if r.err != nil {
		return 0, false, r.err
	}
	entries, err := readBoxes(iinf.Data[r.pos:], iinf.Offset+r.pos)
	if err != nil && len(entries) == 0 {
		return 0, false, err
	}
	for _, e := range entries {
		if e.Type != "infe" {
			continue
		}
		er := &byteReader{data: e.Data}
		v := er.uint(1)
		er.uint(3)
		if v < 2 {
			// 旧版infe没有item_type
			continue
		}
		var id uint64
		if v == 2 {
			id = er.uint(2)
		} else {
			id = er.uint(4)
		}
		er.uint(2) // item_protection_index
		itemType := er.fourCC()
		if er.err != nil {
			return 0, false, er.err
		}
		if itemType == "Exif" {
			return id, true, nil
		}
	}
	return 0, false, nil
}

func parseIloc(data []byte) (map[uint64]location, error) {
	r := &byteReader{data: data}
	version := r.uint(1)
	r.uint(3)
	sizes := r.uint(1)
	offsetSize, lengthSize := int(sizes>>4), int(sizes&0x0F)
	sizes = r.uint(1)
	baseOffsetSize := int(sizes >> 4)
	indexSize := 0
	if version == 1 || version == 2 {
		indexSize = int(sizes & 0x0F)
	}

	var count uint64
	if version < 2 {
		count = r.uint(2)
	} else {
		count = r.uint(4)
	}

	locations := make(map[uint64]location, count)
	for i := uint64(0); i < count && r.err == nil; i++ {
		var id uint64
		if version < 2 {
			id = r.uint(2)
		} else {
			id = r.uint(4)
		}
		var loc location
		if version == 1 || version == 2 {
			loc.construction = r.uint(2) & 0x0F
		}
		r.uint(2) // data_reference_index
		loc.baseOffset = r.uint(baseOffsetSize)
		extentCount := r.uint(2)
		for j := uint64(0); j < extentCount && r.err == nil; j++ {
			r.uint(indexSize)
			loc.extents = append(loc.extents, extent{
				offset: r.uint(offsetSize),
				length: r.uint(lengthSize),
			})
		}
		locations[id] = loc
	}
	if r.err != nil {
		return nil, r.err
	}
	return locations, nil
}
