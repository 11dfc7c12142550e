package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"imgconv/core/imagefmt"
)

func testImage() image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 60), G: uint8(y * 80), B: 200, A: 255})
		}
	}
	return img
}

func encodePNG(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage()); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func TestPNGTextRoundTrip(t *testing.T) {
	params := "masterpiece\nNegative prompt: lowres\nSteps: 20, Sampler: Euler a"
	texts := []Text{
		{Key: "parameters", Value: params},
		{Key: "Description", Value: "日本語のプロンプト"},
		{Key: "Source", Value: "café"},
	}

	var chunks []Chunk
	for _, tx := range texts {
		c, err := EncodeTextChunk(tx)
		if err != nil {
			t.Fatalf("EncodeTextChunk(%s): %v", tx.Key, err)
		}
		chunks = append(chunks, c)
	}
	// 非Latin-1内容必须写成iTXt
	if chunks[0].Type != "tEXt" || chunks[1].Type != "iTXt" || chunks[2].Type != "tEXt" {
		t.Errorf("chunk types = %s %s %s", chunks[0].Type, chunks[1].Type, chunks[2].Type)
	}

	out, err := InsertPNGChunks(encodePNG(t), chunks)
	if err != nil {
		t.Fatalf("InsertPNGChunks: %v", err)
	}
	if _, err := png.Decode(bytes.NewReader(out)); err != nil {
		t.Fatalf("result is not a valid PNG: %v", err)
	}

	got, err := PNGText(out)
	if err != nil {
		t.Fatalf("PNGText: %v", err)
	}
	if len(got) != len(texts) {
		t.Fatalf("got %d text chunks, want %d", len(got), len(texts))
	}
	for i := range texts {
		if got[i] != texts[i] {
			t.Errorf("text[%d] = %+v, want %+v", i, got[i], texts[i])
		}
	}
}

func TestEncodeTextChunkRejectsBadKey(t *testing.T) {
	for _, key := range []string{"", string(bytes.Repeat([]byte("k"), 80)), "キー"} {
		if _, err := EncodeTextChunk(Text{Key: key, Value: "v"}); err == nil {
			t.Errorf("EncodeTextChunk(key=%q) succeeded", key)
		}
	}
}

func TestIsAnimatedPNG(t *testing.T) {
	base := encodePNG(t)
	if IsAnimatedPNG(base) {
		t.Fatal("static PNG reported as animated")
	}

	actl := func(frames uint32) Chunk {
		data := make([]byte, 8)
		binary.BigEndian.PutUint32(data, frames)
		return Chunk{Type: "acTL", Data: data}
	}
	single, _ := InsertPNGChunks(base, []Chunk{actl(1)})
	if IsAnimatedPNG(single) {
		t.Error("single-frame APNG reported as animated")
	}
	multi, _ := InsertPNGChunks(base, []Chunk{actl(3)})
	if !IsAnimatedPNG(multi) {
		t.Error("three-frame APNG not detected")
	}
	if !IsAnimated(multi, imagefmt.PNG) {
		t.Error("IsAnimated(png) did not dispatch")
	}
}

func TestJPEGExifRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, testImage(), &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("jpeg.Encode: %v", err)
	}
	if _, ok := JPEGExif(buf.Bytes()); ok {
		t.Fatal("fresh JPEG should carry no EXIF")
	}

	tiff := []byte("MM\x00*\x00\x00\x00\x08payload")
	out, err := EmbedJPEGExif(buf.Bytes(), tiff)
	if err != nil {
		t.Fatalf("EmbedJPEGExif: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(out)); err != nil {
		t.Fatalf("result is not a valid JPEG: %v", err)
	}
	got, ok, err := Exif(out, imagefmt.JPEG)
	if err != nil || !ok || !bytes.Equal(got, tiff) {
		t.Errorf("Exif(jpeg) = %q, %v, %v", got, ok, err)
	}

	huge := make([]byte, maxAPP1Payload)
	if _, err := EmbedJPEGExif(buf.Bytes(), huge); !errors.Is(err, ErrExifTooLarge) {
		t.Errorf("oversized EXIF err = %v, want ErrExifTooLarge", err)
	}
}

// lossless 构造只有VP8L头的最小WEBP
func lossless(width, height int, alpha bool) []byte {
	bits := uint32(width-1) | uint32(height-1)<<14
	if alpha {
		bits |= 1 << 28
	}
	vp8l := []byte{0x2F}
	vp8l = binary.LittleEndian.AppendUint32(vp8l, bits)
	vp8l = append(vp8l, 0, 0, 0)
	return writeRIFF([]riffChunk{{FourCC: "VP8L", Data: vp8l}})
}

func TestEmbedWebPExif(t *testing.T) {
	src := lossless(300, 200, true)
	if _, ok := WebPExif(src); ok {
		t.Fatal("fresh WEBP should carry no EXIF")
	}

	first, err := EmbedWebPExif(src, []byte("MM\x00*first"))
	if err != nil {
		t.Fatalf("EmbedWebPExif: %v", err)
	}
	out, err := EmbedWebPExif(first, []byte("MM\x00*second"))
	if err != nil {
		t.Fatalf("EmbedWebPExif again: %v", err)
	}

	chunks, err := readRIFF(out)
	if err != nil {
		t.Fatalf("readRIFF: %v", err)
	}
	var exifCount int
	for _, c := range chunks {
		if c.FourCC == "EXIF" {
			exifCount++
		}
	}
	if exifCount != 1 {
		t.Errorf("EXIF chunks = %d, want 1", exifCount)
	}
	if chunks[0].FourCC != "VP8X" {
		t.Fatalf("first chunk = %s, want VP8X", chunks[0].FourCC)
	}
	vp8x := chunks[0].Data
	if vp8x[0]&vp8xExif == 0 || vp8x[0]&vp8xAlpha == 0 {
		t.Errorf("VP8X flags = %#x", vp8x[0])
	}
	w := int(vp8x[4]) | int(vp8x[5])<<8 | int(vp8x[6])<<16
	h := int(vp8x[7]) | int(vp8x[8])<<8 | int(vp8x[9])<<16
	if w+1 != 300 || h+1 != 200 {
		t.Errorf("VP8X canvas = %dx%d", w+1, h+1)
	}
	if size := binary.LittleEndian.Uint32(out[4:8]); int(size) != len(out)-8 {
		t.Errorf("RIFF size = %d, file = %d", size, len(out))
	}

	got, ok := WebPExif(out)
	if !ok || string(got) != "MM\x00*second" {
		t.Errorf("WebPExif = %q, %v", got, ok)
	}
}

func TestIsAnimatedWebP(t *testing.T) {
	if IsAnimatedWebP(lossless(8, 8, false)) {
		t.Error("still WEBP reported as animated")
	}
	vp8x := make([]byte, 10)
	vp8x[0] = vp8xAnimation
	anim := writeRIFF([]riffChunk{{FourCC: "VP8X", Data: vp8x}, {FourCC: "ANIM", Data: make([]byte, 6)}})
	if !IsAnimated(anim, imagefmt.WEBP) {
		t.Error("animated WEBP not detected")
	}
}

func isoBox(typ string, parts ...[]byte) []byte {
	var body []byte
	for _, p := range parts {
		body = append(body, p...)
	}
	out := binary.BigEndian.AppendUint32(nil, uint32(8+len(body)))
	out = append(out, typ...)
	return append(out, body...)
}

// buildAVIF 构造带Exif条目的最小AVIF，construction=1时数据放在idat中
func buildAVIF(brand string, payload []byte, construction uint16) []byte {
	ftyp := isoBox("ftyp", []byte(brand), []byte{0, 0, 0, 0}, []byte("mif1"), []byte(brand))

	infe := isoBox("infe", []byte{2, 0, 0, 0}, []byte{0, 1}, []byte{0, 0}, []byte("Exif"), []byte{0})
	iinf := isoBox("iinf", []byte{0, 0, 0, 0}, []byte{0, 1}, infe)

	iloc := func(offset uint32) []byte {
		var b []byte
		b = append(b, 1, 0, 0, 0) // version 1
		b = append(b, 0x44, 0x00)
		b = binary.BigEndian.AppendUint16(b, 1) // item_count
		b = binary.BigEndian.AppendUint16(b, 1) // item_ID
		b = binary.BigEndian.AppendUint16(b, construction)
		b = binary.BigEndian.AppendUint16(b, 0) // data_reference_index
		b = binary.BigEndian.AppendUint16(b, 1) // extent_count
		b = binary.BigEndian.AppendUint32(b, offset)
		b = binary.BigEndian.AppendUint32(b, uint32(len(payload)))
		return isoBox("iloc", b)
	}

	if construction == 1 {
		meta := isoBox("meta", []byte{0, 0, 0, 0}, iinf, iloc(0), isoBox("idat", payload))
		return append(ftyp, meta...)
	}
	meta := isoBox("meta", []byte{0, 0, 0, 0}, iinf, iloc(0))
	offset := uint32(len(ftyp) + len(meta) + 8)
	meta = isoBox("meta", []byte{0, 0, 0, 0}, iinf, iloc(offset))
	out := append(ftyp, meta...)
	return append(out, isoBox("mdat", payload)...)
}

func TestAVIFExif(t *testing.T) {
	tiff := []byte("MM\x00*\x00\x00\x00\x08avif-comment")

	withOffset := binary.BigEndian.AppendUint32(nil, uint32(len(ExifHeader)))
	withOffset = append(withOffset, ExifHeader...)
	withOffset = append(withOffset, tiff...)

	bare := binary.BigEndian.AppendUint32(nil, 0)
	bare = append(bare, ExifHeader...)
	bare = append(bare, tiff...)

	cases := []struct {
		name string
		data []byte
	}{
		{"idat with tiff offset", buildAVIF("avif", withOffset, 1)},
		{"file offset", buildAVIF("avif", withOffset, 0)},
		{"zero offset with Exif header", buildAVIF("avif", bare, 0)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok, err := Exif(tc.data, imagefmt.AVIF)
			if err != nil || !ok {
				t.Fatalf("Exif(avif) = %v, %v", ok, err)
			}
			if !bytes.Equal(got, tiff) {
				t.Errorf("tiff = %q, want %q", got, tiff)
			}
		})
	}

	plain := append(isoBox("ftyp", []byte("avif"), []byte{0, 0, 0, 0}, []byte("avif")), isoBox("mdat", []byte{1, 2, 3})...)
	if _, ok, err := AVIFExif(plain); ok || err != nil {
		t.Errorf("AVIF without meta = %v, %v", ok, err)
	}
}

func TestIsAnimatedAVIF(t *testing.T) {
	if IsAnimatedAVIF(buildAVIF("avif", []byte{0, 0, 0, 0}, 1)) {
		t.Error("still AVIF reported as animated")
	}
	if !IsAnimated(buildAVIF("avis", []byte{0, 0, 0, 0}, 1), imagefmt.AVIF) {
		t.Error("avis sequence not detected")
	}
}
