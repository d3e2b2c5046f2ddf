package qr

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"image"
	"image/color"
	"image/png"
	"log/slog"
	"testing"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
)

func encodePNG(t *testing.T, img image.Image) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encoding png: %v", err)
	}
	return buf.Bytes()
}

func qrPNG(t *testing.T, text string) []byte {
	t.Helper()
	matrix, err := qrcode.NewQRCodeWriter().Encode(text, gozxing.BarcodeFormat_QR_CODE, 256, 256, nil)
	if err != nil {
		t.Fatalf("encoding qr: %v", err)
	}
	return encodePNG(t, matrix)
}

func blankPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 64, 64))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.Black)
	return encodePNG(t, img)
}

// oversizedPNG rewrites the IHDR of a small PNG so its header claims
// width x height pixels.
func oversizedPNG(t *testing.T, width, height uint32) []byte {
	t.Helper()
	data := blankPNG(t)
	// signature(8) length(4) "IHDR"(4) width(4) height(4) ... crc at 29
	binary.BigEndian.PutUint32(data[16:20], width)
	binary.BigEndian.PutUint32(data[20:24], height)
	binary.BigEndian.PutUint32(data[29:33], crc32.ChecksumIEEE(data[12:29]))
	return data
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name   string
		data   func(t *testing.T) []byte
		want   string
		wantOK bool
	}{
		{
			name:   "qr code",
			data:   func(t *testing.T) []byte { return qrPNG(t, "ticket:8f2c-11") },
			want:   "ticket:8f2c-11",
			wantOK: true,
		},
		{
			name: "blank image",
			data: blankPNG,
		},
		{
			name: "not an image",
			data: func(*testing.T) []byte { return []byte("definitely not a png") },
		},
		{
			name: "empty",
			data: func(*testing.T) []byte { return nil },
		},
		{
			name: "oversized header",
			data: func(t *testing.T) []byte { return oversizedPNG(t, 100000, 100000) },
		},
	}

	e := NewExtractor(slog.Default())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := e.Extract(tt.data(t))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("payload = %q, want %q", got, tt.want)
			}
		})
	}
}

type stubDecoder struct {
	name  string
	text  string
	err   error
	panic bool
	calls *int
}

func (s stubDecoder) Name() string { return s.name }

func (s stubDecoder) Decode(image.Image) (string, error) {
	if s.calls != nil {
		*s.calls++
	}
	if s.panic {
		panic("boom")
	}
	return s.text, s.err
}

func TestExtractFallsThrough(t *testing.T) {
	data := blankPNG(t)
	var lastCalls int

	e := NewExtractorWith(slog.Default(),
		stubDecoder{name: "primary", err: errors.New("not found")},
		stubDecoder{name: "panics", panic: true},
		stubDecoder{name: "blank", text: "   "},
		stubDecoder{name: "secondary", text: "payload-2"},
		stubDecoder{name: "unused", text: "payload-3", calls: &lastCalls},
	)

	got, ok := e.Extract(data)
	if !ok || got != "payload-2" {
		t.Fatalf("Extract = %q, %v; want payload-2, true", got, ok)
	}
	if lastCalls != 0 {
		t.Errorf("decoder after a hit ran %d times", lastCalls)
	}
}

func TestExtractAllDecodersMiss(t *testing.T) {
	e := NewExtractorWith(slog.Default(),
		stubDecoder{name: "a", err: errNoCode},
		stubDecoder{name: "b", panic: true},
	)
	if got, ok := e.Extract(blankPNG(t)); ok {
		t.Errorf("Extract = %q, want miss", got)
	}
}

func TestExtractRejectsLargeImages(t *testing.T) {
	var calls int
	e := NewExtractorWith(slog.Default(), stubDecoder{name: "counting", text: "payload", calls: &calls})
	e.maxPixels = 128 * 128

	if got, ok := e.Extract(qrPNG(t, "ticket:1")); ok {
		t.Errorf("Extract = %q, want rejection above the pixel cap", got)
	}
	if calls != 0 {
		t.Errorf("decoder ran %d times on a rejected image", calls)
	}

	if got, ok := e.Extract(blankPNG(t)); !ok || got != "payload" {
		t.Errorf("Extract = %q, %v; want images under the cap decoded", got, ok)
	}
}
