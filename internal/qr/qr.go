// Package qr turns an uploaded image into the text of the QR code it
// contains.
//
// Decoding runs a chain of strategies: the ZXing port first, then ZXing
// again in try-harder mode, then goqr. The first non-empty payload wins.
// When an image holds several codes only one is returned and which one is
// decided by the decoder.
package qr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"

	"github.com/liyue201/goqr"
	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/qrcode"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var errNoCode = errors.New("no qr code found")

// MaxPixels caps the decoded size of an image. Uploads are untrusted and a
// small file can declare dimensions that would need gigabytes to decode.
const MaxPixels = 40 << 20

// Decoder is one decoding strategy.
type Decoder interface {
	Name() string
	Decode(img image.Image) (string, error)
}

// Extractor runs decoders in order until one finds a payload.
type Extractor struct {
	decoders  []Decoder
	logger    *slog.Logger
	maxPixels int
}

// NewExtractor returns an extractor using the default decoder chain.
func NewExtractor(logger *slog.Logger) *Extractor {
	return NewExtractorWith(logger,
		zxingDecoder{},
		zxingDecoder{tryHarder: true},
		goqrDecoder{},
	)
}

// NewExtractorWith returns an extractor using the given decoders in order.
func NewExtractorWith(logger *slog.Logger, decoders ...Decoder) *Extractor {
	return &Extractor{decoders: decoders, logger: logger, maxPixels: MaxPixels}
}

// Extract returns the first QR payload found in data. It reports false
// when the image cannot be decoded or holds no readable code; it never
// returns an error.
func (e *Extractor) Extract(data []byte) (string, bool) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		e.logger.Debug("image header unreadable", "error", err, "bytes", len(data))
		return "", false
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > e.maxPixels {
		e.logger.Debug("image dimensions rejected", "width", cfg.Width, "height", cfg.Height)
		return "", false
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		e.logger.Debug("image decode failed", "error", err, "bytes", len(data))
		return "", false
	}

	for _, d := range e.decoders {
		text, err := e.run(d, img)
		if err != nil {
			e.logger.Debug("qr decoder found nothing", "decoder", d.Name(), "format", format, "error", err)
			continue
		}
		return text, true
	}
	return "", false
}

// run isolates a decoder so a panic inside third-party code counts as a
// miss.
func (e *Extractor) run(d Decoder, img image.Image) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic: %v", r)
		}
	}()

	text, err = d.Decode(img)
	if err != nil {
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errNoCode
	}
	return text, nil
}

type zxingDecoder struct {
	tryHarder bool
}

func (z zxingDecoder) Name() string {
	if z.tryHarder {
		return "zxing-try-harder"
	}
	return "zxing"
}

func (z zxingDecoder) Decode(img image.Image) (string, error) {
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return "", err
	}

	var hints map[gozxing.DecodeHintType]interface{}
	if z.tryHarder {
		hints = map[gozxing.DecodeHintType]interface{}{
			gozxing.DecodeHintType_TRY_HARDER: true,
		}
	}

	result, err := qrcode.NewQRCodeReader().Decode(bmp, hints)
	if err != nil {
		return "", err
	}
	return result.GetText(), nil
}

type goqrDecoder struct{}

func (goqrDecoder) Name() string { return "goqr" }

func (goqrDecoder) Decode(img image.Image) (string, error) {
	codes, err := goqr.Recognize(img)
	if err != nil {
		return "", err
	}
	for _, c := range codes {
		if len(c.Payload) > 0 {
			return string(c.Payload), nil
		}
	}
	return "", errNoCode
}
