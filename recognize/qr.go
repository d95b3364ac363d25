package recognize

import (
	"bytes"
	"image"
	"math"
	"strings"

	"github.com/makiuchi-d/gozxing"
	multiqr "github.com/makiuchi-d/gozxing/multi/qrcode"

	"github.com/receiptflow/gateway/store"
)

// QRCode is one decoded code within an image buffer.
type QRCode struct {
	Data     string
	Format   store.QRFormat
	Location store.QRLocation
}

// QRDecoder extracts QR codes from an encoded image.
type QRDecoder interface {
	Decode(image []byte) ([]QRCode, error)
}

// ZXingDecoder decodes QR codes with the gozxing multi-reader.
type ZXingDecoder struct{}

// Decode returns every QR code found in |data|, or an empty slice when the
// buffer holds none (a NotFound outcome is not an error).
func (ZXingDecoder) Decode(data []byte) ([]QRCode, error) {
	var img, _, err = image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	bmp, err := gozxing.NewBinaryBitmapFromImage(img)
	if err != nil {
		return nil, err
	}

	var hints = map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
	}
	results, err := multiqr.NewQRCodeMultiReader().DecodeMultiple(bmp, hints)
	if err != nil {
		if _, notFound := err.(gozxing.NotFoundException); notFound {
			return nil, nil
		}
		return nil, err
	}

	var codes []QRCode
	for _, result := range results {
		codes = append(codes, QRCode{
			Data:     result.GetText(),
			Format:   ClassifyQR(result.GetText()),
			Location: boundingBox(result.GetResultPoints()),
		})
	}
	return codes, nil
}

// ClassifyQR maps a decoded payload to its format. Fiscal receipt payloads
// carry the tax-authority keys (fn, or t+s+fp together) and win over the
// URL check.
func ClassifyQR(data string) store.QRFormat {
	if strings.Contains(data, "fn=") ||
		(strings.Contains(data, "t=") && strings.Contains(data, "s=") && strings.Contains(data, "fp=")) {
		return store.QRFormatFiscal
	}
	if strings.HasPrefix(data, "http://") || strings.HasPrefix(data, "https://") {
		return store.QRFormatURL
	}
	return store.QRFormatUnknown
}

// SelectQR picks the code to report from one buffer's worth of decodes:
// the first fiscal code if any, otherwise the first code.
func SelectQR(codes []QRCode) *QRCode {
	if len(codes) == 0 {
		return nil
	}
	for i := range codes {
		if codes[i].Format == store.QRFormatFiscal {
			return &codes[i]
		}
	}
	return &codes[0]
}

func boundingBox(points []gozxing.ResultPoint) store.QRLocation {
	if len(points) == 0 {
		return store.QRLocation{}
	}
	var minX, minY = math.Inf(1), math.Inf(1)
	var maxX, maxY = math.Inf(-1), math.Inf(-1)
	for _, p := range points {
		minX = math.Min(minX, p.GetX())
		minY = math.Min(minY, p.GetY())
		maxX = math.Max(maxX, p.GetX())
		maxY = math.Max(maxY, p.GetY())
	}
	return store.QRLocation{
		X:      int(minX),
		Y:      int(minY),
		Width:  int(maxX - minX),
		Height: int(maxY - minY),
	}
}
