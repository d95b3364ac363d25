package recognize

import (
	"bytes"
	"fmt"
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// binarizeThreshold splits normalized luma into black and white.
const binarizeThreshold = 128

// PreprocessLocal is the in-process stand-in for the aligner's OCR
// preparation, used when the aligner is unavailable: grayscale, linear
// contrast stretch, binarize, and re-encode as JPEG.
func PreprocessLocal(data []byte) ([]byte, error) {
	var src, err = imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}

	var gray = toGray(imaging.Grayscale(src))
	normalize(gray)
	binarize(gray, binarizeThreshold)

	var out bytes.Buffer
	if err = imaging.Encode(&out, gray, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("encoding preprocessed image: %w", err)
	}
	return out.Bytes(), nil
}

func toGray(src image.Image) *image.Gray {
	var bounds = src.Bounds()
	var dst = image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			dst.Set(x, y, color.GrayModel.Convert(src.At(x, y)))
		}
	}
	return dst
}

// normalize stretches the pixel range to span 0..255. A flat image is left
// untouched.
func normalize(img *image.Gray) {
	var min, max uint8 = 255, 0
	for _, p := range img.Pix {
		if p < min {
			min = p
		}
		if p > max {
			max = p
		}
	}
	if min >= max {
		return
	}
	var span = int(max) - int(min)
	for i, p := range img.Pix {
		img.Pix[i] = uint8((int(p) - int(min)) * 255 / span)
	}
}

func binarize(img *image.Gray, threshold uint8) {
	for i, p := range img.Pix {
		if p < threshold {
			img.Pix[i] = 0
		} else {
			img.Pix[i] = 255
		}
	}
}
