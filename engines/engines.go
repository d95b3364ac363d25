// Package engines holds the HTTP clients for the three recognition
// backends: the aligner, Tesseract, and PaddleOCR. All clients share one
// transport policy (per-request timeout, bounded retries with backoff) and
// are stateless, safe to share across workers.
package engines

import "context"

// OCRResult is the uniform response of a text recognition backend.
type OCRResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// AlignResult carries the two outputs of the aligner: the
// geometry-corrected receipt, and a binarized variant tuned for OCR.
type AlignResult struct {
	Warped       []byte
	Preprocessed []byte
}

// AlignMode selects the aligner's rectification strategy.
type AlignMode string

const (
	AlignModeClassic AlignMode = "classic"
	AlignModeNeural  AlignMode = "neural"
)

// AlignOptions tune a single alignment request.
type AlignOptions struct {
	Mode         AlignMode
	Aggressive   bool
	ApplyOCRPrep bool
	// SimplifyPercent is the polygon simplification as a percentage of the
	// contour perimeter. Zero means the service default.
	SimplifyPercent float64
}

// TextRecognizer recognizes text within an image buffer.
type TextRecognizer interface {
	Recognize(ctx context.Context, image []byte) (OCRResult, error)
}

// ImageAligner rectifies a receipt photograph and produces an
// OCR-preprocessed variant.
type ImageAligner interface {
	Align(ctx context.Context, image []byte, opts AlignOptions) (AlignResult, error)
}
