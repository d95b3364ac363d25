package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

// DefaultTesseractLang is the multilingual default used when no language
// is configured.
const DefaultTesseractLang = "rus+eng"

// TesseractClient calls the Tesseract OCR service over HTTP.
type TesseractClient struct {
	endpoint string
	lang     string
	tr       *transport
}

// NewTesseractClient builds a client for the Tesseract service at
// |baseURL|. An empty |lang| selects DefaultTesseractLang.
func NewTesseractClient(baseURL, lang string, timeout time.Duration) *TesseractClient {
	if lang == "" {
		lang = DefaultTesseractLang
	}
	return &TesseractClient{
		endpoint: baseURL + "/api/v1/recognize",
		lang:     lang,
		tr:       newTransport(timeout),
	}
}

// Recognize runs Tesseract OCR over |image|.
func (c *TesseractClient) Recognize(ctx context.Context, image []byte) (OCRResult, error) {
	var query = url.Values{}
	query.Set("lang", c.lang)

	body, err := c.tr.postImage(ctx, c.endpoint, "image", image, query)
	if err != nil {
		return OCRResult{}, fmt.Errorf("tesseract: %w", err)
	}

	var result OCRResult
	if err = json.Unmarshal(body, &result); err != nil {
		return OCRResult{}, fmt.Errorf("tesseract: decoding response: %w", err)
	}
	return result, nil
}
