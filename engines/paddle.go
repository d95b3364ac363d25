package engines

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// PaddleClient calls the PaddleOCR service over HTTP.
type PaddleClient struct {
	endpoint string
	tr       *transport
}

// NewPaddleClient builds a client for the PaddleOCR service at |baseURL|.
func NewPaddleClient(baseURL string, timeout time.Duration) *PaddleClient {
	return &PaddleClient{
		endpoint: baseURL + "/api/v1/recognize",
		tr:       newTransport(timeout),
	}
}

// Recognize runs PaddleOCR over |image|.
func (c *PaddleClient) Recognize(ctx context.Context, image []byte) (OCRResult, error) {
	// The PaddleOCR service reads its upload from the "file" form field,
	// unlike the other engines.
	body, err := c.tr.postImage(ctx, c.endpoint, "file", image, nil)
	if err != nil {
		return OCRResult{}, fmt.Errorf("paddleocr: %w", err)
	}

	var result OCRResult
	if err = json.Unmarshal(body, &result); err != nil {
		return OCRResult{}, fmt.Errorf("paddleocr: decoding response: %w", err)
	}
	return result, nil
}
