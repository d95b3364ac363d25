package engines

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// AlignerClient calls the aligner service over HTTP.
type AlignerClient struct {
	endpoint string
	tr       *transport
}

// NewAlignerClient builds a client for the aligner at |baseURL|.
func NewAlignerClient(baseURL string, timeout time.Duration) *AlignerClient {
	return &AlignerClient{
		endpoint: baseURL + "/api/v1/align",
		tr:       newTransport(timeout),
	}
}

// Align rectifies |image| and returns the warped and preprocessed buffers.
func (c *AlignerClient) Align(ctx context.Context, image []byte, opts AlignOptions) (AlignResult, error) {
	var mode = opts.Mode
	if mode == "" {
		mode = AlignModeClassic
	}

	var query = url.Values{}
	query.Set("mode", string(mode))
	query.Set("aggressive", strconv.FormatBool(opts.Aggressive))
	query.Set("apply_ocr_prep", strconv.FormatBool(opts.ApplyOCRPrep))
	if opts.SimplifyPercent != 0 {
		query.Set("simplify_percent", strconv.FormatFloat(opts.SimplifyPercent, 'f', -1, 64))
	}

	body, err := c.tr.postImage(ctx, c.endpoint, "image", image, query)
	if err != nil {
		return AlignResult{}, fmt.Errorf("aligner: %w", err)
	}

	var response struct {
		Warped       string `json:"warped"`
		Preprocessed string `json:"preprocessed"`
	}
	if err = json.Unmarshal(body, &response); err != nil {
		return AlignResult{}, fmt.Errorf("aligner: decoding response: %w", err)
	}

	warped, err := base64.StdEncoding.DecodeString(response.Warped)
	if err != nil {
		return AlignResult{}, fmt.Errorf("aligner: decoding warped payload: %w", err)
	}
	preprocessed, err := base64.StdEncoding.DecodeString(response.Preprocessed)
	if err != nil {
		return AlignResult{}, fmt.Errorf("aligner: decoding preprocessed payload: %w", err)
	}
	return AlignResult{Warped: warped, Preprocessed: preprocessed}, nil
}
