package engines

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// maxAttempts bounds retries of a single engine call. Each attempt is a
// fresh upload of the image buffer.
const maxAttempts = 3

// StatusError is a non-2xx engine response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine returned status %d: %s", e.Status, e.Body)
}

// Retryable reports whether the response status may succeed on retry.
func (e *StatusError) Retryable() bool {
	switch e.Status {
	case http.StatusRequestTimeout,
		http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// transport posts multipart image uploads with bounded retries.
type transport struct {
	client *http.Client
}

func newTransport(timeout time.Duration) *transport {
	return &transport{client: &http.Client{Timeout: timeout}}
}

// postImage uploads |image| as multipart field |field| to |endpoint| with
// |query| parameters, retrying retryable failures up to maxAttempts.
func (t *transport) postImage(ctx context.Context, endpoint, field string, image []byte, query url.Values) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt != maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
			// Fallthrough.
		}

		var body, err = t.doPost(ctx, endpoint, field, image, query)
		if err == nil {
			return body, nil
		}
		lastErr = err

		if statusErr, ok := err.(*StatusError); ok && !statusErr.Retryable() {
			return nil, err
		} else if ctx.Err() != nil {
			return nil, err
		}

		log.WithFields(log.Fields{
			"err":      err,
			"attempt":  attempt,
			"endpoint": endpoint,
		}).Warn("engine call failed (will retry)")
	}
	return nil, fmt.Errorf("engine call failed after %d attempts: %w", maxAttempts, lastErr)
}

func (t *transport) doPost(ctx context.Context, endpoint, field string, image []byte, query url.Values) ([]byte, error) {
	var buf bytes.Buffer
	var mw = multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile(field, "image.jpg")
	if err != nil {
		return nil, err
	}
	if _, err = part.Write(image); err != nil {
		return nil, err
	}
	if err = mw.Close(); err != nil {
		return nil, err
	}

	var target = endpoint
	if len(query) != 0 {
		target += "?" + query.Encode()
	}

	request, err := http.NewRequestWithContext(ctx, "POST", target, &buf)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", endpoint, err)
	}
	request.Header.Set("Content-Type", mw.FormDataContentType())

	response, err := t.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response of %s: %w", endpoint, err)
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &StatusError{Status: response.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	return body, nil
}

// backoff spaces retry attempts, capped at 10s.
func backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 0
	case 1:
		return time.Second
	case 2:
		return 2 * time.Second
	default:
		return 10 * time.Second
	}
}
