// Package ingest implements the upload side of the gateway: validation of
// incoming receipt images, seeding of blob, metadata and cache state, and
// enqueueing of recognition jobs.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	// Image formats registered for dimension sniffing of uploads.
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	log "github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"

	"github.com/receiptflow/gateway/engines"
	"github.com/receiptflow/gateway/events"
	"github.com/receiptflow/gateway/queue"
	"github.com/receiptflow/gateway/store"
)

// MaxImageSize caps accepted uploads at 10 MiB.
const MaxImageSize = 10 << 20

// estimatedWaitPerJob is the per-position wait estimate reported in queued
// events.
const estimatedWaitPerJob = 15 * time.Second

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

// ValidationError is a user-correctable rejection of an upload.
type ValidationError struct {
	msg string
}

func (e *ValidationError) Error() string { return e.msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{msg: fmt.Sprintf(format, args...)}
}

// ImageCreator inserts Image records.
type ImageCreator interface {
	Create(ctx context.Context, img *store.Image) error
}

// RecognitionCreator inserts Recognition records.
type RecognitionCreator interface {
	Create(ctx context.Context, rec *store.Recognition) error
}

// BlobWriter persists uploaded bytes.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
}

// ByteCache seeds the original-bytes cache consulted by the worker.
type ByteCache interface {
	SetBinary(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Enqueuer pushes recognition jobs and reports queue depth.
type Enqueuer interface {
	Enqueue(ctx context.Context, job queue.Job) error
	PendingCount(ctx context.Context) (int, error)
}

// Service validates uploads and seeds all stores for the worker.
type Service struct {
	Images       ImageCreator
	Recognitions RecognitionCreator
	Blob         BlobWriter
	Cache        ByteCache
	Queue        Enqueuer
	Publisher    events.Publisher
}

// UploadRequest is one validated-or-rejected ingest attempt.
type UploadRequest struct {
	Data              []byte
	MimeType          string
	SourceService     string
	SourceReference   string
	AcceptedQRFormats []store.QRFormat
	AlignmentMode     string
}

// UploadResult is returned to the HTTP caller on acceptance.
type UploadResult struct {
	ImageID       string       `json:"imageId"`
	RecognitionID string       `json:"recognitionId"`
	Status        store.Status `json:"status"`
}

// Upload validates the request, writes the blob, seeds cache and metadata,
// enqueues the recognition job, and publishes the queued event.
//
// The flow is not atomic across stores: a blob written before a failed
// metadata insert is left as a garbage-collectable orphan, and a
// Recognition created before a failed enqueue stays queued until a janitor
// reaps it.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	var ext, ok = extensions[req.MimeType]
	if !ok {
		return nil, validationErrorf("unsupported image type %q", req.MimeType)
	}
	if len(req.Data) == 0 {
		return nil, validationErrorf("image is empty")
	}
	if len(req.Data) > MaxImageSize {
		return nil, validationErrorf("image of %d bytes exceeds the %d byte limit",
			len(req.Data), MaxImageSize)
	}
	if req.AlignmentMode != "" &&
		req.AlignmentMode != string(engines.AlignModeClassic) &&
		req.AlignmentMode != string(engines.AlignModeNeural) {
		return nil, validationErrorf("unknown alignment mode %q", req.AlignmentMode)
	}

	nano, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("generating image key: %w", err)
	}
	var imageKey = fmt.Sprintf("%s-original.%s", nano, ext)

	originalURL, err := s.Blob.Put(ctx, imageKey, req.Data, req.MimeType)
	if err != nil {
		return nil, fmt.Errorf("storing image: %w", err)
	}

	// The cache is advisory: the worker falls back to the blob store on miss.
	if err = s.Cache.SetBinary(ctx, store.ImageBytesKey(imageKey), req.Data, store.ImageBytesTTL); err != nil {
		log.WithFields(log.Fields{"key": imageKey, "err": err}).
			Warn("failed to seed image byte cache")
	}

	var now = time.Now().UTC()
	var img = &store.Image{
		ID:              uuid.NewString(),
		OriginalURL:     originalURL,
		FileSize:        int64(len(req.Data)),
		MimeType:        req.MimeType,
		SourceService:   optional(req.SourceService),
		SourceReference: optional(req.SourceReference),
		UploadedAt:      now,
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Data)); err == nil {
		img.Width, img.Height = &cfg.Width, &cfg.Height
	}
	if err = s.Images.Create(ctx, img); err != nil {
		return nil, fmt.Errorf("creating image record: %w", err)
	}

	var rec = &store.Recognition{
		ID:            uuid.NewString(),
		ImageID:       img.ID,
		Status:        store.StatusQueued,
		AttemptNumber: 1,
		CreatedAt:     now,
	}
	if err = s.Recognitions.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("creating recognition record: %w", err)
	}

	var job = queue.Job{
		ImageID:           img.ID,
		RecognitionID:     rec.ID,
		SourceService:     req.SourceService,
		SourceReference:   req.SourceReference,
		AcceptedQRFormats: req.AcceptedQRFormats,
		AlignmentMode:     req.AlignmentMode,
		EnqueuedAt:        time.Now().UTC(),
	}
	if err = s.Queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueueing recognition job: %w", err)
	}

	position, err := s.Queue.PendingCount(ctx)
	if err != nil {
		log.WithFields(log.Fields{"recognition": rec.ID, "err": err}).
			Warn("failed to read queue depth")
		position = 0
	}
	s.Publisher.Publish(ctx, events.Queued{
		Meta: events.NewMeta(events.KindQueued,
			img.ID, rec.ID, req.SourceService, req.SourceReference),
		Position:      position,
		EstimatedWait: int64(position) * int64(estimatedWaitPerJob/time.Second),
	})

	log.WithFields(log.Fields{
		"image":       img.ID,
		"recognition": rec.ID,
		"size":        img.FileSize,
		"mime":        img.MimeType,
		"position":    position,
	}).Info("accepted image for recognition")

	return &UploadResult{
		ImageID:       img.ID,
		RecognitionID: rec.ID,
		Status:        store.StatusQueued,
	}, nil
}

// ParseQRFormats parses the comma-separated acceptedQrFormats form value.
func ParseQRFormats(raw string) ([]store.QRFormat, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var formats []store.QRFormat
	for _, part := range strings.Split(raw, ",") {
		switch f := store.QRFormat(strings.TrimSpace(part)); f {
		case store.QRFormatFiscal, store.QRFormatURL, store.QRFormatUnknown:
			formats = append(formats, f)
		default:
			return nil, validationErrorf("unknown QR format %q", part)
		}
	}
	return formats, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
