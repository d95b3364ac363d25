// Package recognize implements the recognition worker: the state machine
// driving each dequeued job through load, alignment, QR extraction, and the
// OCR fallback chain, with terminal writes to the metadata store followed
// by lifecycle events on the bus.
package recognize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/receiptflow/gateway/engines"
	"github.com/receiptflow/gateway/events"
	"github.com/receiptflow/gateway/queue"
	"github.com/receiptflow/gateway/store"
)

// fleetRateLimit caps job starts per second across all executors.
const fleetRateLimit = 10

// ErrAllEnginesFailed terminates a job whose every OCR attempt errored.
var ErrAllEnginesFailed = errors.New("all ocr engines failed")

// Config holds the processor's acceptance thresholds and debug switch.
type Config struct {
	// ThresholdHigh short-circuits the chain when an attempt meets it.
	ThresholdHigh float64
	// ThresholdLow is the acceptance threshold of every attempt.
	ThresholdLow float64
	// DebugMode emits per-step events on the bus.
	DebugMode bool
}

// ImageStore is the processor's view of the Image repository.
type ImageStore interface {
	FindByID(ctx context.Context, id string) (*store.Image, error)
	Update(ctx context.Context, id string, patch store.ImagePatch) error
}

// RecognitionStore is the processor's view of the Recognition repository.
// The processor is the only mutator of a Recognition after creation.
type RecognitionStore interface {
	Update(ctx context.Context, id string, patch store.RecognitionPatch) error
}

// BlobStore reads original and writes processed image bytes.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
}

// ByteCache is consulted for original bytes before the blob store.
type ByteCache interface {
	GetBinary(ctx context.Context, key string) ([]byte, bool, error)
}

// Processor consumes recognition jobs and drives the
// queued -> processing -> completed | failed state machine.
type Processor struct {
	Aligner      engines.ImageAligner
	Tesseract    engines.TextRecognizer
	Paddle       engines.TextRecognizer
	Images       ImageStore
	Recognitions RecognitionStore
	Blob         BlobStore
	Cache        ByteCache
	Publisher    events.Publisher
	Decoder      QRDecoder
	Config       Config

	limiter *rate.Limiter
}

// NewProcessor finishes Processor construction: the fleet rate limiter and
// the default QR decoder.
func NewProcessor(p Processor) *Processor {
	p.limiter = rate.NewLimiter(rate.Limit(fleetRateLimit), fleetRateLimit)
	if p.Decoder == nil {
		p.Decoder = ZXingDecoder{}
	}
	return &p
}

// HandleRecognizeTask is the asynq handler of TypeRecognize tasks.
func (p *Processor) HandleRecognizeTask(ctx context.Context, task *asynq.Task) error {
	var job, err = queue.ParseJob(task)
	if err != nil {
		// A malformed envelope can never succeed.
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if p.limiter != nil {
		if err = p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	return p.Process(ctx, job)
}

// Process runs one job to a terminal state. A returned error has already
// been recorded as a failed Recognition, and is re-raised so the queue may
// retry up to its configured attempts.
func (p *Processor) Process(ctx context.Context, job queue.Job) error {
	var started = time.Now()

	var attempt = 1
	if n, ok := asynq.GetRetryCount(ctx); ok {
		attempt = n + 1
	}
	var queueWait int64
	if !job.EnqueuedAt.IsZero() {
		if d := started.Sub(job.EnqueuedAt).Milliseconds(); d > 0 {
			queueWait = d
		}
	}

	log.WithFields(log.Fields{
		"image":       job.ImageID,
		"recognition": job.RecognitionID,
		"attempt":     attempt,
		"queueWaitMs": queueWait,
	}).Info("processing recognition job")

	// queued -> processing. The event follows the committed write.
	var err = p.Recognitions.Update(ctx, job.RecognitionID, store.RecognitionPatch{
		Status:          ptr(store.StatusProcessing),
		QueueWaitTimeMS: &queueWait,
		AttemptNumber:   &attempt,
	})
	if err != nil {
		return p.fail(ctx, job, started, fmt.Errorf("marking recognition processing: %w", err))
	}
	p.Publisher.Publish(ctx, events.Processing{Meta: p.meta(events.KindProcessing, job)})

	if err = p.run(ctx, job, started); err != nil {
		return p.fail(ctx, job, started, err)
	}
	return nil
}

// run executes steps 1-4. A nil return means a completed terminal write
// has been persisted and published.
func (p *Processor) run(ctx context.Context, job queue.Job, started time.Time) error {
	// Step 1: load the image record and its original bytes.
	var img, err = p.Images.FindByID(ctx, job.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("image %s not found", job.ImageID)
	} else if err != nil {
		return fmt.Errorf("loading image %s: %w", job.ImageID, err)
	}

	_, imageKey, err := store.ParseBlobURL(img.OriginalURL)
	if err != nil {
		return fmt.Errorf("image %s: %w", job.ImageID, err)
	}
	original, err := p.loadOriginal(ctx, imageKey)
	if err != nil {
		return err
	}
	p.debug(ctx, job, "load", 1, imageKey, "loaded original image", log.Fields{"bytes": len(original)})

	// Step 2: align. Failure degrades to the original bytes plus a locally
	// preprocessed variant; the chain continues either way.
	warped, preprocessed, alignerUp := p.align(ctx, job, img, imageKey, original)
	if alignerUp {
		processedKey := processedKeyFor(imageKey)
		processedURL, err := p.Blob.Put(ctx, processedKey, warped, "image/jpeg")
		if err != nil {
			return fmt.Errorf("storing processed image: %w", err)
		}
		if err = p.Images.Update(ctx, img.ID, store.ImagePatch{ProcessedURL: &processedURL}); err != nil {
			return fmt.Errorf("recording processed image URL: %w", err)
		}
	}
	p.debug(ctx, job, "align", 2, imageKey, "alignment finished", log.Fields{"alignerUp": alignerUp})

	// Step 3: QR extraction. The warped buffer wins; the preprocessed one
	// is consulted only when it yields nothing.
	var code = p.scanQR(job, warped, "warped")
	if code == nil {
		code = p.scanQR(job, preprocessed, "preprocessed")
	}
	if code != nil {
		if job.AcceptsFormat(code.Format) {
			p.debug(ctx, job, "qr", 3, imageKey, "qr code accepted", log.Fields{"format": code.Format})
			return p.completeQR(ctx, job, started, code)
		}
		log.WithFields(log.Fields{
			"recognition": job.RecognitionID,
			"format":      code.Format,
			"accepted":    job.AcceptedQRFormats,
		}).Info("qr code found but filtered; continuing with ocr")
	}
	p.debug(ctx, job, "qr", 3, imageKey, "no accepted qr code", nil)

	// Step 4: OCR fallback chain.
	accepted, err := p.runOCRChain(ctx, job, warped, preprocessed)
	if err != nil {
		return err
	}
	p.debug(ctx, job, "ocr", 4, imageKey, "ocr chain finished", log.Fields{
		"engine":     accepted.engine,
		"confidence": accepted.confidence,
	})
	return p.completeText(ctx, job, started, accepted)
}

func (p *Processor) loadOriginal(ctx context.Context, imageKey string) ([]byte, error) {
	if data, ok, err := p.Cache.GetBinary(ctx, store.ImageBytesKey(imageKey)); err != nil {
		log.WithFields(log.Fields{"key": imageKey, "err": err}).Warn("image byte cache read failed")
	} else if ok {
		return data, nil
	}

	var data, err = p.Blob.Get(ctx, imageKey)
	if err != nil {
		return nil, fmt.Errorf("loading original bytes: %w", err)
	}
	return data, nil
}

// align calls the aligner, degrading to local preprocessing when it fails.
// alignerUp reports whether the warped output came from the aligner (and
// should be persisted as the processed variant).
func (p *Processor) align(ctx context.Context, job queue.Job, img *store.Image, imageKey string, original []byte) (warped, preprocessed []byte, alignerUp bool) {
	var mode = engines.AlignModeClassic
	if job.AlignmentMode == string(engines.AlignModeNeural) {
		mode = engines.AlignModeNeural
	}

	var result, err = p.Aligner.Align(ctx, original, engines.AlignOptions{
		Mode:         mode,
		ApplyOCRPrep: false,
	})
	if err == nil {
		return result.Warped, result.Preprocessed, true
	}

	log.WithFields(log.Fields{
		"image":       img.ID,
		"recognition": job.RecognitionID,
		"err":         err,
	}).Warn("aligner unavailable; falling back to local preprocessing")

	preprocessed, perr := PreprocessLocal(original)
	if perr != nil {
		log.WithFields(log.Fields{"image": img.ID, "err": perr}).
			Warn("local preprocessing failed; using original bytes")
		preprocessed = original
	}
	return original, preprocessed, false
}

// scanQR decodes |buffer| and selects a code per the fiscal-first rule.
// Decode failures are recoverable: they report as "no code".
func (p *Processor) scanQR(job queue.Job, buffer []byte, name string) *QRCode {
	var codes, err = p.Decoder.Decode(buffer)
	if err != nil {
		log.WithFields(log.Fields{
			"recognition": job.RecognitionID,
			"buffer":      name,
			"err":         err,
		}).Debug("qr decode failed")
		return nil
	}
	return SelectQR(codes)
}

type ocrCandidate struct {
	text       string
	confidence float64
	engine     store.Engine
}

// runOCRChain executes the fixed fallback order until an attempt meets the
// acceptance threshold. With no accepted attempt, the last produced result
// completes the job at low confidence; with no result at all, the job
// fails.
func (p *Processor) runOCRChain(ctx context.Context, job queue.Job, warped, preprocessed []byte) (*ocrCandidate, error) {
	var attempts = []struct {
		engine     store.Engine
		buffer     []byte
		bufferName string
		recognizer engines.TextRecognizer
	}{
		{store.EngineTesseract, preprocessed, "preprocessed", p.Tesseract},
		{store.EnginePaddleOCR, preprocessed, "preprocessed", p.Paddle},
		{store.EnginePaddleOCR, warped, "warped", p.Paddle},
	}

	var last *ocrCandidate
	for _, attempt := range attempts {
		var result, err = attempt.recognizer.Recognize(ctx, attempt.buffer)
		if err != nil {
			engineAttempts.WithLabelValues(string(attempt.engine), "error").Inc()
			log.WithFields(log.Fields{
				"recognition": job.RecognitionID,
				"engine":      attempt.engine,
				"buffer":      attempt.bufferName,
				"err":         err,
			}).Warn("ocr attempt failed; trying next engine")
			continue
		}

		var candidate = ocrCandidate{
			text:       result.Text,
			confidence: round2(clamp01(result.Confidence)),
			engine:     attempt.engine,
		}
		last = &candidate

		if candidate.confidence >= p.Config.ThresholdHigh {
			engineAttempts.WithLabelValues(string(attempt.engine), "accepted").Inc()
			log.WithFields(log.Fields{
				"recognition": job.RecognitionID,
				"engine":      attempt.engine,
				"confidence":  candidate.confidence,
			}).Info("ocr result exceeds high threshold; short-circuiting")
			return &candidate, nil
		}
		if candidate.confidence >= p.Config.ThresholdLow {
			engineAttempts.WithLabelValues(string(attempt.engine), "accepted").Inc()
			return &candidate, nil
		}
		engineAttempts.WithLabelValues(string(attempt.engine), "low_confidence").Inc()
	}

	if last != nil {
		log.WithFields(log.Fields{
			"recognition": job.RecognitionID,
			"confidence":  last.confidence,
		}).Info("no ocr attempt met the threshold; completing with last result")
		return last, nil
	}
	return nil, ErrAllEnginesFailed
}

func (p *Processor) completeQR(ctx context.Context, job queue.Job, started time.Time, code *QRCode) error {
	var now = time.Now().UTC()
	var elapsed = time.Since(started).Milliseconds()
	var location = code.Location

	var err = p.Recognitions.Update(ctx, job.RecognitionID, store.RecognitionPatch{
		Status:           ptr(store.StatusCompleted),
		ResultType:       ptr(store.ResultQR),
		QRData:           &code.Data,
		QRFormat:         &code.Format,
		QRLocation:       &location,
		ProcessingTimeMS: &elapsed,
		CompletedAt:      &now,
	})
	if err != nil {
		return fmt.Errorf("persisting qr completion: %w", err)
	}

	p.Publisher.Publish(ctx, events.Completed{
		Meta:       p.meta(events.KindCompleted, job),
		ResultType: store.ResultQR,
		QR: &events.QRResult{
			Data:     code.Data,
			Format:   code.Format,
			Location: &location,
		},
		ProcessingTime: elapsed,
	})
	jobsProcessed.WithLabelValues(string(store.StatusCompleted), string(store.ResultQR)).Inc()
	processingDuration.Observe(time.Since(started).Seconds())

	log.WithFields(log.Fields{
		"recognition": job.RecognitionID,
		"format":      code.Format,
		"elapsedMs":   elapsed,
	}).Info("recognition completed with qr result")
	return nil
}

func (p *Processor) completeText(ctx context.Context, job queue.Job, started time.Time, candidate *ocrCandidate) error {
	var now = time.Now().UTC()
	var elapsed = time.Since(started).Milliseconds()
	// The chain always runs on aligned or locally preprocessed buffers.
	var aligned = true

	var err = p.Recognitions.Update(ctx, job.RecognitionID, store.RecognitionPatch{
		Status:           ptr(store.StatusCompleted),
		ResultType:       ptr(store.ResultText),
		RawText:          &candidate.text,
		Confidence:       &candidate.confidence,
		Engine:           &candidate.engine,
		Aligned:          &aligned,
		ProcessingTimeMS: &elapsed,
		CompletedAt:      &now,
	})
	if err != nil {
		return fmt.Errorf("persisting text completion: %w", err)
	}

	p.Publisher.Publish(ctx, events.Completed{
		Meta:       p.meta(events.KindCompleted, job),
		ResultType: store.ResultText,
		Text: &events.TextResult{
			Text:       candidate.text,
			Confidence: candidate.confidence,
			Engine:     candidate.engine,
			Aligned:    aligned,
		},
		ProcessingTime: elapsed,
	})
	jobsProcessed.WithLabelValues(string(store.StatusCompleted), string(store.ResultText)).Inc()
	processingDuration.Observe(time.Since(started).Seconds())

	log.WithFields(log.Fields{
		"recognition": job.RecognitionID,
		"engine":      candidate.engine,
		"confidence":  candidate.confidence,
		"elapsedMs":   elapsed,
	}).Info("recognition completed with text result")
	return nil
}

// fail records the terminal failure and re-raises |cause|. When even the
// failure write fails, the error is logged and the cause still re-raised;
// the queue's redelivery will retry the whole job.
func (p *Processor) fail(ctx context.Context, job queue.Job, started time.Time, cause error) error {
	var now = time.Now().UTC()
	var msg = cause.Error()
	var elapsed = time.Since(started).Milliseconds()

	var err = p.Recognitions.Update(ctx, job.RecognitionID, store.RecognitionPatch{
		Status:           ptr(store.StatusFailed),
		Error:            &msg,
		ProcessingTimeMS: &elapsed,
		CompletedAt:      &now,
	})
	if err != nil {
		log.WithFields(log.Fields{"recognition": job.RecognitionID, "err": err}).
			Error("failed to persist recognition failure")
	} else {
		p.Publisher.Publish(ctx, events.Failed{
			Meta:  p.meta(events.KindFailed, job),
			Error: msg,
		})
	}
	jobsProcessed.WithLabelValues(string(store.StatusFailed), "").Inc()
	processingDuration.Observe(time.Since(started).Seconds())

	log.WithFields(log.Fields{
		"recognition": job.RecognitionID,
		"err":         cause,
		"elapsedMs":   elapsed,
	}).Error("recognition failed")
	return cause
}

func (p *Processor) meta(kind events.Kind, job queue.Job) events.Meta {
	return events.NewMeta(kind, job.ImageID, job.RecognitionID,
		job.SourceService, job.SourceReference)
}

// debug publishes a per-step event when debug mode is on.
func (p *Processor) debug(ctx context.Context, job queue.Job, step string, number int, imageKey, description string, metadata log.Fields) {
	if !p.Config.DebugMode {
		return
	}
	p.Publisher.Publish(ctx, events.DebugStep{
		Meta:        p.meta(events.KindDebugStep, job),
		Step:        step,
		StepNumber:  number,
		ImageKey:    imageKey,
		Description: description,
		Metadata:    metadata,
	})
}

// processedKeyFor derives the blob key of the warped output, which is
// always stored as JPEG.
func processedKeyFor(imageKey string) string {
	var key = strings.Replace(imageKey, "-original.", "-processed.", 1)
	if idx := strings.LastIndex(key, "."); idx >= 0 {
		key = key[:idx]
	}
	return key + ".jpg"
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func ptr[T any](v T) *T { return &v }
