package recognize

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/receiptflow/gateway/engines"
	"github.com/receiptflow/gateway/events"
	"github.com/receiptflow/gateway/queue"
	"github.com/receiptflow/gateway/store"
)

type fakeAligner struct {
	result engines.AlignResult
	err    error
	opts   []engines.AlignOptions
}

func (f *fakeAligner) Align(_ context.Context, _ []byte, opts engines.AlignOptions) (engines.AlignResult, error) {
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return engines.AlignResult{}, f.err
	}
	return f.result, nil
}

type ocrStep struct {
	result engines.OCRResult
	err    error
}

// fakeRecognizer replays scripted results, recording the buffer of each call.
type fakeRecognizer struct {
	steps   []ocrStep
	buffers []string
}

func (f *fakeRecognizer) Recognize(_ context.Context, image []byte) (engines.OCRResult, error) {
	f.buffers = append(f.buffers, string(image))
	var i = len(f.buffers) - 1
	if i >= len(f.steps) {
		i = len(f.steps) - 1
	}
	return f.steps[i].result, f.steps[i].err
}

type fakeImageStore struct {
	images  map[string]*store.Image
	patches []store.ImagePatch
}

func (f *fakeImageStore) FindByID(_ context.Context, id string) (*store.Image, error) {
	if img, ok := f.images[id]; ok {
		return img, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeImageStore) Update(_ context.Context, _ string, patch store.ImagePatch) error {
	f.patches = append(f.patches, patch)
	return nil
}

type fakeRecognitionStore struct {
	patches []store.RecognitionPatch

	// failStatus, when set with failErr, rejects writes carrying it.
	failStatus store.Status
	failErr    error
}

func (f *fakeRecognitionStore) Update(_ context.Context, _ string, patch store.RecognitionPatch) error {
	if f.failErr != nil && patch.Status != nil && *patch.Status == f.failStatus {
		return f.failErr
	}
	f.patches = append(f.patches, patch)
	return nil
}

func (f *fakeRecognitionStore) last(t *testing.T) store.RecognitionPatch {
	t.Helper()
	require.NotEmpty(t, f.patches)
	return f.patches[len(f.patches)-1]
}

type fakeBlobStore struct {
	objects map[string][]byte
	puts    map[string][]byte
}

func (f *fakeBlobStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	if f.puts == nil {
		f.puts = make(map[string][]byte)
	}
	f.puts[key] = data
	return store.BlobURL("receipts", key), nil
}

func (f *fakeBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	if data, ok := f.objects[key]; ok {
		return data, nil
	}
	return nil, errors.New("no such object: " + key)
}

type fakeByteCache struct {
	data map[string][]byte
}

func (f *fakeByteCache) GetBinary(_ context.Context, key string) ([]byte, bool, error) {
	data, ok := f.data[key]
	return data, ok, nil
}

type eventRecorder struct {
	published []events.Event
}

func (r *eventRecorder) Publish(_ context.Context, event events.Event) {
	r.published = append(r.published, event)
}

func (r *eventRecorder) kinds() []events.Kind {
	var kinds []events.Kind
	for _, e := range r.published {
		kinds = append(kinds, e.Kind())
	}
	return kinds
}

// fakeDecoder reports codes keyed by the buffer's content.
type fakeDecoder struct {
	codes   map[string][]QRCode
	scanned []string
}

func (f *fakeDecoder) Decode(image []byte) ([]QRCode, error) {
	f.scanned = append(f.scanned, string(image))
	return f.codes[string(image)], nil
}

type processorFixture struct {
	aligner   *fakeAligner
	tesseract *fakeRecognizer
	paddle    *fakeRecognizer
	images    *fakeImageStore
	recs      *fakeRecognitionStore
	blob      *fakeBlobStore
	cache     *fakeByteCache
	publisher *eventRecorder
	decoder   *fakeDecoder
	processor *Processor
}

const (
	originalBytes     = "original-bytes"
	warpedBytes       = "warped-bytes"
	preprocessedBytes = "preprocessed-bytes"
)

func newProcessorFixture() *processorFixture {
	var f = &processorFixture{
		aligner: &fakeAligner{result: engines.AlignResult{
			Warped:       []byte(warpedBytes),
			Preprocessed: []byte(preprocessedBytes),
		}},
		tesseract: &fakeRecognizer{},
		paddle:    &fakeRecognizer{},
		images: &fakeImageStore{images: map[string]*store.Image{
			"img-1": {
				ID:          "img-1",
				OriginalURL: "blob://receipts/k-original.jpg",
			},
		}},
		recs: &fakeRecognitionStore{},
		blob: &fakeBlobStore{objects: map[string][]byte{
			"k-original.jpg": []byte(originalBytes),
		}},
		cache:     &fakeByteCache{},
		publisher: &eventRecorder{},
		decoder:   &fakeDecoder{},
	}
	f.processor = NewProcessor(Processor{
		Aligner:      f.aligner,
		Tesseract:    f.tesseract,
		Paddle:       f.paddle,
		Images:       f.images,
		Recognitions: f.recs,
		Blob:         f.blob,
		Cache:        f.cache,
		Publisher:    f.publisher,
		Decoder:      f.decoder,
		Config:       Config{ThresholdHigh: 0.70, ThresholdLow: 0.60},
	})
	return f
}

func testJob() queue.Job {
	return queue.Job{
		ImageID:       "img-1",
		RecognitionID: "rec-1",
		SourceService: "bot",
		EnqueuedAt:    time.Now().Add(-2 * time.Second),
	}
}

func TestProcessCompletesWithFiscalQR(t *testing.T) {
	var f = newProcessorFixture()
	var fiscal = "t=20240101T1200&s=123.45&fn=9280&i=1&fp=123&n=1"
	f.decoder.codes = map[string][]QRCode{
		warpedBytes: {{
			Data:     fiscal,
			Format:   store.QRFormatFiscal,
			Location: store.QRLocation{X: 10, Y: 20, Width: 100, Height: 100},
		}},
		preprocessedBytes: {{Data: "https://other.example", Format: store.QRFormatURL}},
	}

	require.NoError(t, f.processor.Process(context.Background(), testJob()))

	// processing first, then the terminal write.
	require.Len(t, f.recs.patches, 2)
	var processing = f.recs.patches[0]
	require.Equal(t, store.StatusProcessing, *processing.Status)
	require.Equal(t, 1, *processing.AttemptNumber)
	require.Positive(t, *processing.QueueWaitTimeMS)

	var completed = f.recs.patches[1]
	require.Equal(t, store.StatusCompleted, *completed.Status)
	require.Equal(t, store.ResultQR, *completed.ResultType)
	require.Equal(t, fiscal, *completed.QRData)
	require.Equal(t, store.QRFormatFiscal, *completed.QRFormat)
	require.Equal(t, 100, completed.QRLocation.Width)
	require.NotNil(t, completed.CompletedAt)

	// The warped buffer won; the preprocessed one was never scanned.
	require.Equal(t, []string{warpedBytes}, f.decoder.scanned)
	require.Empty(t, f.tesseract.buffers)
	require.Empty(t, f.paddle.buffers)

	// The aligner's warped output was persisted as the processed variant.
	require.Equal(t, []byte(warpedBytes), f.blob.puts["k-processed.jpg"])
	require.Len(t, f.images.patches, 1)
	require.Equal(t, "blob://receipts/k-processed.jpg", *f.images.patches[0].ProcessedURL)

	require.Equal(t, []events.Kind{events.KindProcessing, events.KindCompleted}, f.publisher.kinds())
	var event = f.publisher.published[1].(events.Completed)
	require.Equal(t, store.ResultQR, event.ResultType)
	require.Equal(t, fiscal, event.QR.Data)
	require.Equal(t, "bot", event.SourceService)
}

func TestProcessFilteredQRFallsThroughToOCR(t *testing.T) {
	var f = newProcessorFixture()
	f.decoder.codes = map[string][]QRCode{
		warpedBytes: {{Data: "https://promo.example", Format: store.QRFormatURL}},
	}
	f.tesseract.steps = []ocrStep{{result: engines.OCRResult{Text: "итог 123.45", Confidence: 0.80}}}

	var job = testJob()
	job.AcceptedQRFormats = []store.QRFormat{store.QRFormatFiscal}
	require.NoError(t, f.processor.Process(context.Background(), job))

	var completed = f.recs.last(t)
	require.Equal(t, store.ResultText, *completed.ResultType)
	require.Equal(t, "итог 123.45", *completed.RawText)
	require.Equal(t, 0.80, *completed.Confidence)
	require.Equal(t, store.EngineTesseract, *completed.Engine)
	require.True(t, *completed.Aligned)

	// The warped code short-circuits buffer scanning even when filtered, and
	// 0.80 clears the high threshold so PaddleOCR never runs.
	require.Equal(t, []string{warpedBytes}, f.decoder.scanned)
	require.Equal(t, []string{preprocessedBytes}, f.tesseract.buffers)
	require.Empty(t, f.paddle.buffers)
}

func TestProcessOCRChainAcceptsThirdAttempt(t *testing.T) {
	var f = newProcessorFixture()
	f.tesseract.steps = []ocrStep{{result: engines.OCRResult{Text: "t1", Confidence: 0.55}}}
	f.paddle.steps = []ocrStep{
		{result: engines.OCRResult{Text: "p1", Confidence: 0.58}},
		{result: engines.OCRResult{Text: "p2", Confidence: 0.72}},
	}

	require.NoError(t, f.processor.Process(context.Background(), testJob()))

	var completed = f.recs.last(t)
	require.Equal(t, store.StatusCompleted, *completed.Status)
	require.Equal(t, "p2", *completed.RawText)
	require.Equal(t, 0.72, *completed.Confidence)
	require.Equal(t, store.EnginePaddleOCR, *completed.Engine)

	// Fixed fallback order: Tesseract on preprocessed, then PaddleOCR on
	// preprocessed, then PaddleOCR on warped.
	require.Equal(t, []string{preprocessedBytes}, f.tesseract.buffers)
	require.Equal(t, []string{preprocessedBytes, warpedBytes}, f.paddle.buffers)
}

func TestProcessAllLowConfidenceUsesLastResult(t *testing.T) {
	var f = newProcessorFixture()
	f.tesseract.steps = []ocrStep{{result: engines.OCRResult{Text: "t1", Confidence: 0.40}}}
	f.paddle.steps = []ocrStep{
		{result: engines.OCRResult{Text: "p1", Confidence: 0.45}},
		{result: engines.OCRResult{Text: "p2", Confidence: 0.50}},
	}

	require.NoError(t, f.processor.Process(context.Background(), testJob()))

	var completed = f.recs.last(t)
	require.Equal(t, store.StatusCompleted, *completed.Status)
	require.Equal(t, "p2", *completed.RawText)
	require.Equal(t, 0.50, *completed.Confidence)
}

func TestProcessSkipsErroredAttempts(t *testing.T) {
	var f = newProcessorFixture()
	f.tesseract.steps = []ocrStep{{err: errors.New("tesseract down")}}
	f.paddle.steps = []ocrStep{
		{err: errors.New("paddle transient")},
		{result: engines.OCRResult{Text: "p2", Confidence: 0.65}},
	}

	require.NoError(t, f.processor.Process(context.Background(), testJob()))

	var completed = f.recs.last(t)
	require.Equal(t, "p2", *completed.RawText)
	require.Equal(t, store.EnginePaddleOCR, *completed.Engine)
}

func TestProcessAllEnginesFailed(t *testing.T) {
	var f = newProcessorFixture()
	var down = errors.New("engine down")
	f.tesseract.steps = []ocrStep{{err: down}}
	f.paddle.steps = []ocrStep{{err: down}}

	var err = f.processor.Process(context.Background(), testJob())
	require.ErrorIs(t, err, ErrAllEnginesFailed)

	var failed = f.recs.last(t)
	require.Equal(t, store.StatusFailed, *failed.Status)
	require.Equal(t, "all ocr engines failed", *failed.Error)
	require.NotNil(t, failed.CompletedAt)

	require.Equal(t, []events.Kind{events.KindProcessing, events.KindFailed}, f.publisher.kinds())
	require.Equal(t, "all ocr engines failed", f.publisher.published[1].(events.Failed).Error)
}

func TestProcessAlignerDownDegrades(t *testing.T) {
	var f = newProcessorFixture()
	f.aligner.err = errors.New("aligner unavailable")
	// The fixture's original bytes are not a decodable image, so local
	// preprocessing degrades further to the raw original buffer.
	f.tesseract.steps = []ocrStep{{result: engines.OCRResult{Text: "degraded", Confidence: 0.65}}}

	require.NoError(t, f.processor.Process(context.Background(), testJob()))

	// No processed variant is written when the aligner never ran.
	require.Empty(t, f.blob.puts)
	require.Empty(t, f.images.patches)

	require.Equal(t, []string{originalBytes}, f.tesseract.buffers)
	var completed = f.recs.last(t)
	require.Equal(t, store.StatusCompleted, *completed.Status)
	require.Equal(t, "degraded", *completed.RawText)
}

func TestProcessPrefersCachedOriginalBytes(t *testing.T) {
	var f = newProcessorFixture()
	f.cache.data = map[string][]byte{
		store.ImageBytesKey("k-original.jpg"): []byte("cached-bytes"),
	}
	f.blob.objects = nil // A blob read would now fail.
	f.decoder.codes = map[string][]QRCode{
		warpedBytes: {{Data: "fn=1", Format: store.QRFormatFiscal}},
	}

	require.NoError(t, f.processor.Process(context.Background(), testJob()))
	require.Equal(t, store.StatusCompleted, *f.recs.last(t).Status)
}

func TestProcessRedeliveryRewritesSameTerminalState(t *testing.T) {
	var f = newProcessorFixture()
	f.decoder.codes = map[string][]QRCode{
		warpedBytes: {{Data: "fn=1", Format: store.QRFormatFiscal}},
	}

	// At-least-once delivery may hand the same job to two executors; the
	// second run rewrites the identical terminal result.
	require.NoError(t, f.processor.Process(context.Background(), testJob()))
	require.NoError(t, f.processor.Process(context.Background(), testJob()))

	require.Len(t, f.recs.patches, 4)
	var first, second = f.recs.patches[1], f.recs.patches[3]
	require.Equal(t, *first.Status, *second.Status)
	require.Equal(t, *first.ResultType, *second.ResultType)
	require.Equal(t, *first.QRData, *second.QRData)
	require.Equal(t, *first.QRFormat, *second.QRFormat)
}

func TestProcessImageNotFound(t *testing.T) {
	var f = newProcessorFixture()
	f.images.images = nil

	var err = f.processor.Process(context.Background(), testJob())
	require.ErrorContains(t, err, "image img-1 not found")

	var failed = f.recs.last(t)
	require.Equal(t, store.StatusFailed, *failed.Status)
	require.Contains(t, *failed.Error, "not found")
	require.Equal(t, []events.Kind{events.KindProcessing, events.KindFailed}, f.publisher.kinds())
}

func TestProcessFailureEventFollowsFailureWrite(t *testing.T) {
	var f = newProcessorFixture()
	var down = errors.New("engine down")
	f.tesseract.steps = []ocrStep{{err: down}}
	f.paddle.steps = []ocrStep{{err: down}}
	f.recs.failStatus = store.StatusFailed
	f.recs.failErr = errors.New("db unavailable")

	var err = f.processor.Process(context.Background(), testJob())
	require.ErrorIs(t, err, ErrAllEnginesFailed)

	// The failed write never committed, so no failed event may appear.
	require.Equal(t, []events.Kind{events.KindProcessing}, f.publisher.kinds())
}

func TestProcessPassesAlignmentModeThrough(t *testing.T) {
	var f = newProcessorFixture()
	f.decoder.codes = map[string][]QRCode{
		warpedBytes: {{Data: "fn=1", Format: store.QRFormatFiscal}},
	}

	var job = testJob()
	job.AlignmentMode = "neural"
	require.NoError(t, f.processor.Process(context.Background(), job))

	require.Len(t, f.aligner.opts, 1)
	require.Equal(t, engines.AlignModeNeural, f.aligner.opts[0].Mode)
}

func TestProcessDebugModeEmitsStepEvents(t *testing.T) {
	var f = newProcessorFixture()
	f.processor.Config.DebugMode = true
	f.decoder.codes = map[string][]QRCode{
		warpedBytes: {{Data: "fn=1", Format: store.QRFormatFiscal}},
	}

	require.NoError(t, f.processor.Process(context.Background(), testJob()))

	var steps []string
	for _, e := range f.publisher.published {
		if step, ok := e.(events.DebugStep); ok {
			steps = append(steps, step.Step)
		}
	}
	require.Equal(t, []string{"load", "align", "qr"}, steps)
}

func TestHandleRecognizeTaskRejectsMalformedEnvelope(t *testing.T) {
	var f = newProcessorFixture()

	var task = asynq.NewTask(queue.TypeRecognize, []byte("{not json"))
	var err = f.processor.HandleRecognizeTask(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.Empty(t, f.recs.patches)
}

func TestProcessedKeyFor(t *testing.T) {
	require.Equal(t, "abc-processed.jpg", processedKeyFor("abc-original.jpg"))
	require.Equal(t, "abc-processed.jpg", processedKeyFor("abc-original.webp"))
	require.Equal(t, "plain.jpg", processedKeyFor("plain.png"))
}

func TestConfidenceRounding(t *testing.T) {
	require.Equal(t, 0.67, round2(0.666))
	require.Equal(t, 1.0, round2(clamp01(1.2)))
	require.Equal(t, 0.0, round2(clamp01(-0.3)))
}
