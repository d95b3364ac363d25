// Package events defines the closed union of recognition lifecycle events
// and their publication onto the shared bus channel. Delivery is
// best-effort: state transitions are committed to the metadata store first,
// and a failed publish never blocks or reverses them.
package events

import (
	"time"

	"github.com/receiptflow/gateway/store"
)

// Channel is the pub/sub channel all lifecycle events are published on.
const Channel = "ocr:events"

// Kind tags an event within the bus channel.
type Kind string

const (
	KindQueued     Kind = "ocr.queued"
	KindProcessing Kind = "ocr.processing"
	KindCompleted  Kind = "ocr.completed"
	KindFailed     Kind = "ocr.failed"
	KindDebugStep  Kind = "ocr.debug.step"
)

// Event is implemented by every member of the lifecycle event union.
type Event interface {
	Kind() Kind
}

// Meta carries the fields common to every lifecycle event.
type Meta struct {
	Event           Kind   `json:"event"`
	Timestamp       int64  `json:"timestamp"`
	ImageID         string `json:"imageId"`
	RecognitionID   string `json:"recognitionId"`
	SourceService   string `json:"sourceService,omitempty"`
	SourceReference string `json:"sourceReference,omitempty"`
}

// NewMeta stamps common event fields with the current time in Unix ms.
func NewMeta(kind Kind, imageID, recognitionID, sourceService, sourceReference string) Meta {
	return Meta{
		Event:           kind,
		Timestamp:       time.Now().UnixMilli(),
		ImageID:         imageID,
		RecognitionID:   recognitionID,
		SourceService:   sourceService,
		SourceReference: sourceReference,
	}
}

// Queued is emitted once per job shortly after enqueue.
type Queued struct {
	Meta
	// Position is the count of jobs waiting at enqueue time.
	Position int `json:"position"`
	// EstimatedWait is Position x 15, in seconds.
	EstimatedWait int64 `json:"estimatedWait"`
}

func (Queued) Kind() Kind { return KindQueued }

// Processing is emitted on dequeue, before any work.
type Processing struct {
	Meta
}

func (Processing) Kind() Kind { return KindProcessing }

// TextResult is the text payload of a completed recognition.
type TextResult struct {
	Text       string       `json:"text"`
	Confidence float64      `json:"confidence"`
	Engine     store.Engine `json:"engine"`
	Aligned    bool         `json:"aligned"`
}

// QRResult is the QR payload of a completed recognition.
type QRResult struct {
	Data     string            `json:"data"`
	Format   store.QRFormat    `json:"format"`
	Location *store.QRLocation `json:"location,omitempty"`
}

// Completed is emitted after a recognition reaches status completed.
type Completed struct {
	Meta
	ResultType     store.ResultType `json:"resultType"`
	Text           *TextResult      `json:"text,omitempty"`
	QR             *QRResult        `json:"qr,omitempty"`
	ProcessingTime int64            `json:"processingTime"`
}

func (Completed) Kind() Kind { return KindCompleted }

// Failed is emitted after a recognition reaches status failed.
type Failed struct {
	Meta
	Error string `json:"error"`
}

func (Failed) Kind() Kind { return KindFailed }

// DebugStep is emitted after each pipeline stage when debug mode is on.
// Consumers order stages by StepNumber.
type DebugStep struct {
	Meta
	Step        string                 `json:"step"`
	StepNumber  int                    `json:"stepNumber"`
	ImageKey    string                 `json:"imageKey,omitempty"`
	Description string                 `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

func (DebugStep) Kind() Kind { return KindDebugStep }
