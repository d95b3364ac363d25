package store

import "time"

// Status is the recognition lifecycle state machine:
// queued -> processing -> completed | failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ResultType discriminates the populated sub-record of a completed Recognition.
type ResultType string

const (
	ResultText ResultType = "text"
	ResultQR   ResultType = "qr"
)

// Engine names an OCR backend that produced a text result.
type Engine string

const (
	EngineTesseract Engine = "tesseract"
	EnginePaddleOCR Engine = "paddleocr"
)

// QRFormat classifies a decoded QR payload.
type QRFormat string

const (
	QRFormatFiscal  QRFormat = "fiscal"
	QRFormatURL     QRFormat = "url"
	QRFormatUnknown QRFormat = "unknown"
)

// Image is the metadata record of one uploaded receipt image.
// OriginalURL is set at creation and never changes; ProcessedURL is written
// at most once, by the recognition processor, after a successful alignment.
type Image struct {
	ID              string    `db:"id" json:"imageId"`
	OriginalURL     string    `db:"original_url" json:"originalUrl"`
	ProcessedURL    *string   `db:"processed_url" json:"processedUrl,omitempty"`
	FileSize        int64     `db:"file_size" json:"fileSize"`
	MimeType        string    `db:"mime_type" json:"mimeType"`
	Width           *int      `db:"width" json:"width,omitempty"`
	Height          *int      `db:"height" json:"height,omitempty"`
	SourceService   *string   `db:"source_service" json:"sourceService,omitempty"`
	SourceReference *string   `db:"source_reference" json:"sourceReference,omitempty"`
	UploadedAt      time.Time `db:"uploaded_at" json:"uploadedAt"`
}

// Recognition is the persistent record of one recognition attempt against
// one Image. Exactly one of the text sub-record (RawText, Confidence,
// Engine, Aligned) or the QR sub-record (QRData, QRFormat, QRLocation) is
// populated once Status is completed.
type Recognition struct {
	ID               string      `db:"id" json:"recognitionId"`
	ImageID          string      `db:"image_id" json:"imageId"`
	Status           Status      `db:"status" json:"status"`
	ResultType       *ResultType `db:"result_type" json:"resultType,omitempty"`
	RawText          *string     `db:"raw_text" json:"rawText,omitempty"`
	Confidence       *float64    `db:"confidence" json:"confidence,omitempty"`
	Engine           *Engine     `db:"engine" json:"engine,omitempty"`
	Aligned          *bool       `db:"aligned" json:"aligned,omitempty"`
	QRData           *string     `db:"qr_data" json:"qrData,omitempty"`
	QRFormat         *QRFormat   `db:"qr_format" json:"qrFormat,omitempty"`
	QRX              *int        `db:"qr_x" json:"-"`
	QRY              *int        `db:"qr_y" json:"-"`
	QRWidth          *int        `db:"qr_width" json:"-"`
	QRHeight         *int        `db:"qr_height" json:"-"`
	ProcessingTimeMS *int64      `db:"processing_time_ms" json:"processingTime,omitempty"`
	QueueWaitTimeMS  *int64      `db:"queue_wait_time_ms" json:"queueWaitTime,omitempty"`
	AttemptNumber    int         `db:"attempt_number" json:"attemptNumber"`
	Error            *string     `db:"error" json:"error,omitempty"`
	CreatedAt        time.Time   `db:"created_at" json:"createdAt"`
	CompletedAt      *time.Time  `db:"completed_at" json:"completedAt,omitempty"`
}

// QRLocation is the pixel bounding box of a decoded QR code.
type QRLocation struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Location assembles the QR bounding box, or nil if not populated.
func (r *Recognition) Location() *QRLocation {
	if r.QRX == nil || r.QRY == nil || r.QRWidth == nil || r.QRHeight == nil {
		return nil
	}
	return &QRLocation{X: *r.QRX, Y: *r.QRY, Width: *r.QRWidth, Height: *r.QRHeight}
}
