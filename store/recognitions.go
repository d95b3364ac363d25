package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// Recognitions is the repository of Recognition records. After creation a
// record is mutated only by the recognition processor, so updates need no
// cross-writer coordination beyond the row itself.
type Recognitions struct {
	db    *sqlx.DB
	cache *Cache
}

// NewRecognitions builds the Recognitions repository.
func NewRecognitions(db *sqlx.DB, cache *Cache) *Recognitions {
	return &Recognitions{db: db, cache: cache}
}

// RecognitionPatch is a partial update of a Recognition. Nil fields are
// left untouched.
type RecognitionPatch struct {
	Status           *Status
	ResultType       *ResultType
	RawText          *string
	Confidence       *float64
	Engine           *Engine
	Aligned          *bool
	QRData           *string
	QRFormat         *QRFormat
	QRLocation       *QRLocation
	ProcessingTimeMS *int64
	QueueWaitTimeMS  *int64
	AttemptNumber    *int
	Error            *string
	CompletedAt      *time.Time
}

const recognitionColumns = `id, image_id, status, result_type, raw_text,
	confidence, engine, aligned, qr_data, qr_format, qr_x, qr_y, qr_width,
	qr_height, processing_time_ms, queue_wait_time_ms, attempt_number,
	error, created_at, completed_at`

// Create inserts a new Recognition in status queued.
func (r *Recognitions) Create(ctx context.Context, rec *Recognition) error {
	var _, err = r.db.NamedExecContext(ctx, `
		INSERT INTO recognition_results (id, image_id, status, attempt_number, created_at)
		VALUES (:id, :image_id, :status, :attempt_number, :created_at)`, rec)
	if err != nil {
		return fmt.Errorf("inserting recognition %s: %w", rec.ID, err)
	}
	return nil
}

// FindByID resolves a Recognition, consulting the cache before the store.
// It returns ErrNotFound for unknown ids.
func (r *Recognitions) FindByID(ctx context.Context, id string) (*Recognition, error) {
	var key = recognitionMetaKey(id)

	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		log.WithFields(log.Fields{"id": id, "err": err}).Warn("recognition cache read failed")
	} else if ok {
		var rec Recognition
		if err = json.Unmarshal([]byte(cached), &rec); err == nil {
			return &rec, nil
		}
		log.WithFields(log.Fields{"id": id, "err": err}).Warn("evicting bad recognition cache entry")
		_ = r.cache.Delete(ctx, key)
	}

	var rec Recognition
	var err = r.db.GetContext(ctx, &rec,
		`SELECT `+recognitionColumns+` FROM recognition_results WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("selecting recognition %s: %w", id, err)
	}

	if encoded, err := json.Marshal(&rec); err == nil {
		if err = r.cache.Set(ctx, key, string(encoded), MetaTTL); err != nil {
			log.WithFields(log.Fields{"id": id, "err": err}).Warn("recognition cache write failed")
		}
	}
	return &rec, nil
}

// Update applies |patch| to the Recognition and invalidates its cache entry.
func (r *Recognitions) Update(ctx context.Context, id string, patch RecognitionPatch) error {
	var sets []string
	var args []interface{}

	var add = func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.ResultType != nil {
		add("result_type", *patch.ResultType)
	}
	if patch.RawText != nil {
		add("raw_text", *patch.RawText)
	}
	if patch.Confidence != nil {
		add("confidence", *patch.Confidence)
	}
	if patch.Engine != nil {
		add("engine", *patch.Engine)
	}
	if patch.Aligned != nil {
		add("aligned", *patch.Aligned)
	}
	if patch.QRData != nil {
		add("qr_data", *patch.QRData)
	}
	if patch.QRFormat != nil {
		add("qr_format", *patch.QRFormat)
	}
	if patch.QRLocation != nil {
		add("qr_x", patch.QRLocation.X)
		add("qr_y", patch.QRLocation.Y)
		add("qr_width", patch.QRLocation.Width)
		add("qr_height", patch.QRLocation.Height)
	}
	if patch.ProcessingTimeMS != nil {
		add("processing_time_ms", *patch.ProcessingTimeMS)
	}
	if patch.QueueWaitTimeMS != nil {
		add("queue_wait_time_ms", *patch.QueueWaitTimeMS)
	}
	if patch.AttemptNumber != nil {
		add("attempt_number", *patch.AttemptNumber)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE recognition_results SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("updating recognition %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.cache.Delete(ctx, recognitionMetaKey(id))
}

func recognitionMetaKey(id string) string { return "recognitions:meta:" + id }
