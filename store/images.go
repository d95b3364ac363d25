package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	log "github.com/sirupsen/logrus"
)

// Images is the repository of Image records, with a read-through Redis
// cache over FindByID and write-through invalidation on Update.
type Images struct {
	db    *sqlx.DB
	cache *Cache
}

// NewImages builds the Images repository.
func NewImages(db *sqlx.DB, cache *Cache) *Images {
	return &Images{db: db, cache: cache}
}

// ImagePatch is the set of Image fields which may change after creation.
// Nil fields are left untouched.
type ImagePatch struct {
	ProcessedURL *string
	Width        *int
	Height       *int
}

const imageColumns = `id, original_url, processed_url, file_size, mime_type,
	width, height, source_service, source_reference, uploaded_at`

// Create inserts a new Image record.
func (r *Images) Create(ctx context.Context, img *Image) error {
	var _, err = r.db.NamedExecContext(ctx, `
		INSERT INTO images (id, original_url, file_size, mime_type,
			width, height, source_service, source_reference, uploaded_at)
		VALUES (:id, :original_url, :file_size, :mime_type,
			:width, :height, :source_service, :source_reference, :uploaded_at)`, img)
	if err != nil {
		return fmt.Errorf("inserting image %s: %w", img.ID, err)
	}
	return nil
}

// FindByID resolves an Image, consulting the cache before the store.
// It returns ErrNotFound for unknown ids.
func (r *Images) FindByID(ctx context.Context, id string) (*Image, error) {
	var key = imageMetaKey(id)

	if cached, ok, err := r.cache.Get(ctx, key); err != nil {
		log.WithFields(log.Fields{"id": id, "err": err}).Warn("image cache read failed")
	} else if ok {
		var img Image
		if err = json.Unmarshal([]byte(cached), &img); err == nil {
			return &img, nil
		}
		log.WithFields(log.Fields{"id": id, "err": err}).Warn("evicting bad image cache entry")
		_ = r.cache.Delete(ctx, key)
	}

	var img Image
	var err = r.db.GetContext(ctx, &img,
		`SELECT `+imageColumns+` FROM images WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("selecting image %s: %w", id, err)
	}

	if encoded, err := json.Marshal(&img); err == nil {
		if err = r.cache.Set(ctx, key, string(encoded), MetaTTL); err != nil {
			log.WithFields(log.Fields{"id": id, "err": err}).Warn("image cache write failed")
		}
	}
	return &img, nil
}

// Update applies |patch| to the Image and invalidates its cache entry.
func (r *Images) Update(ctx context.Context, id string, patch ImagePatch) error {
	var sets []string
	var args []interface{}

	var add = func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.ProcessedURL != nil {
		add("processed_url", *patch.ProcessedURL)
	}
	if patch.Width != nil {
		add("width", *patch.Width)
	}
	if patch.Height != nil {
		add("height", *patch.Height)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := r.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE images SET %s WHERE id = $%d`,
		strings.Join(sets, ", "), len(args)), args...)
	if err != nil {
		return fmt.Errorf("updating image %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return r.cache.Delete(ctx, imageMetaKey(id))
}

func imageMetaKey(id string) string { return "images:meta:" + id }
