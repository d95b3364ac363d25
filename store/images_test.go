package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRepoDeps(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, *Cache) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	var srv = miniredis.RunT(t)
	var rdb = redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return sqlx.NewDb(mockDB, "pgx"), mock, NewCache(rdb)
}

var imageRowColumns = []string{
	"id", "original_url", "processed_url", "file_size", "mime_type",
	"width", "height", "source_service", "source_reference", "uploaded_at",
}

func TestImagesFindByIDReadsThroughCache(t *testing.T) {
	var db, mock, cache = newTestRepoDeps(t)
	var repo = NewImages(db, cache)
	var ctx = context.Background()

	// First lookup misses the cache and hits the store.
	mock.ExpectQuery("SELECT (.+) FROM images WHERE id =").
		WithArgs("img-1").
		WillReturnRows(sqlmock.NewRows(imageRowColumns).AddRow(
			"img-1", "blob://receipts/k-original.jpg", nil, int64(1024), "image/jpeg",
			nil, nil, nil, nil, time.Now().UTC()))

	img, err := repo.FindByID(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, "img-1", img.ID)
	require.Equal(t, "blob://receipts/k-original.jpg", img.OriginalURL)

	// Second lookup is served from the cache: no further query expected.
	img, err = repo.FindByID(ctx, "img-1")
	require.NoError(t, err)
	require.Equal(t, "img-1", img.ID)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImagesFindByIDNotFound(t *testing.T) {
	var db, mock, cache = newTestRepoDeps(t)
	var repo = NewImages(db, cache)

	mock.ExpectQuery("SELECT (.+) FROM images WHERE id =").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(imageRowColumns))

	var _, err = repo.FindByID(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImagesUpdateInvalidatesCache(t *testing.T) {
	var db, mock, cache = newTestRepoDeps(t)
	var repo = NewImages(db, cache)
	var ctx = context.Background()

	// Seed the cached projection via a read.
	mock.ExpectQuery("SELECT (.+) FROM images WHERE id =").
		WithArgs("img-2").
		WillReturnRows(sqlmock.NewRows(imageRowColumns).AddRow(
			"img-2", "blob://receipts/k2-original.jpg", nil, int64(2048), "image/png",
			nil, nil, nil, nil, time.Now().UTC()))
	var _, err = repo.FindByID(ctx, "img-2")
	require.NoError(t, err)

	var processed = "blob://receipts/k2-processed.jpg"
	mock.ExpectExec("UPDATE images SET processed_url =").
		WithArgs(processed, "img-2").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Update(ctx, "img-2", ImagePatch{ProcessedURL: &processed}))

	// The stale projection is gone; the next read goes to the store again.
	ok, err := cache.Exists(ctx, "images:meta:img-2")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestImagesUpdateUnknownIDIsNotFound(t *testing.T) {
	var db, mock, cache = newTestRepoDeps(t)
	var repo = NewImages(db, cache)

	var processed = "blob://receipts/x.jpg"
	mock.ExpectExec("UPDATE images SET processed_url =").
		WithArgs(processed, "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	var err = repo.Update(context.Background(), "ghost", ImagePatch{ProcessedURL: &processed})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestImagesUpdateWithEmptyPatchIsNoop(t *testing.T) {
	var db, mock, cache = newTestRepoDeps(t)
	var repo = NewImages(db, cache)

	require.NoError(t, repo.Update(context.Background(), "img-3", ImagePatch{}))
	require.NoError(t, mock.ExpectationsWereMet())
}
