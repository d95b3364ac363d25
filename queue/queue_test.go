package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/receiptflow/gateway/store"
)

func TestTaskRoundTrip(t *testing.T) {
	var enqueued = time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	var job = Job{
		ImageID:           "img-1",
		RecognitionID:     "rec-1",
		SourceService:     "bot",
		AcceptedQRFormats: []store.QRFormat{store.QRFormatFiscal},
		AlignmentMode:     "neural",
		EnqueuedAt:        enqueued,
	}

	var task, err = NewTask(job)
	require.NoError(t, err)
	require.Equal(t, TypeRecognize, task.Type())

	parsed, err := ParseJob(task)
	require.NoError(t, err)
	require.Equal(t, job, parsed)
}

func TestParseJobRejectsMalformedPayload(t *testing.T) {
	var task = asynq.NewTask(TypeRecognize, []byte("{not json"))
	var _, err = ParseJob(task)
	require.Error(t, err)
}

func TestAcceptsFormat(t *testing.T) {
	var open = Job{}
	require.True(t, open.AcceptsFormat(store.QRFormatFiscal))
	require.True(t, open.AcceptsFormat(store.QRFormatUnknown))

	var fiscalOnly = Job{AcceptedQRFormats: []store.QRFormat{store.QRFormatFiscal}}
	require.True(t, fiscalOnly.AcceptsFormat(store.QRFormatFiscal))
	require.False(t, fiscalOnly.AcceptsFormat(store.QRFormatURL))
}
