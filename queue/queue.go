// Package queue defines the durable job queue between the ingest process
// and the recognition worker fleet. Delivery is at-least-once; the worker's
// terminal writes are idempotent with respect to redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/receiptflow/gateway/store"
)

// Name is the single FIFO queue carrying recognition jobs.
const Name = "ocr-jobs"

// TypeRecognize is the asynq task type of a recognition job.
const TypeRecognize = "ocr:recognize"

// Retry policy: 3 total attempts with exponential backoff from 2s.
// Completed task artifacts are retained for a day.
const (
	maxRetry       = 2
	retryBaseDelay = 2 * time.Second
	retention      = 24 * time.Hour
)

// Job is the envelope enqueued per recognition. Fields are read-only after
// dequeue.
type Job struct {
	ImageID           string           `json:"imageId"`
	RecognitionID     string           `json:"recognitionId"`
	SourceService     string           `json:"sourceService,omitempty"`
	SourceReference   string           `json:"sourceReference,omitempty"`
	AcceptedQRFormats []store.QRFormat `json:"acceptedQrFormats,omitempty"`
	AlignmentMode     string           `json:"alignmentMode,omitempty"`
	EnqueuedAt        time.Time        `json:"enqueuedAt"`
}

// AcceptsFormat reports whether the job accepts a QR result of |format|.
// An absent filter accepts every format.
func (j *Job) AcceptsFormat(format store.QRFormat) bool {
	if len(j.AcceptedQRFormats) == 0 {
		return true
	}
	for _, f := range j.AcceptedQRFormats {
		if f == format {
			return true
		}
	}
	return false
}

// NewTask packs |job| into an asynq task with the queue's retry policy.
func NewTask(job Job) (*asynq.Task, error) {
	var payload, err = json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("encoding job envelope: %w", err)
	}
	return asynq.NewTask(TypeRecognize, payload,
		asynq.Queue(Name),
		asynq.MaxRetry(maxRetry),
		asynq.Retention(retention),
	), nil
}

// ParseJob unpacks a job envelope from a dequeued task.
func ParseJob(task *asynq.Task) (Job, error) {
	var job Job
	if err := json.Unmarshal(task.Payload(), &job); err != nil {
		return Job{}, fmt.Errorf("decoding job envelope: %w", err)
	}
	return job, nil
}

// Client enqueues recognition jobs and inspects queue depth.
type Client struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewClient builds a queue client over the shared Redis.
func NewClient(opt asynq.RedisConnOpt) *Client {
	return &Client{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
	}
}

// Enqueue pushes |job| onto the queue.
func (c *Client) Enqueue(ctx context.Context, job Job) error {
	var task, err = NewTask(job)
	if err != nil {
		return err
	}
	if _, err = c.client.EnqueueContext(ctx, task); err != nil {
		return fmt.Errorf("enqueueing job for recognition %s: %w", job.RecognitionID, err)
	}
	return nil
}

// PendingCount returns the number of jobs waiting in the queue.
func (c *Client) PendingCount(context.Context) (int, error) {
	var info, err = c.inspector.GetQueueInfo(Name)
	if err != nil {
		return 0, fmt.Errorf("inspecting queue %s: %w", Name, err)
	}
	return info.Pending, nil
}

// Close releases the underlying connections.
func (c *Client) Close() error {
	var err = c.client.Close()
	if closeErr := c.inspector.Close(); err == nil {
		err = closeErr
	}
	return err
}

// NewServer builds the asynq server consuming the queue with |concurrency|
// executors and the queue's retry backoff.
func NewServer(opt asynq.RedisConnOpt, concurrency int) *asynq.Server {
	return asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{Name: 1},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return retryBaseDelay << n
		},
	})
}
