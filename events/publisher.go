package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Publisher emits lifecycle events onto the bus. Implementations must be
// safe for concurrent use and must never fail a caller: publication is
// best-effort by contract.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// BusPublisher publishes events as JSON on a Redis pub/sub channel.
type BusPublisher struct {
	rdb     *redis.Client
	channel string
}

// NewBusPublisher builds a BusPublisher over |rdb| for the standard channel.
func NewBusPublisher(rdb *redis.Client) *BusPublisher {
	return &BusPublisher{rdb: rdb, channel: Channel}
}

// Publish marshals |event| and publishes it. Failures are logged and
// swallowed.
func (p *BusPublisher) Publish(ctx context.Context, event Event) {
	var encoded, err = json.Marshal(event)
	if err != nil {
		log.WithFields(log.Fields{"kind": event.Kind(), "err": err}).
			Warn("failed to encode bus event")
		return
	}
	if err = p.rdb.Publish(ctx, p.channel, encoded).Err(); err != nil {
		log.WithFields(log.Fields{"kind": event.Kind(), "err": err}).
			Warn("failed to publish bus event")
	}
}

// NopPublisher discards all events. It stands in when the bus is not
// configured, and in tests.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(context.Context, Event) {}
