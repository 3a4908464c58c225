// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

// Package progress fans ledger run events out to in-process listeners.
//
// The ledger publishes an event after every committed change of a run. The
// bus carries them over a watermill gochannel so the websocket hub, and any
// other listener, receives them without the ledger knowing who listens.
// Delivery is ordered and best effort: a listener that falls behind misses
// intermediate events, and the version counter on every event lets it
// notice.
package progress

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
)

// Topic is the watermill topic run events are published on.
const Topic = "runs"

const subscriberBuffer = 64

// ErrClosed is returned by Subscribe after Close.
var ErrClosed = errors.New("progress bus closed")

// Bus implements ledger.Notifier over a watermill gochannel.
type Bus struct {
	pubsub    *gochannel.GoChannel
	closed    atomic.Bool
	published atomic.Int64
	dropped   atomic.Int64
}

var _ ledger.Notifier = (*Bus)(nil)

// New creates a bus. buffer is the per-subscriber output buffer.
func New(buffer int64) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	logger := watermill.NewSlogLogger(logging.NewSlogLogger())
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: buffer,
			// Acks arrive as soon as a subscriber decodes the event, so
			// this only serializes delivery and keeps events ordered.
			BlockPublishUntilSubscriberAck: true,
		}, logger),
	}
}

// RunChanged publishes e. It never blocks the ledger.
func (b *Bus) RunChanged(e ledger.Event) {
	if b.closed.Load() {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		logging.Warn().Err(err).Str("run_id", e.RunID).Msg("Failed to encode run event")
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("run_id", e.RunID)
	msg.Metadata.Set("kind", string(e.Kind))
	if err := b.pubsub.Publish(Topic, msg); err != nil {
		b.dropped.Add(1)
		logging.Debug().Err(err).Str("run_id", e.RunID).Msg("Run event not published")
		return
	}
	b.published.Add(1)
}

// Subscribe returns every event published after the call until ctx ends.
// The channel is closed when ctx is done or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan ledger.Event, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	msgs, err := b.pubsub.Subscribe(ctx, Topic)
	if err != nil {
		return nil, err
	}
	out := make(chan ledger.Event, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range msgs {
			var e ledger.Event
			err := json.Unmarshal(msg.Payload, &e)
			msg.Ack()
			if err != nil {
				continue
			}
			select {
			case out <- e:
			default:
				b.dropped.Add(1)
			}
		}
	}()
	return out, nil
}

// Stats reports published and dropped event counts.
func (b *Bus) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

// Close stops the bus and closes every subscription.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.pubsub.Close()
}
