package events

import (
	"context"
	"time"

	"routeline/internal/domain"
)

// Source returns audit events with ids greater than cursor in ascending order.
type Source interface {
	EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error)
}

// Feed tails the audit log. Webhook delivery and the live stream both consume it.
type Feed struct {
	Source   Source
	Interval time.Duration
	Batch    int
	// OnError observes fetch and handler failures; the feed retries on the next tick.
	OnError func(error)
}

// Run delivers every event after cursor to fn until ctx is done. The cursor only
// advances past events fn accepted, so a failed delivery is retried on the next tick.
func (f Feed) Run(ctx context.Context, cursor int64, fn func(domain.Event) error) error {
	interval := f.Interval
	if interval <= 0 {
		interval = time.Second
	}
	batch := f.Batch
	if batch <= 0 {
		batch = 100
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		cursor = f.drain(ctx, cursor, batch, fn)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f Feed) drain(ctx context.Context, cursor int64, batch int, fn func(domain.Event) error) int64 {
	for ctx.Err() == nil {
		evts, err := f.Source.EventsAfter(ctx, batch, cursor)
		if err != nil {
			f.report(ctx, err)
			return cursor
		}
		for _, evt := range evts {
			if err := fn(evt); err != nil {
				f.report(ctx, err)
				return cursor
			}
			cursor = evt.ID
		}
		if len(evts) < batch {
			return cursor
		}
	}
	return cursor
}

func (f Feed) report(ctx context.Context, err error) {
	if f.OnError != nil && ctx.Err() == nil {
		f.OnError(err)
	}
}
