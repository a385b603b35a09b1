package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"routeline/internal/domain"
)

type memorySource struct {
	mu   sync.Mutex
	evts []domain.Event
}

func (m *memorySource) EventsAfter(_ context.Context, limit int, cursor int64) ([]domain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Event
	for _, e := range m.evts {
		if e.ID > cursor {
			out = append(out, e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func TestFeedDeliversInOrderAndRetriesFailures(t *testing.T) {
	src := &memorySource{}
	for i := int64(1); i <= 5; i++ {
		src.evts = append(src.evts, domain.Event{ID: i, Type: "action.submitted"})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		got    []int64
		failed bool
		errs   int
	)
	feed := Feed{Source: src, Interval: 5 * time.Millisecond, Batch: 2, OnError: func(error) {
		mu.Lock()
		errs++
		mu.Unlock()
	}}
	done := make(chan error, 1)
	go func() {
		done <- feed.Run(ctx, 0, func(e domain.Event) error {
			mu.Lock()
			defer mu.Unlock()
			if e.ID == 3 && !failed {
				failed = true
				return errors.New("boom")
			}
			got = append(got, e.ID)
			if len(got) == 5 {
				cancel()
			}
			return nil
		})
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not finish")
	}
	require.Equal(t, []int64{1, 2, 3, 4, 5}, got)
	require.Equal(t, 1, errs)
}
