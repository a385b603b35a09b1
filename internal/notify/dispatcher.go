// Package notify delivers attribution-enriched alerts to humans with at-least-once
// semantics and starts the time-to-intervention clock on confirmed delivery.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"routeline/internal/config"
	"routeline/internal/domain"
	"routeline/internal/metrics"
)

// IncidentSink receives delivery outcomes for notifications tied to an incident.
type IncidentSink interface {
	MarkNotified(ctx context.Context, incidentID string, receipt domain.NotificationReceipt) error
	RecordDispatchExhausted(ctx context.Context, incidentID string, n Notification, attempts int, cause error) error
}

// Task is a queued notification request.
type Task struct {
	Action      domain.Action
	Attribution domain.Attribution
	IncidentID  string
	EnqueuedAt  time.Time
}

type Options struct {
	Senders   []Sender
	Sink      IncidentSink
	Retry     config.Retry
	Workers   int
	QueueSize int
	// Backlog bounds tasks waiting for queue space once the queue is full; beyond it
	// tasks are dropped. Defaults to QueueSize.
	Backlog       int
	RatePerSecond float64
	Log           zerolog.Logger
	Now           func() time.Time
}

type Dispatcher struct {
	senders  []Sender
	limiters map[string]*rate.Limiter
	sink     IncidentSink
	retry    config.Retry
	workers  int
	queue    chan Task
	backlog  chan struct{}
	log      zerolog.Logger
	now      func() time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	started bool
	stopped bool
}

func NewDispatcher(opts Options) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 1
	}
	if opts.Backlog < 1 {
		opts.Backlog = opts.QueueSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Retry.Multiplier < 1 {
		opts.Retry.Multiplier = 1
	}
	limiters := make(map[string]*rate.Limiter, len(opts.Senders))
	for _, s := range opts.Senders {
		if opts.RatePerSecond > 0 {
			burst := int(math.Ceil(opts.RatePerSecond))
			limiters[s.Name()] = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
		} else {
			limiters[s.Name()] = rate.NewLimiter(rate.Inf, 1)
		}
	}
	return &Dispatcher{
		senders:  opts.Senders,
		limiters: limiters,
		sink:     opts.Sink,
		retry:    opts.Retry,
		workers:  opts.Workers,
		queue:    make(chan Task, opts.QueueSize),
		backlog:  make(chan struct{}, opts.Backlog),
		log:      opts.Log,
		now:      opts.Now,
		done:     make(chan struct{}),
	}
}

// SetSink wires the incident sink after construction.
func (d *Dispatcher) SetSink(sink IncidentSink) {
	d.sink = sink
}

// Start launches the worker pool. Workers stop when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Stop cancels workers and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	d.stopped = true
	d.cancel()
	close(d.done)
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue schedules a notification without blocking the caller. When the queue is
// full the hand-off continues in the background, up to the backlog limit; past it the
// task is dropped.
func (d *Dispatcher) Enqueue(t Task) {
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = d.now()
	}
	select {
	case d.queue <- t:
		return
	default:
	}
	select {
	case d.backlog <- struct{}{}:
	default:
		metrics.RecordNotification("queue", "dropped")
		d.log.Error().Str("action_id", t.Action.ID).Msg("Notification backlog full; dropping")
		return
	}
	d.log.Warn().Str("action_id", t.Action.ID).Msg("Notification queue full; deferring hand-off")
	go func() {
		defer func() { <-d.backlog }()
		select {
		case d.queue <- t:
		case <-d.done:
			metrics.RecordNotification("queue", "dropped")
			d.log.Error().Str("action_id", t.Action.ID).Msg("Dispatcher stopped before notification was queued")
		}
	}()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-d.queue:
			receipt, err := d.Notify(ctx, t.Attribution, t.Action, t.IncidentID)
			if err != nil {
				d.log.Error().Err(err).Str("action_id", t.Action.ID).Str("incident_id", t.IncidentID).Msg("Notification not delivered")
				continue
			}
			metrics.RecordDispatchLatency(receipt.DeliveredAt.Sub(t.EnqueuedAt))
		}
	}
}

// Notify delivers to the owners' channels, or to every configured channel when none
// of them names a sender, retrying each with bounded exponential backoff. It succeeds
// when at least one channel confirmed delivery. The incident's TTI clock starts at the
// first confirmation without waiting for slower channels; channels that run out of
// attempts are recorded on the incident timeline.
func (d *Dispatcher) Notify(ctx context.Context, attr domain.Attribution, action domain.Action, incidentID string) (domain.NotificationReceipt, error) {
	base := Build(action, attr, incidentID, d.now())
	receipt := domain.NotificationReceipt{
		RequestID:  base.RequestID,
		ActionID:   action.ID,
		IncidentID: incidentID,
		Channels:   []string{},
		Recipients: base.Recipients,
	}
	senders := d.route(attr.Channels)
	if len(senders) == 0 {
		return receipt, fmt.Errorf("%w: no notification channels configured", domain.ErrDispatchExhausted)
	}

	type outcome struct {
		channel     string
		attempts    int
		confirmedAt time.Time
		err         error
	}
	results := make([]outcome, len(senders))
	var (
		wg    sync.WaitGroup
		first sync.Once
	)
	for i, s := range senders {
		wg.Add(1)
		go func(i int, s Sender) {
			defer wg.Done()
			attempts, err := d.deliver(ctx, s, base)
			r := outcome{channel: s.Name(), attempts: attempts, err: err}
			if err == nil {
				r.confirmedAt = d.now().UTC()
				first.Do(func() {
					early := receipt
					early.Channels = []string{r.channel}
					early.Attempts = r.attempts
					early.DeliveredAt = r.confirmedAt
					d.markNotified(ctx, early)
				})
			}
			results[i] = r
		}(i, s)
	}
	wg.Wait()

	var errs []error
	for _, r := range results {
		if r.attempts > receipt.Attempts {
			receipt.Attempts = r.attempts
		}
		if r.err == nil {
			receipt.Channels = append(receipt.Channels, r.channel)
			if receipt.DeliveredAt.IsZero() || r.confirmedAt.Before(receipt.DeliveredAt) {
				receipt.DeliveredAt = r.confirmedAt
			}
			metrics.RecordNotification(r.channel, "delivered")
			continue
		}
		metrics.RecordNotification(r.channel, "exhausted")
		errs = append(errs, fmt.Errorf("%s: %w", r.channel, r.err))
		if incidentID != "" && d.sink != nil && ctx.Err() == nil {
			if err := d.sink.RecordDispatchExhausted(ctx, incidentID, base, r.attempts, r.err); err != nil {
				d.log.Error().Err(err).Str("incident_id", incidentID).Msg("Failed to record dispatch exhaustion")
			}
		}
	}
	if len(receipt.Channels) == 0 {
		return receipt, fmt.Errorf("%w: %v", domain.ErrDispatchExhausted, errors.Join(errs...))
	}
	return receipt, nil
}

func (d *Dispatcher) markNotified(ctx context.Context, receipt domain.NotificationReceipt) {
	if receipt.IncidentID == "" || d.sink == nil {
		return
	}
	if err := d.sink.MarkNotified(ctx, receipt.IncidentID, receipt); err != nil {
		d.log.Error().Err(err).Str("incident_id", receipt.IncidentID).Msg("Failed to start TTI clock")
	}
}

// route picks the senders named by the owners' channels. Owner channels that match no
// sender are left to the receivers of the fan-out.
func (d *Dispatcher) route(channels []string) []Sender {
	if len(channels) == 0 {
		return d.senders
	}
	wanted := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		wanted[c] = struct{}{}
	}
	var out []Sender
	for _, s := range d.senders {
		if _, ok := wanted[s.Name()]; ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return d.senders
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, s Sender, n Notification) (int, error) {
	limiter := d.limiters[s.Name()]
	var lastErr error
	for attempt := 1; attempt <= d.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := Backoff(d.retry, attempt-1)
			d.log.Warn().
				Str("channel", s.Name()).
				Str("action_id", n.ActionID).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("Retrying notification after backoff")
			if err := sleep(ctx, delay); err != nil {
				return attempt - 1, err
			}
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return attempt - 1, err
			}
		}
		n.Attempt = attempt
		metrics.RecordNotificationAttempt()
		err := s.Send(ctx, n)
		if err == nil {
			if attempt > 1 {
				d.log.Info().Str("channel", s.Name()).Str("action_id", n.ActionID).Int("attempt", attempt).Msg("Notification delivered after retry")
			}
			return attempt, nil
		}
		lastErr = err
		d.log.Warn().Err(err).Str("channel", s.Name()).Str("action_id", n.ActionID).Int("attempt", attempt).Msg("Notification attempt failed")
	}
	return d.retry.MaxAttempts, fmt.Errorf("failed after %d attempts: %w", d.retry.MaxAttempts, lastErr)
}

// Backoff returns the delay before retry number n (1-based): base * multiplier^(n-1),
// capped at the maximum delay.
func Backoff(p config.Retry, n int) time.Duration {
	if n < 1 {
		return 0
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(n-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(delay)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
