package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"routeline/internal/config"
	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts audit events to the configured subscribers. Each webhook tails
// the audit log on its own cursor, so a slow subscriber never delays another.
type WebhookDispatcher struct {
	Repo     repo.Repo
	Webhooks []config.Webhook
	Log      zerolog.Logger
	Interval time.Duration

	client *http.Client
	wg     sync.WaitGroup
}

// StartWebhooks launches one feed per enabled webhook. Delivery starts after the newest
// event at start time. It returns nil when no webhook is enabled.
func StartWebhooks(ctx context.Context, r repo.Repo, hooks []config.Webhook, logger zerolog.Logger) (*WebhookDispatcher, error) {
	var enabled []config.Webhook
	for _, hook := range hooks {
		if hook.Enabled && strings.TrimSpace(hook.URL) != "" {
			enabled = append(enabled, hook)
		}
	}
	if len(enabled) == 0 {
		return nil, nil
	}
	cursor, err := r.LatestEventID(ctx)
	if err != nil {
		return nil, fmt.Errorf("init webhook cursor: %w", err)
	}
	d := &WebhookDispatcher{
		Repo:     r,
		Webhooks: enabled,
		Log:      logger.With().Str("component", "webhooks").Logger(),
		Interval: defaultWebhookInterval,
	}
	d.start(ctx, cursor)
	return d, nil
}

func (d *WebhookDispatcher) start(ctx context.Context, cursor int64) {
	if d.client == nil {
		d.client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	for _, hook := range d.Webhooks {
		hook := hook
		filter := newEventFilter(hook.Events)
		feed := events.Feed{
			Source:   d.Repo,
			Interval: d.Interval,
			Batch:    defaultWebhookBatch,
			OnError: func(err error) {
				d.Log.Warn().Err(err).Str("webhook", hook.ID).Str("url", hook.URL).Msg("Webhook delivery failed")
			},
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			var failing int64
			attempts := 0
			_ = feed.Run(ctx, cursor, func(evt domain.Event) error {
				if !filter.match(evt.Type) {
					return nil
				}
				err := d.postEvent(ctx, hook, evt)
				if err == nil {
					attempts = 0
					return nil
				}
				if evt.ID != failing {
					failing, attempts = evt.ID, 0
				}
				attempts++
				if hook.MaxAttempts > 0 && attempts >= hook.MaxAttempts {
					d.Log.Error().Err(err).Str("webhook", hook.ID).Int64("event_id", evt.ID).Int("attempts", attempts).Msg("Webhook gave up on event")
					attempts = 0
					return nil
				}
				return err
			})
		}()
	}
}

// Wait blocks until every feed has stopped.
func (d *WebhookDispatcher) Wait() {
	if d != nil {
		d.wg.Wait()
	}
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		if timeout := time.Duration(hook.TimeoutSeconds) * time.Second; timeout != client.Timeout {
			client = &http.Client{Timeout: timeout}
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Routeline-Event", evt.Type)
	req.Header.Set("X-Routeline-Delivery", fmt.Sprintf("%d", evt.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Routeline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("webhook %s: status %d: %s", hook.URL, res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	d.Log.Debug().Str("webhook", hook.ID).Int64("event_id", evt.ID).Str("type", evt.Type).Msg("Webhook delivered")
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(types []string) eventFilter {
	if len(types) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(types))
	for _, evt := range types {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
