package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"routeline/internal/config"
)

const defaultSendTimeout = 5 * time.Second

// Sender delivers a notification over one channel integration.
type Sender interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// NewSenders builds senders for the configured channels.
func NewSenders(channels map[string]config.Channel, logger zerolog.Logger) ([]Sender, error) {
	names := make([]string, 0, len(channels))
	for name := range channels {
		names = append(names, name)
	}
	sort.Strings(names)
	var out []Sender
	for _, name := range names {
		ch := channels[name]
		switch ch.Kind {
		case config.ChannelWebhook:
			out = append(out, NewWebhookSender(name, ch))
		case config.ChannelLog:
			out = append(out, LogSender{ChannelName: name, Log: logger})
		default:
			return nil, fmt.Errorf("channel %s: unknown kind %q", name, ch.Kind)
		}
	}
	return out, nil
}

// WebhookSender POSTs the notification as JSON.
type WebhookSender struct {
	ChannelName string
	URL         string
	Secret      string
	Client      *http.Client
}

func NewWebhookSender(name string, ch config.Channel) *WebhookSender {
	timeout := defaultSendTimeout
	if ch.TimeoutSeconds > 0 {
		timeout = time.Duration(ch.TimeoutSeconds) * time.Second
	}
	return &WebhookSender{ChannelName: name, URL: ch.URL, Secret: ch.Secret, Client: &http.Client{Timeout: timeout}}
}

func (s *WebhookSender) Name() string { return s.ChannelName }

func (s *WebhookSender) Send(ctx context.Context, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Routeline-Request-Id", n.RequestID)
	req.Header.Set("X-Routeline-Attempt", strconv.Itoa(n.Attempt))
	if strings.TrimSpace(s.Secret) != "" {
		req.Header.Set("X-Routeline-Secret", s.Secret)
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSendTimeout}
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogSender writes the notification to the structured log. Useful as a default channel.
type LogSender struct {
	ChannelName string
	Log         zerolog.Logger
}

func (s LogSender) Name() string { return s.ChannelName }

func (s LogSender) Send(_ context.Context, n Notification) error {
	s.Log.Info().
		Str("channel", s.ChannelName).
		Str("request_id", n.RequestID).
		Str("action_id", n.ActionID).
		Str("incident_id", n.IncidentID).
		Str("agent", n.AgentName).
		Str("target", n.Target).
		Strs("recipients", n.Recipients).
		Int("confidence", n.Confidence).
		Str("basis", n.Basis).
		Msg("Owner notification")
	return nil
}
