// Package engine wires the routing components together and owns the administrative
// operations that span them: rule edits, ownership syncs and dashboard metrics.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"routeline/internal/config"
	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/incident"
	"routeline/internal/metrics"
	"routeline/internal/notify"
	"routeline/internal/ownership"
	"routeline/internal/repo"
	"routeline/internal/router"
	"routeline/internal/ruleset"
)

const (
	staleSweepInterval  = time.Minute
	inlineNotifyTimeout = 30 * time.Second
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Log    zerolog.Logger
	Now    func() time.Time

	Graph      *ownership.Graph
	Rules      *ruleset.Engine
	Dispatcher *notify.Dispatcher
	Incidents  *incident.Manager
	Router     *router.Router

	ruleMu sync.Mutex
	ownMu  sync.Mutex
	// catalog versions the published snapshots reflect
	rulesSeen     atomic.Int64
	ownershipSeen atomic.Int64

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Options struct {
	Log zerolog.Logger
	Now func() time.Time
	// Senders overrides the channels built from config.
	Senders []notify.Sender
	// InlineNotify delivers notifications before Submit returns. One-shot CLI
	// processes use it since they exit before a worker would pick the task up.
	InlineNotify bool
}

// New builds the engine and loads rules and ownership from the database. Background
// work starts only with Start.
func New(ctx context.Context, db *sql.DB, cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	e := &Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Log:    opts.Log,
		Now:    opts.Now,
		Graph:  ownership.NewGraph(),
		Rules:  ruleset.New(),
	}
	e.Events = events.Writer{DB: db, Now: e.now}
	senders := opts.Senders
	if senders == nil {
		var err error
		senders, err = notify.NewSenders(cfg.Notifications.Channels, e.Log.With().Str("component", "notify").Logger())
		if err != nil {
			return nil, err
		}
	}
	e.Incidents = incident.NewManager(db, cfg, e.Log.With().Str("component", "incident").Logger(), e.now)
	e.Dispatcher = notify.NewDispatcher(notify.Options{
		Senders:       senders,
		Sink:          e.Incidents,
		Retry:         cfg.Notifications.Retry,
		Workers:       cfg.Notifications.Workers,
		QueueSize:     cfg.Notifications.QueueSize,
		RatePerSecond: cfg.Notifications.RatePerSecond,
		Log:           e.Log.With().Str("component", "notify").Logger(),
		Now:           e.now,
	})
	var notifier router.Notifier = e.Dispatcher
	if opts.InlineNotify {
		notifier = inlineNotifier{d: e.Dispatcher, log: e.Log.With().Str("component", "notify").Logger()}
	}
	e.Router = &router.Router{
		DB:        db,
		Repo:      e.Repo,
		Events:    e.Events,
		Config:    cfg,
		Rules:     e.Rules,
		Owners:    e.Graph,
		Incidents: e.Incidents,
		Notifier:  notifier,
		Log:       e.Log.With().Str("component", "router").Logger(),
		Now:       e.now,
	}
	if err := e.loadRules(ctx); err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	if err := e.loadOwnership(ctx); err != nil {
		return nil, fmt.Errorf("load ownership: %w", err)
	}
	return e, nil
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

// Start launches the dispatcher workers, the stale sweeper, the catalog poller and the
// ownership file watcher when one is configured.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.Dispatcher.Start(ctx)

	monitor := &router.StaleMonitor{Router: e.Router, Interval: staleSweepInterval}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		monitor.Run(ctx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollCatalogs(ctx)
	}()

	if path := e.Config.Ownership.File; path != "" {
		w := &ownership.Watcher{
			Path:         path,
			PollInterval: e.Config.Ownership.PollInterval,
			Log:          e.Log.With().Str("component", "ownership").Logger(),
			Sync: func(ctx context.Context, services []domain.ServiceOwnership) error {
				_, err := e.SyncOwnership(ctx, services, "ownership-file")
				return err
			},
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				e.Log.Error().Err(err).Str("path", path).Msg("Ownership watcher stopped")
			}
		}()
	}
}

// Stop halts background work and waits for it. Queued notifications are dropped.
func (e *Engine) Stop() {
	e.runMu.Lock()
	cancel := e.cancel
	e.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.Dispatcher.Stop()
	e.wg.Wait()
}

// Submit routes an agent intent against the latest committed rules and ownership.
func (e *Engine) Submit(ctx context.Context, intent domain.ActionIntent) (domain.Action, error) {
	if err := e.refreshCatalogs(ctx); err != nil {
		return domain.Action{}, err
	}
	return e.Router.Submit(ctx, intent)
}

// ImportConfig validates and persists cfg as the effective configuration. Running
// components keep their current settings until the next start.
func (e *Engine) ImportConfig(ctx context.Context, cfg *config.Config, actorID string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertConfigTx(ctx, tx, cfg, e.now()); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "config.imported", events.KindConfig, "config", actorID, events.EventPayload{
		"timezone": cfg.Routing.Timezone,
		"channels": len(cfg.Notifications.Channels),
		"webhooks": len(cfg.Webhooks),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AuditEvents lists audit events newest first.
func (e *Engine) AuditEvents(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	evts, err := e.Repo.LatestEvents(ctx, normalizeLimit(limit), cursor, evtType, entityKind, entityID)
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}

// Metrics summarises the last 24 hours for the dashboard.
func (e *Engine) Metrics(ctx context.Context, now time.Time) (domain.Metrics, error) {
	since := now.Add(-24 * time.Hour)
	as, err := e.Repo.ActionStats(ctx, since, now.Add(-e.Config.Routing.StaleBlockedAfter), 5)
	if err != nil {
		return domain.Metrics{}, fmt.Errorf("action stats: %w", err)
	}
	is, err := e.Repo.IncidentStats(ctx, since)
	if err != nil {
		return domain.Metrics{}, fmt.Errorf("incident stats: %w", err)
	}
	return domain.Metrics{
		TotalActions24h:      as.Total,
		ActionsByRouting:     as.ByRouting,
		AvgTTI:               is.AvgTTI,
		IncidentsOpen:        is.Open,
		IncidentsResolved24h: is.Resolved,
		ActiveAgents:         as.ActiveAgents,
		TopAgents:            as.TopAgents,
		StaleBlocked:         as.StaleBlocked,
	}, nil
}

// Summary is Metrics as of now.
func (e *Engine) Summary(ctx context.Context) (domain.Metrics, error) {
	return e.Metrics(ctx, e.now())
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

// loadOwnership replaces the graph with the committed catalog. Callers hold ownMu
// once the engine is shared.
func (e *Engine) loadOwnership(ctx context.Context) error {
	v, err := e.Repo.GetCatalogVersions(ctx)
	if err != nil {
		return err
	}
	services, err := e.Repo.ListOwnership(ctx)
	if err != nil {
		return err
	}
	snap, err := e.Graph.Replace(services)
	if err != nil {
		return err
	}
	e.ownershipSeen.Store(v.Ownership)
	metrics.SetOwnershipSnapshotSize(snap.Len())
	e.Log.Debug().Uint64("generation", snap.Generation).Int64("catalog_version", v.Ownership).Msg("Ownership loaded")
	return nil
}

type inlineNotifier struct {
	d   *notify.Dispatcher
	log zerolog.Logger
}

func (n inlineNotifier) Enqueue(t notify.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), inlineNotifyTimeout)
	defer cancel()
	if _, err := n.d.Notify(ctx, t.Attribution, t.Action, t.IncidentID); err != nil {
		n.log.Warn().Err(err).Str("action_id", t.Action.ID).Msg("Notification not delivered")
	}
}
