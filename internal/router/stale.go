package router

import (
	"context"
	"sync"
	"time"

	"routeline/internal/domain"
	"routeline/internal/events"
	"routeline/internal/repo"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	// one extra row lets paginating callers detect a next page
	maxListFetch     = maxListLimit + 1
	staleSweepBudget = 2 * time.Second
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListFetch {
		return maxListFetch
	}
	return limit
}

func (r *Router) staleCutoff() time.Time {
	return r.now().Add(-r.Config.Routing.StaleBlockedAfter)
}

func (r *Router) flagStale(a *domain.Action) {
	a.FlagStale(r.staleCutoff())
}

// Get returns the committed action with its stale flag projected.
func (r *Router) Get(ctx context.Context, id string) (domain.Action, error) {
	a, err := r.Repo.GetAction(ctx, id)
	if err != nil {
		return domain.Action{}, err
	}
	r.flagStale(&a)
	return a, nil
}

func (r *Router) List(ctx context.Context, f repo.ActionFilters) ([]domain.Action, error) {
	f.Limit = normalizeLimit(f.Limit)
	f.StaleBefore = r.staleCutoff()
	res, err := r.Repo.ListActions(ctx, f)
	if err != nil {
		return nil, err
	}
	if res == nil {
		res = []domain.Action{}
	}
	return res, nil
}

// ListStale returns pending blocked actions that have waited past stale_blocked_after.
func (r *Router) ListStale(ctx context.Context, limit int) ([]domain.Action, error) {
	return r.List(ctx, repo.ActionFilters{StaleOnly: true, Limit: limit})
}

// StaleMonitor reports blocked actions the first time they are seen stale. It only
// observes; stale actions are never approved or rejected on a timer.
type StaleMonitor struct {
	Router   *Router
	Interval time.Duration

	mu       sync.Mutex
	reported map[string]struct{}
}

func (m *StaleMonitor) Run(ctx context.Context) {
	interval := m.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepCtx, cancel := context.WithTimeout(ctx, staleSweepBudget)
			n, err := m.Sweep(sweepCtx)
			cancel()
			if err != nil {
				m.Router.Log.Warn().Err(err).Msg("Stale action sweep failed")
				continue
			}
			if n > 0 {
				m.Router.Log.Info().Int("count", n).Msg("Stale blocked actions flagged")
			}
		}
	}
}

// Sweep records an audit event for each newly stale action and returns how many it found.
func (m *StaleMonitor) Sweep(ctx context.Context) (int, error) {
	r := m.Router
	stale, err := r.Repo.ListActions(ctx, repo.ActionFilters{StaleOnly: true, StaleBefore: r.staleCutoff(), Limit: maxListLimit})
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reported == nil {
		m.reported = map[string]struct{}{}
	}
	current := make(map[string]struct{}, len(stale))
	var fresh []domain.Action
	for _, a := range stale {
		current[a.ID] = struct{}{}
		if _, ok := m.reported[a.ID]; !ok {
			fresh = append(fresh, a)
		}
	}
	// Forget actions that left the stale set so the map stays bounded.
	for id := range m.reported {
		if _, ok := current[id]; !ok {
			delete(m.reported, id)
		}
	}
	if len(fresh) == 0 {
		return 0, nil
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	now := r.now()
	for _, a := range fresh {
		waited := now.Sub(a.StartedAt).Round(time.Second)
		if err := r.Events.Append(ctx, tx, "action.stale", events.KindAction, a.ID, "system", events.EventPayload{
			"agent_id":   a.AgentID,
			"started_at": domain.FormatTime(a.StartedAt),
			"waited":     waited.String(),
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	for _, a := range fresh {
		m.reported[a.ID] = struct{}{}
		r.Log.Warn().Str("action_id", a.ID).Str("agent_id", a.AgentID).Time("started_at", a.StartedAt).Msg("Blocked action awaiting approval past threshold")
	}
	return len(fresh), nil
}
