package incident

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"routeline/internal/config"
	"routeline/internal/db"
	"routeline/internal/domain"
	"routeline/internal/migrate"
	"routeline/internal/notify"
)

var t0 = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newManager(t *testing.T, mutate ...func(*config.Config)) (*Manager, *clock) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	for _, fn := range mutate {
		fn(cfg)
	}
	c := &clock{now: t0}
	return NewManager(conn, cfg, zerolog.Nop(), c.Now), c
}

func TestOpenDefaultsSeverityAndSeedsTimeline(t *testing.T) {
	m, _ := newManager(t)
	inc, err := m.Open(context.Background(), OpenRequest{Title: "Payments degraded", AffectedServices: []string{"payments-service"}})
	require.NoError(t, err)
	assert.Equal(t, domain.SeverityMedium, inc.Severity)
	assert.Equal(t, domain.IncidentInvestigating, inc.Status)
	require.Len(t, inc.Timeline, 1)
	assert.Equal(t, domain.EventAlert, inc.Timeline[0].Type)
	assert.Nil(t, inc.TTI)
	assert.Nil(t, inc.MTTR, "MTTR is undefined before resolution")

	_, err = m.Open(context.Background(), OpenRequest{Title: "x", Severity: "apocalyptic"})
	require.Error(t, err)
}

func TestOutOfOrderInterventionSortsAndFreezesTTI(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	inc, err := m.Open(ctx, OpenRequest{Title: "Checkout errors", Severity: domain.SeverityHigh})
	require.NoError(t, err)

	T := t0.Add(2 * time.Minute)
	c.Set(T.Add(time.Minute))
	_, err = m.AppendEvent(ctx, inc.ID, domain.TimelineEvent{Timestamp: T, Type: domain.EventAlert, Actor: "detector", ActorKind: domain.ActorSystem, Description: "error rate high"})
	require.NoError(t, err)
	got, err := m.AppendEvent(ctx, inc.ID, domain.TimelineEvent{Timestamp: T.Add(-5 * time.Second), Type: domain.EventIntervention, Actor: "alice", ActorKind: domain.ActorHuman, Description: "paused rollout"})
	require.NoError(t, err)

	require.Len(t, got.Timeline, 3)
	assert.Equal(t, "alice", got.Timeline[1].Actor)
	assert.Equal(t, "detector", got.Timeline[2].Actor)
	for i := 1; i < len(got.Timeline); i++ {
		assert.False(t, got.Timeline[i].Timestamp.Before(got.Timeline[i-1].Timestamp))
	}
	require.NotNil(t, got.TTI)
	assert.Equal(t, int64(115), *got.TTI)
	assert.Contains(t, got.Responders, "alice")

	// A later intervention, even one stamped earlier, does not move TTI.
	got, err = m.AppendEvent(ctx, inc.ID, domain.TimelineEvent{Timestamp: t0.Add(10 * time.Second), Type: domain.EventIntervention, Actor: "bob", ActorKind: domain.ActorHuman})
	require.NoError(t, err)
	assert.Equal(t, int64(115), *got.TTI)
	assert.Equal(t, "bob", got.Timeline[1].Actor)
}

func TestEqualTimestampsKeepArrivalOrder(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	inc, err := m.Open(ctx, OpenRequest{Title: "x"})
	require.NoError(t, err)
	ts := t0.Add(time.Minute)
	for _, d := range []string{"first", "second", "third"} {
		_, err := m.AppendEvent(ctx, inc.ID, domain.TimelineEvent{Timestamp: ts, Type: domain.EventNote, Description: d})
		require.NoError(t, err)
	}
	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	require.Len(t, got.Timeline, 4)
	assert.Equal(t, "first", got.Timeline[1].Description)
	assert.Equal(t, "second", got.Timeline[2].Description)
	assert.Equal(t, "third", got.Timeline[3].Description)
}

func TestTransitionsAreLinearAndMTTRFreezes(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	inc, err := m.Open(ctx, OpenRequest{Title: "x"})
	require.NoError(t, err)

	_, err = m.Transition(ctx, inc.ID, domain.IncidentMonitoring, "alice", domain.ActorHuman)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.Transition(ctx, inc.ID, domain.IncidentInvestigating, "alice", domain.ActorHuman)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	c.Set(t0.Add(30 * time.Second))
	got, err := m.Transition(ctx, inc.ID, domain.IncidentIdentified, "alice", domain.ActorHuman)
	require.NoError(t, err)
	require.NotNil(t, got.TTI, "a human transition is an intervention")
	assert.Equal(t, int64(30), *got.TTI)
	assert.Nil(t, got.MTTR)

	_, err = m.Transition(ctx, inc.ID, domain.IncidentMonitoring, "detector", domain.ActorSystem)
	require.NoError(t, err)
	c.Set(t0.Add(45 * time.Minute))
	got, err = m.Transition(ctx, inc.ID, domain.IncidentResolved, "alice", domain.ActorHuman)
	require.NoError(t, err)
	require.NotNil(t, got.MTTR)
	assert.Equal(t, int64(45*60), *got.MTTR)
	require.NotNil(t, got.EndTime)
	assert.Equal(t, domain.EventRecovery, got.Timeline[len(got.Timeline)-1].Type)
	assert.Equal(t, int64(30), *got.TTI, "MTTR is independent of TTI")

	_, err = m.Transition(ctx, inc.ID, domain.IncidentResolved, "alice", domain.ActorHuman)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = m.AppendEvent(ctx, inc.ID, domain.TimelineEvent{Type: domain.EventNote})
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	stored, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentResolved, stored.Status)
}

func TestSkipIdentifiedIsPolicy(t *testing.T) {
	m, _ := newManager(t, func(c *config.Config) { c.Incidents.AllowSkipIdentified = true })
	ctx := context.Background()
	inc, err := m.Open(ctx, OpenRequest{Title: "x"})
	require.NoError(t, err)
	got, err := m.Transition(ctx, inc.ID, domain.IncidentMonitoring, "detector", domain.ActorSystem)
	require.NoError(t, err)
	assert.Equal(t, domain.IncidentMonitoring, got.Status)
}

func TestMarkNotifiedStartsClock(t *testing.T) {
	m, c := newManager(t)
	ctx := context.Background()
	inc, err := m.Open(ctx, OpenRequest{Title: "x"})
	require.NoError(t, err)

	delivered := t0.Add(20 * time.Second)
	require.NoError(t, m.MarkNotified(ctx, inc.ID, domain.NotificationReceipt{RequestID: "r", ActionID: "a", Channels: []string{"chat"}, DeliveredAt: delivered}))
	// a later delivery does not restart the clock
	require.NoError(t, m.MarkNotified(ctx, inc.ID, domain.NotificationReceipt{RequestID: "r", ActionID: "a", Channels: []string{"chat"}, DeliveredAt: delivered.Add(time.Minute)}))

	c.Set(t0.Add(50 * time.Second))
	got, err := m.AppendEvent(ctx, inc.ID, domain.TimelineEvent{Type: domain.EventIntervention, Actor: "alice", ActorKind: domain.ActorHuman})
	require.NoError(t, err)
	require.NotNil(t, got.TTIStartedAt)
	assert.True(t, got.TTIStartedAt.Equal(delivered))
	assert.Equal(t, int64(30), *got.TTI)
}

func TestDispatchExhaustedBecomesNote(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	inc, err := m.Open(ctx, OpenRequest{Title: "x"})
	require.NoError(t, err)
	require.NoError(t, m.RecordDispatchExhausted(ctx, inc.ID, notify.Notification{RequestID: "r", ActionID: "act"}, 5, errors.New("timeout")))
	got, err := m.Get(ctx, inc.ID)
	require.NoError(t, err)
	last := got.Timeline[len(got.Timeline)-1]
	assert.Equal(t, domain.EventNote, last.Type)
	assert.Contains(t, last.Description, "DispatchExhausted")
	assert.Equal(t, domain.IncidentInvestigating, got.Status)
}

func TestConcurrentAppendsAreLinearised(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	a, err := m.Open(ctx, OpenRequest{Title: "a"})
	require.NoError(t, err)
	b, err := m.Open(ctx, OpenRequest{Title: "b"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for _, id := range []string{a.ID, b.ID} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, err := m.AppendEvent(ctx, id, domain.TimelineEvent{Type: domain.EventNote, Description: "n"})
				assert.NoError(t, err)
			}(id)
		}
	}
	wg.Wait()
	for _, id := range []string{a.ID, b.ID} {
		got, err := m.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, got.Timeline, 11)
		seen := map[int64]bool{}
		for _, ev := range got.Timeline {
			assert.False(t, seen[ev.Seq], "duplicate seq %d", ev.Seq)
			seen[ev.Seq] = true
		}
	}
	m.locksMu.Lock()
	assert.Empty(t, m.locks)
	m.locksMu.Unlock()
}

func TestAddResponder(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	inc, err := m.Open(ctx, OpenRequest{Title: "x"})
	require.NoError(t, err)
	_, err = m.AddResponder(ctx, inc.ID, "carol", "alice")
	require.NoError(t, err)
	got, err := m.AddResponder(ctx, inc.ID, "carol", "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, got.Responders)
	assert.Nil(t, got.TTI)
}
