package router

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
	"routeline/internal/events"
	"routeline/internal/incident"
	"routeline/internal/migrate"
	"routeline/internal/notify"
	"routeline/internal/ownership"
	"routeline/internal/repo"
	"routeline/internal/ruleset"
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

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu    sync.Mutex
	tasks []notify.Task
}

func (n *recordingNotifier) Enqueue(t notify.Task) {
	n.mu.Lock()
	n.tasks = append(n.tasks, t)
	n.mu.Unlock()
}

func (n *recordingNotifier) Tasks() []notify.Task {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Task(nil), n.tasks...)
}

type fixture struct {
	router   *Router
	graph    *ownership.Graph
	rules    *ruleset.Engine
	notifier *recordingNotifier
	clock    *clock
}

func newFixture(t *testing.T, mutate ...func(*config.Config)) *fixture {
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
	graph := ownership.NewGraph()
	_, err = graph.Replace([]domain.ServiceOwnership{
		{Service: "payments-service", Team: "payments", PrimaryOwner: "alice", SecondaryOwners: []string{"bob"}, OnCall: "carol", Channel: "#payments"},
		{Service: "checkout", PrimaryOwner: "dave", OnCall: "carol", Channel: "#checkout", Dependencies: []string{"payments-service"}},
		{Service: "billing", PrimaryOwner: "erin", Channel: "#billing"},
	})
	require.NoError(t, err)
	rules := ruleset.New()
	n := &recordingNotifier{}
	r := &Router{
		DB:        conn,
		Repo:      repo.Repo{DB: conn},
		Events:    events.Writer{DB: conn, Now: c.Now},
		Config:    cfg,
		Rules:     rules,
		Owners:    graph,
		Incidents: incident.NewManager(conn, cfg, zerolog.Nop(), c.Now),
		Notifier:  n,
		Log:       zerolog.Nop(),
		Now:       c.Now,
	}
	return &fixture{router: r, graph: graph, rules: rules, notifier: n, clock: c}
}

func rule(id string, at domain.ActionType, routing domain.RoutingDecision, conds ...domain.RuleCondition) domain.RoutingRule {
	return domain.RoutingRule{ID: id, Name: id, ActionType: at, Routing: routing, Enabled: true, Conditions: conds}
}

func deployIntent() domain.ActionIntent {
	return domain.ActionIntent{
		AgentID:          "deploy-bot",
		AgentName:        "Deploy Bot",
		Type:             domain.ActionDeployment,
		Description:      "roll out v2.4.1",
		Target:           "prod-cluster/payments-service",
		AffectedServices: []string{"payments-service"},
	}
}

func auditEvents(t *testing.T, f *fixture, evtType, entityID string) []domain.Event {
	t.Helper()
	evts, err := f.router.Repo.LatestEvents(context.Background(), 200, 0, evtType, "", entityID)
	require.NoError(t, err)
	return evts
}

func TestGatedProdDeploymentNotifiesOwnersWithoutIncident(t *testing.T) {
	f := newFixture(t)
	f.rules.Publish([]domain.RoutingRule{
		rule("prod-deploy", domain.ActionDeployment, domain.RouteGated,
			domain.RuleCondition{Field: domain.FieldTarget, Operator: domain.OpContains, Value: "prod-cluster"}),
	})

	a, err := f.router.Submit(context.Background(), deployIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.RouteGated, a.Routing)
	assert.Equal(t, domain.StatusPending, a.Status)
	require.NotNil(t, a.RuleID)
	assert.Equal(t, "prod-deploy", *a.RuleID)
	assert.Nil(t, a.IncidentID, "a single gated action below the threshold opens no incident")

	tasks := f.notifier.Tasks()
	require.Len(t, tasks, 1)
	attr := tasks[0].Attribution
	require.Len(t, attr.Owners, 1)
	assert.Equal(t, "payments-service", attr.Owners[0].Service)
	assert.Equal(t, []string{"alice", "bob", "carol"}, attr.Humans)
	assert.Equal(t, []string{"#payments"}, attr.Channels)
	assert.Equal(t, domain.BasisDirectOwnership, attr.Basis)
	assert.Equal(t, 90, attr.Confidence)
	assert.Empty(t, tasks[0].IncidentID)

	stored, err := f.router.Get(context.Background(), a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RouteGated, stored.Routing)
	assert.Len(t, auditEvents(t, f, "action.submitted", a.ID), 1)
}

func TestNoRuleFallsBackToMonitoredExecute(t *testing.T) {
	f := newFixture(t)
	in := deployIntent()
	in.AgentName = ""
	a, err := f.router.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, domain.RouteMonitoredExecute, a.Routing)
	assert.Nil(t, a.RuleID)
	assert.Equal(t, "deploy-bot", a.AgentName)
	assert.Empty(t, f.notifier.Tasks())
}

func TestInvalidIntentHasNoSideEffects(t *testing.T) {
	f := newFixture(t)
	cases := map[string]domain.ActionIntent{
		"missing agent":  {Type: domain.ActionDeployment, Target: "x"},
		"missing target": {AgentID: "a", Type: domain.ActionDeployment, Target: "   "},
		"unknown type":   {AgentID: "a", Type: "teleport", Target: "x"},
		"blank service":  {AgentID: "a", Type: domain.ActionAPICall, Target: "x", AffectedServices: []string{""}},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.router.Submit(context.Background(), in)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidIntent), err.Error())
		})
	}
	list, err := f.router.List(context.Background(), repo.ActionFilters{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, auditEvents(t, f, "", ""))
}

func TestStaleBlockedActionStaysPending(t *testing.T) {
	f := newFixture(t)
	f.rules.Publish([]domain.RoutingRule{rule("no-deletes", domain.ActionFileDelete, domain.RouteBlocked)})
	ctx := context.Background()

	a, err := f.router.Submit(ctx, domain.ActionIntent{AgentID: "janitor", Type: domain.ActionFileDelete, Target: "s3://backups/2024"})
	require.NoError(t, err)
	assert.Equal(t, domain.RouteBlocked, a.Routing)
	require.NotNil(t, a.IncidentID, "blocked actions open an incident")

	stale, err := f.router.ListStale(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, stale)

	f.clock.Advance(31 * time.Minute)
	stale, err = f.router.ListStale(ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, a.ID, stale[0].ID)
	assert.True(t, stale[0].Stale)
	assert.Equal(t, domain.StatusPending, stale[0].Status)

	got, err := f.router.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.Equal(t, domain.StatusPending, got.Status)

	mon := &StaleMonitor{Router: f.router}
	n, err := mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = mon.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already reported")
	assert.Len(t, auditEvents(t, f, "action.stale", a.ID), 1)
}

func TestTerminalStatusSignalIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.router.Submit(ctx, domain.ActionIntent{AgentID: "bot", Type: domain.ActionAPICall, Target: "https://api.example.com"})
	require.NoError(t, err)

	_, err = f.router.ApplyStatus(ctx, a.ID, domain.StatusExecuting, nil, "")
	require.NoError(t, err)
	f.clock.Advance(1500 * time.Millisecond)
	done, err := f.router.ApplyStatus(ctx, a.ID, domain.StatusCompleted, nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.DurationMs)
	assert.Equal(t, int64(1500), *done.DurationMs)

	again, err := f.router.ApplyStatus(ctx, a.ID, domain.StatusCompleted, nil, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, again.Status)
	assert.Len(t, auditEvents(t, f, "action.status_changed", a.ID), 2)

	_, err = f.router.ApplyStatus(ctx, a.ID, domain.StatusFailed, nil, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

func TestTerminalBeforeExecutingIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.router.Submit(ctx, domain.ActionIntent{AgentID: "bot", Type: domain.ActionAPICall, Target: "x"})
	require.NoError(t, err)

	_, err = f.router.ApplyStatus(ctx, a.ID, domain.StatusCompleted, nil, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	got, err := f.router.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	_, err = f.router.ApplyStatus(ctx, "missing", domain.StatusExecuting, nil, "")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestBlockedActionRequiresApproval(t *testing.T) {
	f := newFixture(t)
	f.rules.Publish([]domain.RoutingRule{rule("perm", domain.ActionPermissionChange, domain.RouteBlocked)})
	ctx := context.Background()
	a, err := f.router.Submit(ctx, domain.ActionIntent{AgentID: "iam-bot", Type: domain.ActionPermissionChange, Target: "prod/payments-service", AffectedServices: []string{"payments-service"}})
	require.NoError(t, err)
	require.NotNil(t, a.IncidentID)

	_, err = f.router.ApplyStatus(ctx, a.ID, domain.StatusExecuting, nil, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	_, err = f.router.Approve(ctx, a.ID, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidIntent))

	f.clock.Advance(45 * time.Second)
	approved, err := f.router.Approve(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, approved.Status)

	again, err := f.router.Approve(ctx, a.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, again.Status)
	assert.Len(t, auditEvents(t, f, "action.approved", a.ID), 1)

	inc, err := f.router.Incidents.Get(ctx, *a.IncidentID)
	require.NoError(t, err)
	require.NotNil(t, inc.TTI)
	assert.Equal(t, int64(45), *inc.TTI)
	assert.Contains(t, inc.Responders, "alice")
	assert.Equal(t, domain.Severity("high"), inc.Severity)
}

func TestRejectRollsBackPendingAction(t *testing.T) {
	f := newFixture(t)
	f.rules.Publish([]domain.RoutingRule{rule("push", domain.ActionCodePush, domain.RouteGated)})
	ctx := context.Background()
	a, err := f.router.Submit(ctx, domain.ActionIntent{AgentID: "coder", Type: domain.ActionCodePush, Target: "repo/main"})
	require.NoError(t, err)

	rejected, err := f.router.Reject(ctx, a.ID, "bob", "not during freeze")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRolledBack, rejected.Status)
	_, err = f.router.Reject(ctx, a.ID, "bob", "")
	require.NoError(t, err)
	_, err = f.router.Approve(ctx, a.ID, "bob")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Len(t, auditEvents(t, f, "action.rejected", a.ID), 1)
}

func TestAttributionFallsBackToTargetPath(t *testing.T) {
	f := newFixture(t)
	f.rules.Publish([]domain.RoutingRule{rule("cfg", domain.ActionConfigChange, domain.RouteGated)})
	_, err := f.router.Submit(context.Background(), domain.ActionIntent{
		AgentID: "cfg-bot", Type: domain.ActionConfigChange, Target: "prod/billing/feature-flags", AffectedServices: []string{"ghost"},
	})
	require.NoError(t, err)
	_, err = f.router.Submit(context.Background(), domain.ActionIntent{AgentID: "cfg-bot", Type: domain.ActionConfigChange, Target: "nowhere"})
	require.NoError(t, err)

	tasks := f.notifier.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, domain.BasisTargetPath, tasks[0].Attribution.Basis)
	assert.Equal(t, 70, tasks[0].Attribution.Confidence)
	assert.Equal(t, []string{"ghost"}, tasks[0].Attribution.Unresolved)
	assert.Equal(t, []string{"erin"}, tasks[0].Attribution.Humans)
	assert.Equal(t, domain.BasisUnattributed, tasks[1].Attribution.Basis)
	assert.Equal(t, 0, tasks[1].Attribution.Confidence)
}

func TestGatedAutoOpenRules(t *testing.T) {
	gated := []domain.RoutingRule{rule("deploys", domain.ActionDeployment, domain.RouteGated)}

	t.Run("high risk pattern", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.BlastRadius.HighRiskServices = []string{"payments-*"} })
		f.rules.Publish(gated)
		a, err := f.router.Submit(context.Background(), deployIntent())
		require.NoError(t, err)
		require.NotNil(t, a.IncidentID)
		tasks := f.notifier.Tasks()
		require.Len(t, tasks, 1)
		assert.Equal(t, *a.IncidentID, tasks[0].IncidentID)
	})

	t.Run("blast radius threshold", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.BlastRadius.AutoOpenThreshold = 2 })
		f.rules.Publish(gated)
		a, err := f.router.Submit(context.Background(), deployIntent())
		require.NoError(t, err)
		require.NotNil(t, a.IncidentID, "payments-service plus dependent checkout reaches the threshold")
	})

	t.Run("notifications disabled", func(t *testing.T) {
		f := newFixture(t, func(c *config.Config) { c.Notifications.GatedActions = false })
		f.rules.Publish(gated)
		_, err := f.router.Submit(context.Background(), deployIntent())
		require.NoError(t, err)
		assert.Empty(t, f.notifier.Tasks())
	})
}

func TestFrequencyConditionCountsRecentActions(t *testing.T) {
	f := newFixture(t)
	f.rules.Publish([]domain.RoutingRule{
		rule("burst", domain.ActionDatabaseWrite, domain.RouteGated,
			domain.RuleCondition{Field: domain.FieldFrequency, Operator: domain.OpGreaterThan, Value: "1"}),
	})
	ctx := context.Background()
	in := domain.ActionIntent{AgentID: "etl", Type: domain.ActionDatabaseWrite, Target: "warehouse.orders"}
	var got []domain.RoutingDecision
	for i := 0; i < 3; i++ {
		a, err := f.router.Submit(ctx, in)
		require.NoError(t, err)
		got = append(got, a.Routing)
	}
	assert.Equal(t, []domain.RoutingDecision{domain.RouteMonitoredExecute, domain.RouteMonitoredExecute, domain.RouteGated}, got)
}

func TestDisablingRuleKeepsPersistedDecision(t *testing.T) {
	f := newFixture(t)
	r := rule("prod-deploy", domain.ActionDeployment, domain.RouteGated)
	f.rules.Publish([]domain.RoutingRule{r})
	ctx := context.Background()
	a, err := f.router.Submit(ctx, deployIntent())
	require.NoError(t, err)

	r.Enabled = false
	f.rules.Publish([]domain.RoutingRule{r})
	b, err := f.router.Submit(ctx, deployIntent())
	require.NoError(t, err)
	assert.Equal(t, domain.RouteMonitoredExecute, b.Routing)

	stored, err := f.router.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RouteGated, stored.Routing)
}

func TestListFiltersAndSearch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.router.Submit(ctx, domain.ActionIntent{AgentID: "a1", AgentName: "Release Robot", Type: domain.ActionDeployment, Target: "t", Description: "Ship 100% of traffic"})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	_, err = f.router.Submit(ctx, domain.ActionIntent{AgentID: "a2", Type: domain.ActionAPICall, Target: "t"})
	require.NoError(t, err)

	all, err := f.router.List(ctx, repo.ActionFilters{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a2", all[0].AgentID, "newest first")

	byName, err := f.router.List(ctx, repo.ActionFilters{Search: "robot"})
	require.NoError(t, err)
	require.Len(t, byName, 1)
	assert.Equal(t, "a1", byName[0].AgentID)

	literal, err := f.router.List(ctx, repo.ActionFilters{Search: "100%"})
	require.NoError(t, err)
	assert.Len(t, literal, 1)

	byType, err := f.router.List(ctx, repo.ActionFilters{Type: domain.ActionAPICall})
	require.NoError(t, err)
	assert.Len(t, byType, 1)
}
