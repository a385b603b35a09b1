package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"routeline/internal/config"
	"routeline/internal/db"
	"routeline/internal/domain"
	"routeline/internal/engine"
	"routeline/internal/migrate"
	"routeline/internal/notify"
)

const testSecret = "test-secret"

type nopSender struct{}

func (nopSender) Name() string                                    { return "nop" }
func (nopSender) Send(context.Context, notify.Notification) error { return nil }

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(context.Background(), conn, config.Default(), engine.Options{
		Log:     zerolog.Nop(),
		Senders: []notify.Sender{nopSender{}},
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testSecret, AllowLegacyActorHeader: true},
		Log:      zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createRule(t *testing.T, srv *testServer, body map[string]any) domain.RoutingRule {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/rules", body, asActor("admin"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create rule status %d: %s", res.StatusCode, string(data))
	}
	var rule domain.RoutingRule
	if err := json.Unmarshal(data, &rule); err != nil {
		t.Fatalf("unmarshal rule: %v", err)
	}
	return rule
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions", nil, map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", res.StatusCode)
	}
}

func TestDevLoginTokenIdentifiesActor(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor_id": "alice"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("unmarshal token: %v %s", err, string(data))
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var me WhoAmIResponse
	_ = json.Unmarshal(data, &me)
	if me.ActorID != "alice" || me.Source != "jwt" || me.ActorKind != domain.ActorHuman {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestSubmitInvalidIntent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"agent_id": "bot",
		"type":     "teleport",
		"target":   "prod",
	}, asActor("bot"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_intent" {
		t.Fatalf("expected invalid_intent, got %s", code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/actions", nil, asActor("bot"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedActions
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 0 {
		t.Fatalf("invalid intent must not persist an action, got %d", len(page.Items))
	}
}

func TestBlockedActionApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	createRule(t, srv, map[string]any{
		"name":        "No permission changes on prod",
		"action_type": "permission_change",
		"conditions":  []map[string]any{{"field": "target", "operator": "contains", "value": "prod"}},
		"routing":     "blocked",
		"priority":    1,
	})

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"agent_id":   "ops-bot",
		"agent_name": "Ops Bot",
		"type":       "permission_change",
		"target":     "prod/iam/admins",
	}, asActor("ops-bot"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var action domain.Action
	if err := json.Unmarshal(data, &action); err != nil {
		t.Fatalf("unmarshal action: %v", err)
	}
	if action.Routing != domain.RouteBlocked || action.Status != domain.StatusPending {
		t.Fatalf("expected pending blocked action, got %s/%s", action.Routing, action.Status)
	}
	if action.IncidentID == nil {
		t.Fatalf("blocked action should open an incident")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+action.ID+"/status", map[string]any{
		"status": "completed",
	}, asActor("ops-bot"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for pending->completed, got %d %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %s", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions/"+action.ID+"/approve", nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var approved domain.Action
	_ = json.Unmarshal(data, &approved)
	if approved.Status != domain.StatusExecuting {
		t.Fatalf("expected executing after approval, got %s", approved.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents/"+*action.IncidentID, nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get incident status %d: %s", res.StatusCode, string(data))
	}
	var inc domain.Incident
	_ = json.Unmarshal(data, &inc)
	if inc.TTI == nil {
		t.Fatalf("approval should freeze TTI")
	}
	if len(inc.Responders) != 1 || inc.Responders[0] != "alice" {
		t.Fatalf("expected alice as responder, got %v", inc.Responders)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?entity_kind=action&entity_id="+action.ID, nil, asActor("alice"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(data))
	}
	var evts paginatedEvents
	_ = json.Unmarshal(data, &evts)
	if len(evts.Items) < 2 || evts.Items[0].Type != "action.approved" {
		t.Fatalf("expected action.approved as newest event, got %+v", evts.Items)
	}
}

func TestListActionsPaginates(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	for i := 0; i < 3; i++ {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{
			"agent_id": "reader",
			"type":     "database_read",
			"target":   "analytics/replica",
		}, asActor("reader"))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %d status %d: %s", i, res.StatusCode, string(data))
		}
	}
	seen := map[string]bool{}
	cursor := ""
	for pages := 0; pages < 3; pages++ {
		url := srv.URL + "/v0/actions?limit=2"
		if cursor != "" {
			url += "&cursor=" + cursor
		}
		res, data := doJSON(t, client, http.MethodGet, url, nil, asActor("reader"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("list status %d: %s", res.StatusCode, string(data))
		}
		var page paginatedActions
		_ = json.Unmarshal(data, &page)
		for _, a := range page.Items {
			if seen[a.ID] {
				t.Fatalf("action %s returned twice", a.ID)
			}
			seen[a.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	if len(seen) != 3 {
		t.Fatalf("expected 3 actions across pages, got %d", len(seen))
	}

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions?cursor=broken", nil, asActor("reader"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d %s", res.StatusCode, string(data))
	}
}

func TestRuleAdministration(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules", map[string]any{
		"name":        "bad",
		"action_type": "deployment",
		"routing":     "sometimes",
	}, asActor("admin"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_rule" {
		t.Fatalf("expected invalid_rule, got %d %s", res.StatusCode, string(data))
	}

	rule := createRule(t, srv, map[string]any{
		"id":          "prod-deploys",
		"name":        "Production deployments",
		"action_type": "deployment",
		"conditions":  []map[string]any{{"field": "target", "operator": "contains", "value": "prod"}},
		"routing":     "gated",
	})
	if !rule.Enabled {
		t.Fatalf("rules are enabled unless stated otherwise")
	}

	intent := map[string]any{"agent_id": "bot", "type": "deployment", "target": "prod-cluster/api"}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules/classify", intent, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("classify status %d: %s", res.StatusCode, string(data))
	}
	var cls ClassificationResponse
	_ = json.Unmarshal(data, &cls)
	if cls.Decision != domain.RouteGated || cls.RuleID != "prod-deploys" {
		t.Fatalf("unexpected classification: %+v", cls)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules/prod-deploys/toggle", map[string]any{"enabled": false}, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("toggle status %d: %s", res.StatusCode, string(data))
	}
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/rules/classify", intent, asActor("admin"))
	_ = json.Unmarshal(data, &cls)
	if cls.Decision != domain.RouteMonitoredExecute {
		t.Fatalf("disabled rule should not match, got %s", cls.Decision)
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/rules/prod-deploys", map[string]any{"priority": 7}, asActor("admin"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	var updated domain.RoutingRule
	_ = json.Unmarshal(data, &updated)
	if updated.Priority != 7 || updated.Name != "Production deployments" {
		t.Fatalf("patch should only change priority: %+v", updated)
	}

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/rules/prod-deploys", nil, asActor("admin"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status %d", res.StatusCode)
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/rules/prod-deploys", nil, asActor("admin"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d %s", res.StatusCode, string(data))
	}
}

func TestOwnershipEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPut, srv.URL+"/v0/ownership", map[string]any{
		"services": []map[string]any{
			{"service": "payments-service", "primary_owner": "alice", "on_call": "carol", "channel": "#payments"},
			{"service": "checkout", "primary_owner": "dave", "dependencies": []string{"payments-service"}},
		},
	}, asActor("catalog"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sync status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ownership/payments-service/owners", nil, asActor("catalog"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("owners status %d: %s", res.StatusCode, string(data))
	}
	var owners domain.Owners
	_ = json.Unmarshal(data, &owners)
	if owners.PrimaryOwner != "alice" || owners.OnCall != "carol" {
		t.Fatalf("unexpected owners: %+v", owners)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ownership/payments-service/dependents?depth=1", nil, asActor("catalog"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dependents status %d: %s", res.StatusCode, string(data))
	}
	var deps DependentsResponse
	_ = json.Unmarshal(data, &deps)
	if len(deps.Dependents) != 1 || deps.Dependents[0] != "checkout" {
		t.Fatalf("unexpected dependents: %+v", deps)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/ownership/ghost/owners", nil, asActor("catalog"))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "unknown_service" {
		t.Fatalf("expected unknown_service, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/v0/ownership", map[string]any{
		"upserts": []map[string]any{{"service": "a"}, {"service": "a"}},
	}, asActor("catalog"))
	if res.StatusCode != http.StatusBadRequest || errorCode(t, data) != "invalid_ownership" {
		t.Fatalf("expected invalid_ownership, got %d %s", res.StatusCode, string(data))
	}
}

func TestIncidentLifecycleEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"agent_id":          "migrator",
		"type":              "database_write",
		"target":            "orders-db/orders",
		"description":       "backfill order totals",
		"affected_services": []string{"orders"},
	}, asActor("migrator"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var action domain.Action
	_ = json.Unmarshal(data, &action)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents", map[string]any{
		"title":                "Order totals drifting",
		"root_cause_action_id": action.ID,
	}, asActor("bob"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("open status %d: %s", res.StatusCode, string(data))
	}
	var inc domain.Incident
	_ = json.Unmarshal(data, &inc)
	if inc.Severity != domain.SeverityMedium || inc.Status != domain.IncidentInvestigating {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if inc.RootCause == nil || inc.RootCause.ActionID != action.ID {
		t.Fatalf("expected root cause %s, got %+v", action.ID, inc.RootCause)
	}
	if len(inc.AffectedServices) != 1 || inc.AffectedServices[0] != "orders" {
		t.Fatalf("affected services should default to the action's: %v", inc.AffectedServices)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/actions/"+action.ID, nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get action status %d: %s", res.StatusCode, string(data))
	}
	var linked domain.Action
	_ = json.Unmarshal(data, &linked)
	if linked.IncidentID == nil || *linked.IncidentID != inc.ID {
		t.Fatalf("action should link to incident %s, got %v", inc.ID, linked.IncidentID)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents/"+inc.ID+"/transition", map[string]any{"status": "resolved"}, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 skipping to resolved, got %d %s", res.StatusCode, string(data))
	}
	for _, status := range []string{"identified", "monitoring", "resolved"} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents/"+inc.ID+"/transition", map[string]any{"status": status}, asActor("bob"))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("transition %s status %d: %s", status, res.StatusCode, string(data))
		}
	}
	var resolved domain.Incident
	_ = json.Unmarshal(data, &resolved)
	if resolved.MTTR == nil || resolved.EndTime == nil {
		t.Fatalf("resolved incident should carry MTTR and end time: %+v", resolved)
	}
	if resolved.TTI == nil {
		t.Fatalf("human transition counts as an intervention")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/incidents/"+inc.ID+"/events", map[string]any{
		"type": "note", "description": "late note",
	}, asActor("bob"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 appending to a resolved incident, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/incidents?status=resolved&q=drifting", nil, asActor("bob"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list incidents status %d: %s", res.StatusCode, string(data))
	}
	var page paginatedIncidents
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 1 || page.Items[0].ID != inc.ID {
		t.Fatalf("expected the resolved incident, got %+v", page.Items)
	}
}

func TestMetricsEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	doJSON(t, client, http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"agent_id": "bot", "type": "api_call", "target": "billing/api",
	}, asActor("bot"))

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/metrics/summary", nil, asActor("viewer"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d: %s", res.StatusCode, string(data))
	}
	var m domain.Metrics
	_ = json.Unmarshal(data, &m)
	if m.TotalActions24h != 1 || m.ActiveAgents != 1 {
		t.Fatalf("unexpected summary: %+v", m)
	}
	if len(m.ActionsByRouting) != 4 {
		t.Fatalf("every routing decision should be present: %v", m.ActionsByRouting)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "routeline_actions_routed_total") {
		t.Fatalf("prometheus endpoint: %d", res.StatusCode)
	}
}

func TestWebhookDelivery(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	var got []*http.Request
	var bodies []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		got = append(got, r)
		bodies = append(bodies, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := &WebhookDispatcher{
		Repo:     srv.Engine.Repo,
		Webhooks: []config.Webhook{{ID: "audit", URL: hook.URL, Events: []string{"rule.created"}, Secret: "s3cret", Enabled: true}},
		Log:      zerolog.Nop(),
		Interval: 10 * time.Millisecond,
	}
	d.start(ctx, 0)
	defer func() {
		cancel()
		d.Wait()
	}()

	createRule(t, srv, map[string]any{"name": "reads", "action_type": "database_read", "routing": "auto_execute"})
	doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/actions", map[string]any{
		"agent_id": "bot", "type": "database_read", "target": "replica",
	}, asActor("bot"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected only the rule.created event, got %d deliveries", len(got))
	}
	if got[0].Header.Get("X-Routeline-Event") != "rule.created" || got[0].Header.Get("X-Routeline-Secret") != "s3cret" {
		t.Fatalf("unexpected headers: %v", got[0].Header)
	}
	if bodies[0].EntityKind != "rule" || bodies[0].ActorID != "admin" {
		t.Fatalf("unexpected body: %+v", bodies[0])
	}
}

func TestWebhookSkipsEventAfterMaxAttempts(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var mu sync.Mutex
	attempts := map[string]int{}
	var order []string
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Routeline-Delivery")
		mu.Lock()
		defer mu.Unlock()
		if _, seen := attempts[id]; !seen {
			order = append(order, id)
		}
		attempts[id]++
		if id == order[0] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := &WebhookDispatcher{
		Repo:     srv.Engine.Repo,
		Webhooks: []config.Webhook{{ID: "flaky", URL: hook.URL, Events: []string{"rule.created"}, Enabled: true, MaxAttempts: 2}},
		Log:      zerolog.Nop(),
		Interval: 10 * time.Millisecond,
	}
	d.start(ctx, 0)
	defer func() {
		cancel()
		d.Wait()
	}()

	createRule(t, srv, map[string]any{"name": "first", "action_type": "database_read", "routing": "auto_execute"})
	createRule(t, srv, map[string]any{"name": "second", "action_type": "api_call", "routing": "auto_execute"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 {
		t.Fatalf("expected the second event after giving up on the first, saw %v", order)
	}
	if attempts[order[0]] != 2 {
		t.Fatalf("expected 2 attempts for the failing event, got %d", attempts[order[0]])
	}
}

func TestStreamDeliversAuditEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/stream?after=0"
	header := http.Header{}
	header.Set("X-Actor-Id", "dashboard")
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		status := 0
		if res != nil {
			status = res.StatusCode
		}
		t.Fatalf("dial stream: %v (status %d)", err, status)
	}
	defer conn.Close()

	createRule(t, srv, map[string]any{"name": "reads", "action_type": "database_read", "routing": "auto_execute"})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var evt EventResponse
	if err := conn.ReadJSON(&evt); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if evt.Type != "rule.created" || evt.ActorID != "admin" {
		t.Fatalf("unexpected event: %+v", evt)
	}

	_, res, err = websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil || res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthenticated dial to fail with 401")
	}
}
