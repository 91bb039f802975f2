package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaycal/internal/calsync"
	"github.com/agentworkforce/relaycal/internal/remote"
	"github.com/agentworkforce/relaycal/internal/watermark"
)

const testSecret = "test-secret"

var allScopes = []string{ScopeActionsWrite, ScopeSyncTrigger, ScopeSyncRead}

type testServer struct {
	server   *Server
	engine   *calsync.Engine
	calendar *remote.MemoryCalendar
	hub      *watermark.Hub
}

func newTestServer(t *testing.T, cfg ServerConfig) *testServer {
	t.Helper()
	actionLog, err := calsync.OpenActionLog(calsync.ActionLogOptions{})
	if err != nil {
		t.Fatalf("open action log: %v", err)
	}
	store, err := calsync.OpenLocalEventStore(nil, nil)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	hub := watermark.NewHub(nil)
	t.Cleanup(func() { _ = hub.Close() })
	publisher, err := watermark.NewPublisher(watermark.NewMemorySlot(), "owner-test", hub)
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	calendar := remote.NewMemoryCalendar()
	scheduler, err := calsync.NewScheduler(calsync.SchedulerOptions{
		Log:       actionLog,
		Store:     store,
		Router:    calsync.NewRouter(calsync.TagCalendarMapping{"Work": "W1"}, "D0"),
		Adapter:   calendar,
		Publisher: publisher,
		Interval:  time.Hour,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	t.Cleanup(func() {
		scheduler.Stop()
		scheduler.Wait()
	})
	engine := calsync.NewEngine(scheduler)
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = testSecret
	}
	return &testServer{
		server:   NewServer(engine, hub, cfg),
		engine:   engine,
		calendar: calendar,
		hub:      hub,
	}
}

func mustToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := IssueToken(testSecret, "ui", scopes, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func authed(token, correlationID string) map[string]string {
	return map[string]string{
		"Authorization":    "Bearer " + token,
		"X-Correlation-Id": correlationID,
	}
}

func eventBody(op, id string, tags ...string) map[string]any {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	body := map[string]any{"operation": op, "eventId": id}
	if op != string(calsync.OpDelete) {
		body["tags"] = tags
		body["payload"] = map[string]any{
			"subject": "event " + id,
			"start":   start,
			"end":     start.Add(time.Hour),
		}
	}
	return body
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/watermark"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	expired, err := IssueToken(testSecret, "ui", allScopes, time.Minute, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/watermark", headers: authed(expired, "corr_1")})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for expired token, got %d", rec.Code)
	}

	forged, _ := IssueToken("other-secret", "ui", allScopes, time.Hour, time.Now())
	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/watermark", headers: authed(forged, "corr_2")})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for forged token, got %d", rec.Code)
	}
}

func TestScopeAndCorrelationRules(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	readOnly := mustToken(t, ScopeSyncRead)

	rec := doRequest(t, ts.server, request{
		method:  http.MethodPost,
		path:    "/v1/actions",
		headers: authed(readOnly, "corr_1"),
		body:    eventBody("create", "e1"),
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without actions:write, got %d (%s)", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, ts.server, request{
		method:  http.MethodGet,
		path:    "/v1/watermark",
		headers: map[string]string{"Authorization": "Bearer " + readOnly},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without correlation id, got %d", rec.Code)
	}

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v2/unknown"})
	var payload map[string]any
	decodeBody(t, rec, &payload)
	if rec.Code != http.StatusNotFound || payload["code"] != "not_found" {
		t.Fatalf("expected not_found envelope, got %d %v", rec.Code, payload)
	}
}

func TestRecordActionLifecycle(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	token := mustToken(t, allScopes...)

	rec := doRequest(t, ts.server, request{
		method:  http.MethodPost,
		path:    "/v1/actions",
		headers: authed(token, "corr_1"),
		body:    eventBody("create", "e1", "Work"),
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on create, got %d (%s)", rec.Code, rec.Body.String())
	}
	var created actionResponse
	decodeBody(t, rec, &created)
	if created.Coalesced || created.Action == nil || created.Action.Operation != calsync.OpCreate {
		t.Fatalf("unexpected create response: %+v", created)
	}
	if created.CorrelationID != "corr_1" || created.Event == nil || created.Event.SyncStatus != calsync.SyncPending {
		t.Fatalf("expected pending event echoed back, got %+v", created)
	}

	if _, err := ts.engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/events/e1", headers: authed(token, "corr_2")})
	var eventResp struct {
		Event calsync.Event `json:"event"`
		Badge string        `json:"badge"`
	}
	decodeBody(t, rec, &eventResp)
	if eventResp.Badge != "synced" || eventResp.Event.RemoteCalendarID != "W1" || eventResp.Event.ExternalID == "" {
		t.Fatalf("expected synced event in W1, got %+v", eventResp)
	}

	rec = doRequest(t, ts.server, request{
		method:  http.MethodPost,
		path:    "/v1/actions",
		headers: authed(token, "corr_3"),
		body:    eventBody("delete", "e1"),
	})
	var deleted actionResponse
	decodeBody(t, rec, &deleted)
	if rec.Code != http.StatusAccepted || deleted.Action == nil || deleted.Action.RemoteID != eventResp.Event.ExternalID {
		t.Fatalf("expected delete carrying remote id, got %d %+v", rec.Code, deleted)
	}

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/actions", headers: authed(token, "corr_4")})
	var listed struct {
		Items   []calsync.ActionRecord `json:"items"`
		Pending int                    `json:"pending"`
	}
	decodeBody(t, rec, &listed)
	if listed.Pending != 1 || len(listed.Items) != 1 || listed.Items[0].Operation != calsync.OpDelete {
		t.Fatalf("expected single pending delete, got %+v", listed)
	}
}

func TestCreateThenDeleteCoalescesOverAPI(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	token := mustToken(t, allScopes...)

	doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/actions", headers: authed(token, "c1"), body: eventBody("create", "e1")})
	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/actions", headers: authed(token, "c2"), body: eventBody("delete", "e1")})
	var resp actionResponse
	decodeBody(t, rec, &resp)
	if !resp.Coalesced || resp.Action != nil {
		t.Fatalf("expected create+delete to coalesce away, got %+v", resp)
	}
	if _, err := ts.engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if calls := ts.calendar.Calls("create") + ts.calendar.Calls("delete"); calls != 0 {
		t.Fatalf("expected no remote calls, got %d", calls)
	}
}

func TestRecordActionValidation(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	token := mustToken(t, allScopes...)
	doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/actions", headers: authed(token, "c0"), body: eventBody("create", "e1")})

	cases := []struct {
		name string
		body map[string]any
		want int
	}{
		{"duplicate create", eventBody("create", "e1"), http.StatusConflict},
		{"update missing", eventBody("update", "nope"), http.StatusNotFound},
		{"delete missing", eventBody("delete", "nope"), http.StatusNotFound},
		{"unknown op", map[string]any{"operation": "merge", "eventId": "e1"}, http.StatusBadRequest},
		{"missing payload", map[string]any{"operation": "update", "eventId": "e1"}, http.StatusBadRequest},
		{"missing id", eventBody("create", " "), http.StatusBadRequest},
	}
	for _, tc := range cases {
		rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/actions", headers: authed(token, "c_"+tc.name), body: tc.body})
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestResyncEndpoint(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	token := mustToken(t, allScopes...)
	ts.calendar.FailNext("create", calsync.NewValidationError("calendar rejected subject"))

	doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/actions", headers: authed(token, "c1"), body: eventBody("create", "e1")})
	if _, err := ts.engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/actions?state=failed", headers: authed(token, "c2")})
	var failed struct {
		Items []calsync.ActionRecord `json:"items"`
	}
	decodeBody(t, rec, &failed)
	if len(failed.Items) != 1 || failed.Items[0].State != calsync.ActionFailed {
		t.Fatalf("expected one failed action, got %+v", failed.Items)
	}

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/actions/e1/resync", headers: authed(token, "c3")})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on resync, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/actions/e1/resync", headers: authed(token, "c4")})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when nothing failed, got %d", rec.Code)
	}

	if _, err := ts.engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if ev, _ := ts.engine.Events().Get("e1"); ev.SyncStatus != calsync.SyncSynced {
		t.Fatalf("expected resynced event to sync, got %+v", ev)
	}

	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/actions?state=bogus", headers: authed(token, "c5")})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown filter, got %d", rec.Code)
	}
}

func TestSyncTriggers(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	token := mustToken(t, allScopes...)

	rec := doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/sync/now", headers: authed(token, "c1")})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before start, got %d", rec.Code)
	}

	for _, step := range []struct {
		path  string
		state watermark.State
	}{
		{"/v1/sync/start", watermark.StateRunning},
		{"/v1/sync/now", watermark.StateRunning},
		{"/v1/sync/foreground", watermark.StateRunning},
		{"/v1/sync/stop", watermark.StateStopped},
		{"/v1/sync/signin", watermark.StateRunning},
	} {
		rec := doRequest(t, ts.server, request{method: http.MethodPost, path: step.path, headers: authed(token, "corr"+step.path)})
		if rec.Code != http.StatusAccepted {
			t.Fatalf("%s: expected 202, got %d (%s)", step.path, rec.Code, rec.Body.String())
		}
		var resp struct {
			State watermark.State `json:"state"`
		}
		decodeBody(t, rec, &resp)
		if resp.State != step.state {
			t.Fatalf("%s: expected state %s, got %s", step.path, step.state, resp.State)
		}
	}

	rec = doRequest(t, ts.server, request{method: http.MethodPost, path: "/v1/sync/later", headers: authed(token, "c2")})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown trigger, got %d", rec.Code)
	}
}

func TestWatermarkStreamRequiresTokenAndDelivers(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	httpServer := httptest.NewServer(ts.server)
	defer httpServer.Close()
	wsURL := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/v1/watermark/ws"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := watermark.DialObserver(ctx, wsURL, nil, nil); err == nil {
		t.Fatalf("expected dial without token to fail")
	}

	if _, err := ts.engine.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	readToken := mustToken(t, ScopeSyncRead)
	received := make(chan watermark.Watermark, 4)
	go func() {
		_ = watermark.DialObserver(ctx, wsURL+"?access_token="+readToken, nil, func(w watermark.Watermark) {
			received <- w
		})
	}()
	select {
	case w := <-received:
		if w.OwnerID != "owner-test" || w.Sequence == 0 {
			t.Fatalf("unexpected streamed watermark: %+v", w)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for streamed watermark")
	}

	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/watermark", headers: authed(mustToken(t, ScopeSyncRead), "c1")})
	var w watermark.Watermark
	decodeBody(t, rec, &w)
	if w.Sequence == 0 || w.OwnerID != "owner-test" {
		t.Fatalf("expected published watermark, got %+v", w)
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	ts := newTestServer(t, ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	token := mustToken(t, ScopeSyncRead)
	for i := 0; i < 2; i++ {
		rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/watermark", headers: authed(token, "c")})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	denied := doRequest(t, ts.server, request{method: http.MethodGet, path: "/v1/watermark", headers: authed(token, "c")})
	if denied.Code != http.StatusTooManyRequests || denied.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected 429 with Retry-After, got %d %q", denied.Code, denied.Header().Get("Retry-After"))
	}
}

func TestHealthAndDashboard(t *testing.T) {
	ts := newTestServer(t, ServerConfig{})
	rec := doRequest(t, ts.server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"idle"`) {
		t.Fatalf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, ts.server, request{method: http.MethodGet, path: "/dashboard"})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected dashboard html, got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestIssueTokenRejectsMissingInputs(t *testing.T) {
	if _, err := IssueToken("", "ui", allScopes, time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error without secret")
	}
	if _, err := IssueToken(testSecret, " ", allScopes, time.Hour, time.Now()); err == nil {
		t.Fatalf("expected error without subject")
	}
}
