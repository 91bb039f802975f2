package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

func testPayload(subject string, tags ...string) calsync.EventPayload {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	return calsync.EventPayload{
		Subject: subject,
		Start:   start,
		End:     start.Add(30 * time.Minute),
		Tags:    tags,
	}
}

func newTestClient(serverURL string) *HTTPClient {
	return NewHTTPClient(HTTPClientOptions{
		BaseURL:       serverURL,
		TokenProvider: StaticToken("token-1"),
		BaseDelay:     time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
	})
}

func TestHTTPClientCreatePostsToCalendar(t *testing.T) {
	var gotPath, gotAuth, gotCorrelation string
	var gotBody wireEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCorrelation = r.Header.Get("X-Correlation-Id")
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"AAMk-1","subject":"standup"}`))
	}))
	defer server.Close()

	id, err := newTestClient(server.URL).Create(context.Background(), testPayload("standup", "Work"), "W1")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id != "AAMk-1" {
		t.Fatalf("expected remote id AAMk-1, got %q", id)
	}
	if gotPath != "/v1/calendars/W1/events" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotAuth != "Bearer token-1" {
		t.Fatalf("unexpected authorization header %q", gotAuth)
	}
	if !strings.HasPrefix(gotCorrelation, "rc_") {
		t.Fatalf("expected correlation id, got %q", gotCorrelation)
	}
	if gotBody.Subject != "standup" || gotBody.Start != "2026-03-02T09:00:00.000Z" || len(gotBody.Categories) != 1 {
		t.Fatalf("unexpected wire body: %+v", gotBody)
	}
}

func TestHTTPClientCreateSendsTransactionID(t *testing.T) {
	var bodies []wireEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got wireEvent
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		bodies = append(bodies, got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"AAMk-1","subject":"standup"}`))
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	ctx := calsync.WithIdempotencyKey(context.Background(), "act_7")
	if _, err := client.Create(ctx, testPayload("standup"), "W1"); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := client.Update(ctx, "AAMk-1", testPayload("standup")); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if len(bodies) != 2 {
		t.Fatalf("expected two requests, got %d", len(bodies))
	}
	if bodies[0].TransactionID != "act_7" {
		t.Fatalf("expected create to carry transaction id, got %q", bodies[0].TransactionID)
	}
	if bodies[1].TransactionID != "" {
		t.Fatalf("expected update without transaction id, got %q", bodies[1].TransactionID)
	}
}

func TestHTTPClientStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   calsync.ErrorClass
	}{
		{http.StatusNotFound, calsync.ClassNotFound},
		{http.StatusGone, calsync.ClassNotFound},
		{http.StatusUnauthorized, calsync.ClassAuth},
		{http.StatusForbidden, calsync.ClassAuth},
		{http.StatusRequestTimeout, calsync.ClassTransient},
		{http.StatusTooEarly, calsync.ClassTransient},
		{http.StatusTooManyRequests, calsync.ClassTransient},
		{http.StatusInternalServerError, calsync.ClassTransient},
		{http.StatusServiceUnavailable, calsync.ClassTransient},
		{http.StatusBadRequest, calsync.ClassValidation},
		{http.StatusConflict, calsync.ClassValidation},
		{http.StatusUnprocessableEntity, calsync.ClassValidation},
	}
	for _, tc := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(`{"error":{"code":"ErrorX","message":"boom"}}`))
		}))
		err := newTestClient(server.URL).Update(context.Background(), "AAMk-1", testPayload("x"))
		server.Close()
		if got := calsync.ClassifyError(err); got != tc.want {
			t.Fatalf("status %d: expected class %s, got %s (%v)", tc.status, tc.want, got, err)
		}
		var remoteErr *calsync.RemoteError
		if errors.As(err, &remoteErr) && (remoteErr.Code != "ErrorX" || remoteErr.Message != "boom") {
			t.Fatalf("status %d: expected parsed error body, got %+v", tc.status, remoteErr)
		}
	}
}

func TestHTTPClientRetryAfterIsCarried(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	err := newTestClient(server.URL).Delete(context.Background(), "AAMk-1")
	var transient *calsync.TransientError
	if !errors.As(err, &transient) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if transient.RetryAfter != 42*time.Second {
		t.Fatalf("expected retry-after 42s, got %s", transient.RetryAfter)
	}
}

func TestHTTPClientRetriesTransientWhenConfigured(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	client.maxRetries = 2
	if err := client.Update(context.Background(), "AAMk-1", testPayload("x")); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
}

func TestHTTPClientDeleteTreatsMissingAsSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/v1/events/AAMk-9" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	if err := newTestClient(server.URL).Delete(context.Background(), "AAMk-9"); err != nil {
		t.Fatalf("expected delete of missing event to succeed, got %v", err)
	}
}

func TestHTTPClientGetDecodesEvent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"AAMk-1","subject":"review","start":"2026-03-02T09:00:00.000Z","end":"2026-03-02T10:00:00.000Z","categories":["Work"]}`))
	}))
	defer server.Close()

	payload, err := newTestClient(server.URL).Get(context.Background(), "AAMk-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if payload.Subject != "review" || payload.End.Sub(payload.Start) != time.Hour || len(payload.Tags) != 1 {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestHTTPClientSchemaViolationSkipsNetwork(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	_, err := client.Create(context.Background(), testPayload(""), "W1")
	if !errors.Is(err, calsync.ErrRemoteValidation) {
		t.Fatalf("expected validation error for empty subject, got %v", err)
	}
	backwards := testPayload("backwards")
	backwards.End = backwards.Start.Add(-time.Minute)
	if err := client.Update(context.Background(), "AAMk-1", backwards); !errors.Is(err, calsync.ErrRemoteValidation) {
		t.Fatalf("expected validation error for inverted range, got %v", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no network calls, got %d", calls.Load())
	}
}

func TestHTTPClientTokenFailures(t *testing.T) {
	client := NewHTTPClient(HTTPClientOptions{BaseURL: "http://127.0.0.1:1", TokenProvider: StaticToken(" ")})
	if err := client.Delete(context.Background(), "x"); !errors.Is(err, calsync.ErrRemoteAuth) {
		t.Fatalf("expected auth error for empty token, got %v", err)
	}
	client = NewHTTPClient(HTTPClientOptions{BaseURL: "http://127.0.0.1:1"})
	if err := client.Delete(context.Background(), "x"); !errors.Is(err, calsync.ErrRemoteAuth) {
		t.Fatalf("expected auth error without provider, got %v", err)
	}
}

func TestHTTPClientTransportErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).Get(context.Background(), "AAMk-1")
	if calsync.ClassifyError(err) != calsync.ClassTransient || !errors.Is(err, calsync.ErrNetworkTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		header string
		want   time.Duration
	}{
		{"", 0},
		{"7", 7 * time.Second},
		{"-3", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tc := range cases {
		if got := parseRetryAfter(tc.header, now); got != tc.want {
			t.Fatalf("parseRetryAfter(%q) = %s, want %s", tc.header, got, tc.want)
		}
	}
}

func TestRetryDelayCaps(t *testing.T) {
	client := NewHTTPClient(HTTPClientOptions{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	if got := client.retryDelay(1, ""); got != 100*time.Millisecond {
		t.Fatalf("expected base delay, got %s", got)
	}
	if got := client.retryDelay(3, ""); got != 400*time.Millisecond {
		t.Fatalf("expected 400ms, got %s", got)
	}
	if got := client.retryDelay(10, ""); got != time.Second {
		t.Fatalf("expected cap, got %s", got)
	}
	if got := client.retryDelay(1, "30"); got != time.Second {
		t.Fatalf("expected retry-after capped to max delay, got %s", got)
	}
}
