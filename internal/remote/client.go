package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

// TokenProvider returns the bearer token for the next request. Returning an
// error matching calsync.ErrRemoteAuth halts the scheduler until sign-in.
type TokenProvider func(ctx context.Context) (string, error)

// StaticToken returns a provider that always yields token.
func StaticToken(token string) TokenProvider {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

type HTTPClientOptions struct {
	BaseURL       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	UserAgent     string
	// MaxRetries bounds in-call retries of transient responses. The scheduler
	// owns the real backoff, so the default is zero.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// HTTPClient talks to a Graph-style calendar API.
type HTTPClient struct {
	baseURL       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	userAgent     string
	maxRetries    int
	baseDelay     time.Duration
	maxDelay      time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = "relaycal"
	}
	return &HTTPClient{
		baseURL:       baseURL,
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		userAgent:     userAgent,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
		maxDelay:      maxDelay,
	}
}

func (c *HTTPClient) Create(ctx context.Context, payload calsync.EventPayload, calendarID string) (string, error) {
	calendarID = strings.TrimSpace(calendarID)
	if calendarID == "" {
		return "", calsync.NewValidationError("calendar id is required")
	}
	body, err := encodeEvent(payload, calsync.IdempotencyKey(ctx))
	if err != nil {
		return "", err
	}
	var created wireEvent
	path := "/v1/calendars/" + url.PathEscape(calendarID) + "/events"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.ID) == "" {
		return "", calsync.NewValidationError("provider returned an event without an id")
	}
	return created.ID, nil
}

func (c *HTTPClient) Update(ctx context.Context, remoteID string, payload calsync.EventPayload) error {
	path, err := eventPath(remoteID)
	if err != nil {
		return err
	}
	body, err := encodeEvent(payload, "")
	if err != nil {
		return err
	}
	return c.doJSON(ctx, http.MethodPatch, path, body, nil)
}

func (c *HTTPClient) Delete(ctx context.Context, remoteID string) error {
	path, err := eventPath(remoteID)
	if err != nil {
		return err
	}
	err = c.doJSON(ctx, http.MethodDelete, path, nil, nil)
	if errors.Is(err, calsync.ErrRemoteNotFound) {
		return nil
	}
	return err
}

func (c *HTTPClient) Get(ctx context.Context, remoteID string) (calsync.EventPayload, error) {
	path, err := eventPath(remoteID)
	if err != nil {
		return calsync.EventPayload{}, err
	}
	var ev wireEvent
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &ev); err != nil {
		return calsync.EventPayload{}, err
	}
	payload, err := fromWire(ev)
	if err != nil {
		return calsync.EventPayload{}, &calsync.TransientError{Err: fmt.Errorf("decode event %s: %w", remoteID, err)}
	}
	return payload, nil
}

func eventPath(remoteID string) (string, error) {
	remoteID = strings.TrimSpace(remoteID)
	if remoteID == "" {
		return "", calsync.NewValidationError("remote id is required")
	}
	return "/v1/events/" + url.PathEscape(remoteID), nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body []byte, out any) error {
	if c == nil {
		return fmt.Errorf("remote http client is nil")
	}
	if c.baseURL == "" {
		return calsync.NewValidationError("remote base url is not configured")
	}
	if c.tokenProvider == nil {
		return calsync.NewAuthError("remote token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return err
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return calsync.NewAuthError("remote token is empty")
	}
	correlationID := "rc_" + uuid.NewString()

	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Correlation-Id", correlationID)
		req.Header.Set("User-Agent", c.userAgent)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return &calsync.TransientError{Err: ctx.Err()}
			}
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return &calsync.TransientError{Err: waitErr}
				}
				continue
			}
			return &calsync.TransientError{Err: err}
		}

		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return &calsync.TransientError{Err: readErr}
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
				return nil
			}
			if err := json.Unmarshal(respBody, out); err != nil {
				return &calsync.TransientError{Err: fmt.Errorf("decode %s %s response: %w", method, path, err)}
			}
			return nil
		}

		respErr := classifyResponse(resp.StatusCode, resp.Header.Get("Retry-After"), respBody)
		if errors.Is(respErr, calsync.ErrNetworkTransient) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return &calsync.TransientError{Err: waitErr}
			}
			continue
		}
		return respErr
	}
}

// classifyResponse maps a non-2xx provider response onto the sync taxonomy.
func classifyResponse(status int, retryAfter string, body []byte) error {
	code, message := parseErrorBody(body)
	if message == "" {
		message = http.StatusText(status)
	}
	switch {
	case status == http.StatusNotFound || status == http.StatusGone:
		return &calsync.RemoteError{Kind: calsync.RemoteKindNotFound, StatusCode: status, Code: code, Message: message}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &calsync.RemoteError{Kind: calsync.RemoteKindAuth, StatusCode: status, Code: code, Message: message}
	case status == http.StatusRequestTimeout || status == http.StatusTooEarly ||
		status == http.StatusTooManyRequests || status >= 500:
		return &calsync.TransientError{
			Err:        fmt.Errorf("http %d: %s", status, message),
			RetryAfter: parseRetryAfter(retryAfter, time.Now()),
		}
	default:
		return &calsync.RemoteError{Kind: calsync.RemoteKindValidation, StatusCode: status, Code: code, Message: message}
	}
}

// parseErrorBody accepts both the flat {code,message} shape and the Graph
// {error:{code,message}} envelope.
func parseErrorBody(body []byte) (string, string) {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Error   *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", strings.TrimSpace(string(body))
	}
	if parsed.Error != nil {
		return parsed.Error.Code, strings.TrimSpace(parsed.Error.Message)
	}
	return parsed.Code, strings.TrimSpace(parsed.Message)
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader, time.Now()); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
