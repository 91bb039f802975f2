package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycal/internal/calsync"
	"github.com/agentworkforce/relaycal/internal/watermark"
)

// SyncEngine is the part of calsync.Engine the control API drives.
type SyncEngine interface {
	SaveEvent(ev calsync.Event) (calsync.Action, error)
	DeleteEvent(id string) (calsync.Action, error)
	Events() calsync.EventStore
	ActionLog() *calsync.ActionLog
	Resync(entityID string) (int, error)
	Start() error
	Stop()
	SyncNow() bool
	TriggerForeground() bool
	TriggerSignIn() bool
	State() watermark.State
	Watermark() watermark.Watermark
}

type Logger interface {
	Printf(format string, args ...any)
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	Logger          Logger
}

type Server struct {
	engine      SyncEngine
	stream      http.Handler
	cfg         ServerConfig
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

// NewServer builds the control API. stream serves /v1/watermark/ws and may be
// nil, in which case the route answers 404.
func NewServer(engine SyncEngine, stream http.Handler, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		engine:      engine,
		stream:      stream,
		cfg:         cfg,
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": string(s.engine.State())})
		return
	}
	if r.URL.Path == "/dashboard" {
		s.handleDashboard(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodPost:
		requiredScope = ScopeActionsWrite
		route = "record_action"
	case len(parts) == 2 && parts[1] == "actions" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "list_actions"
	case len(parts) == 4 && parts[1] == "actions" && parts[3] == "resync" && r.Method == http.MethodPost:
		requiredScope = ScopeSyncTrigger
		route = "resync"
	case len(parts) == 3 && parts[1] == "events" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "event"
	case len(parts) == 3 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope = ScopeSyncTrigger
		route = "sync_" + parts[2]
	case len(parts) == 2 && parts[1] == "watermark" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "watermark"
	case len(parts) == 3 && parts[1] == "watermark" && parts[2] == "ws" && r.Method == http.MethodGet:
		requiredScope = ScopeSyncRead
		route = "watermark_ws"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}

	authHeader := r.Header.Get("Authorization")
	if route == "watermark_ws" && authHeader == "" {
		// Browsers cannot set headers on a websocket upgrade.
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return
	}
	if route == "watermark_ws" {
		if s.stream == nil {
			writeError(w, http.StatusNotFound, "not_found", "watermark stream disabled", getCorrelationID(r))
			return
		}
		s.stream.ServeHTTP(w, r)
		return
	}
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing X-Correlation-Id header", "")
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "record_action":
		s.handleRecordAction(w, r, correlationID)
	case "list_actions":
		s.handleListActions(w, r, correlationID)
	case "resync":
		s.handleResync(w, parts[2], correlationID)
	case "event":
		s.handleEvent(w, parts[2], correlationID)
	case "sync_now", "sync_foreground", "sync_signin", "sync_start", "sync_stop":
		s.handleSyncTrigger(w, strings.TrimPrefix(route, "sync_"), correlationID)
	case "watermark":
		writeJSON(w, http.StatusOK, s.engine.Watermark())
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

type recordActionRequest struct {
	Operation calsync.Operation     `json:"operation"`
	EventID   string                `json:"eventId"`
	Tags      []string              `json:"tags"`
	Payload   *calsync.EventPayload `json:"payload"`
}

type actionResponse struct {
	Coalesced     bool                  `json:"coalesced"`
	Action        *calsync.ActionRecord `json:"action,omitempty"`
	Event         *calsync.Event        `json:"event,omitempty"`
	CorrelationID string                `json:"correlationId"`
}

func (s *Server) handleRecordAction(w http.ResponseWriter, r *http.Request, correlationID string) {
	var body recordActionRequest
	if !s.decodeJSONBody(w, r, correlationID, &body) {
		return
	}
	body.EventID = strings.TrimSpace(body.EventID)
	if body.EventID == "" || !body.Operation.Valid() {
		writeError(w, http.StatusBadRequest, "bad_request", "eventId and a valid operation are required", correlationID)
		return
	}
	_, exists := s.engine.Events().Get(body.EventID)

	var action calsync.Action
	var err error
	switch body.Operation {
	case calsync.OpCreate, calsync.OpUpdate:
		if body.Payload == nil {
			writeError(w, http.StatusBadRequest, "bad_request", "payload is required for "+string(body.Operation), correlationID)
			return
		}
		if body.Operation == calsync.OpCreate && exists {
			writeError(w, http.StatusConflict, "conflict", "event already exists: "+body.EventID, correlationID)
			return
		}
		if body.Operation == calsync.OpUpdate && !exists {
			writeError(w, http.StatusNotFound, "not_found", "event not found: "+body.EventID, correlationID)
			return
		}
		action, err = s.engine.SaveEvent(calsync.Event{
			ID:      body.EventID,
			Tags:    body.Tags,
			Payload: *body.Payload,
		})
	case calsync.OpDelete:
		action, err = s.engine.DeleteEvent(body.EventID)
	}
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	resp := actionResponse{Coalesced: action == nil, CorrelationID: correlationID}
	if action != nil {
		header := action.Header()
		resp.Action = &header
	}
	if ev, ok := s.engine.Events().Get(body.EventID); ok {
		resp.Event = &ev
	}
	s.logf("action recorded: op=%s event=%s coalesced=%t correlation=%s", body.Operation, body.EventID, resp.Coalesced, correlationID)
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request, correlationID string) {
	log := s.engine.ActionLog()
	var actions []calsync.Action
	switch state := strings.TrimSpace(r.URL.Query().Get("state")); state {
	case "", "pending":
		actions = log.Pending()
	case "failed":
		actions = log.Failed()
	case "all":
		actions = log.All()
	default:
		writeError(w, http.StatusBadRequest, "bad_request", "unknown state filter: "+state, correlationID)
		return
	}
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if len(actions) > limit {
		actions = actions[:limit]
	}
	items := make([]calsync.ActionRecord, 0, len(actions))
	for _, action := range actions {
		items = append(items, action.Header())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":   items,
		"pending": log.Len(),
	})
}

func (s *Server) handleResync(w http.ResponseWriter, entityID, correlationID string) {
	n, err := s.engine.Resync(entityID)
	if err != nil {
		s.writeEngineError(w, err, correlationID)
		return
	}
	if n == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no failed actions for "+entityID, correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"entityId":      entityID,
		"requeued":      n,
		"correlationId": correlationID,
	})
}

func (s *Server) handleEvent(w http.ResponseWriter, id, correlationID string) {
	ev, ok := s.engine.Events().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "event not found: "+id, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event": ev,
		"badge": syncBadge(ev),
	})
}

// syncBadge is the short label a UI shows next to an event.
func syncBadge(ev calsync.Event) string {
	switch ev.SyncStatus {
	case calsync.SyncSynced:
		return "synced"
	case calsync.SyncError:
		return "sync failed"
	default:
		return "waiting to sync"
	}
}

func (s *Server) handleSyncTrigger(w http.ResponseWriter, kind, correlationID string) {
	accepted := true
	switch kind {
	case "now":
		accepted = s.engine.SyncNow()
	case "foreground":
		accepted = s.engine.TriggerForeground()
	case "signin":
		accepted = s.engine.TriggerSignIn()
	case "start":
		if err := s.engine.Start(); err != nil {
			s.writeEngineError(w, err, correlationID)
			return
		}
	case "stop":
		s.engine.Stop()
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	if !accepted {
		writeError(w, http.StatusConflict, "not_running", calsync.ErrNotRunning.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"trigger":       kind,
		"state":         s.engine.State(),
		"correlationId": correlationID,
	})
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, calsync.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrLocalPersistence):
		s.logf("local persistence failed: %v correlation=%s", err, correlationID)
		writeError(w, http.StatusInternalServerError, "persistence_failed", err.Error(), correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger != nil {
		s.cfg.Logger.Printf(format, args...)
	}
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
