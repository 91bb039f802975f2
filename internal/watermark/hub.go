package watermark

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const hubWriteTimeout = 5 * time.Second

// Hub pushes published watermarks to websocket clients. New clients receive
// the latest watermark immediately after connecting.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger Logger

	broadcast chan Watermark

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}
	latest  *Watermark
}

func NewHub(logger Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
		broadcast: make(chan Watermark, 64),
		clients:   map[*websocket.Conn]struct{}{},
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

func (h *Hub) Broadcast(w Watermark) {
	h.mu.Lock()
	latest := w
	h.latest = &latest
	h.mu.Unlock()
	select {
	case h.broadcast <- w:
	case <-h.ctx.Done():
	default:
		h.logf("watermark hub: broadcast channel full, dropping sequence %d", w.Sequence)
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case w := <-h.broadcast:
			data, err := json.Marshal(w)
			if err != nil {
				h.logf("watermark hub: marshal failed: %v", err)
				continue
			}
			h.mu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.mu.RUnlock()
			for _, conn := range clients {
				if err := h.write(conn, data); err != nil {
					h.logf("watermark hub: send failed: %v", err)
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(h.ctx, hubWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logf("watermark hub: upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	var latest *Watermark
	if h.latest != nil {
		copied := *h.latest
		latest = &copied
	}
	h.mu.Unlock()

	if latest != nil {
		if data, err := json.Marshal(latest); err == nil {
			if err := h.write(conn, data); err != nil {
				h.removeClient(conn)
				return
			}
		}
	}
	h.wg.Add(1)
	go h.readLoop(conn)
}

// readLoop only detects disconnects; clients never send anything.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.wg.Done()
	defer h.removeClient(conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
	}
	h.clients = map[*websocket.Conn]struct{}{}
	h.mu.Unlock()
	for _, conn := range clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	h.cancel()
	h.wg.Wait()
	return nil
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger != nil {
		h.logger.Printf(format, args...)
	}
}

// DialObserver streams watermarks from a hub until ctx is done or the
// connection drops. Deliveries with a sequence not above the last one seen
// are discarded.
func DialObserver(ctx context.Context, url string, header http.Header, fn func(Watermark)) error {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return fmt.Errorf("dial watermark hub: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	var lastSeq uint64
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var w Watermark
		if err := json.Unmarshal(data, &w); err != nil {
			continue
		}
		if w.Sequence <= lastSeq {
			continue
		}
		lastSeq = w.Sequence
		if fn != nil {
			fn(w)
		}
	}
}
