// Package stream serves live UPS snapshots over Server-Sent Events, fed by
// the in-process event bus.
package stream

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/volteec/volteec-server/internal/bus"
	"github.com/volteec/volteec-server/internal/metrics"
	"github.com/volteec/volteec-server/internal/model"
)

const (
	// SchemaVersion tags every frame payload.
	SchemaVersion = "1.0"

	heartbeatInterval = 10 * time.Second

	// GlobalMetricsFrameLimit caps metrics frames process-wide per rolling
	// second across all connections.
	GlobalMetricsFrameLimit = 50

	defaultRate = 3 * time.Second
)

// UPSLister supplies the snapshot sent at stream start.
type UPSLister interface {
	List() ([]model.UPS, error)
}

// UPSStatusPayload is the data field of status_change and metrics_update
// frames.
type UPSStatusPayload struct {
	model.UPS
	HasLowBattery bool   `json:"hasLowBattery"`
	SchemaVersion string `json:"schemaVersion"`
	UpdatedAt     string `json:"updatedAt"`
}

// HeartbeatPayload is the data field of heartbeat frames.
type HeartbeatPayload struct {
	SchemaVersion string `json:"schemaVersion"`
	Timestamp     string `json:"timestamp"`
}

// Handler streams bus events to SSE clients.
type Handler struct {
	bus     *bus.Bus
	store   UPSLister
	global  *GlobalMetricsLimiter
	metrics *metrics.Metrics

	closed    chan struct{}
	closeOnce sync.Once
}

// NewHandler creates the SSE handler. The global limiter is shared across
// all connections served by this handler.
func NewHandler(b *bus.Bus, store UPSLister, m *metrics.Metrics) *Handler {
	return &Handler{
		bus:     b,
		store:   store,
		global:  NewGlobalMetricsLimiter(GlobalMetricsFrameLimit),
		metrics: m,
		closed:  make(chan struct{}),
	}
}

// Close ends every open stream and refuses new ones. http.Server.Shutdown
// waits for in-flight requests without cancelling their contexts, so the
// server calls this first to let streaming handlers return.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closed) })
}

// parseRate maps the ?rate= query value to a metrics interval. Unknown or
// missing values fall back to 3s.
func parseRate(v string) time.Duration {
	switch v {
	case "1s":
		return time.Second
	case "5s":
		return 5 * time.Second
	default:
		return defaultRate
	}
}

// sseConn serializes frame writes for one connection. The first write error
// latches: every later write is refused and done is closed.
type sseConn struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu       sync.Mutex
	failed   bool
	done     chan struct{}
	doneOnce sync.Once
}

func newSSEConn(w http.ResponseWriter, flusher http.Flusher) *sseConn {
	return &sseConn{w: w, flusher: flusher, done: make(chan struct{})}
}

func (c *sseConn) close() {
	c.doneOnce.Do(func() { close(c.done) })
}

// writeFrame emits one "event:/data:" frame. On any write error the
// connection is considered dead.
func (c *sseConn) writeFrame(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("stream: marshal %s payload: %w", event, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed {
		return fmt.Errorf("stream: connection already failed")
	}
	if _, err := fmt.Fprintf(c.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		c.failed = true
		c.close()
		return err
	}
	c.flusher.Flush()
	return nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	select {
	case <-h.closed:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	rate := parseRate(r.URL.Query().Get("rate"))

	conn := newSSEConn(w, flusher)
	perUPS := NewMetricsRateLimiter(rate)

	subID, err := h.bus.Subscribe(func(ev bus.Event) {
		h.deliver(conn, perUPS, ev)
	})
	if err != nil {
		// Subscriber cap reached; no frames, just an error status.
		http.Error(w, "subscriber limit exceeded", http.StatusServiceUnavailable)
		return
	}
	h.metrics.SSESubscribers.Inc()
	defer h.metrics.SSESubscribers.Dec()
	// Unsubscribing here (not inside the handler) avoids re-entering the bus
	// lock during a publish.
	defer h.bus.Unsubscribe(subID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := h.sendSnapshot(conn); err != nil {
		return
	}

	stopHeartbeat := make(chan struct{})
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		h.heartbeatLoop(conn, stopHeartbeat)
	}()

	select {
	case <-r.Context().Done():
	case <-conn.done:
	case <-h.closed:
	}
	conn.close()
	close(stopHeartbeat)
	hbWG.Wait()
}

// sendSnapshot emits one metrics_update frame per known UPS.
func (h *Handler) sendSnapshot(conn *sseConn) error {
	all, err := h.store.List()
	if err != nil {
		log.Printf("[sse] snapshot query failed: %v", err)
		return err
	}
	for i := range all {
		if err := conn.writeFrame(string(bus.EventMetricsUpdate), h.payload(&all[i], all[i].HasLowBattery())); err != nil {
			return err
		}
		h.metrics.SSEFramesSent.WithLabelValues(string(bus.EventMetricsUpdate)).Inc()
	}
	return nil
}

// deliver is the bus callback for one connection. It never blocks on the
// bus: write failures latch the connection and the serving goroutine cleans
// up.
func (h *Handler) deliver(conn *sseConn, perUPS *MetricsRateLimiter, ev bus.Event) {
	if ev.UPS == nil {
		return
	}
	switch ev.Type {
	case bus.EventStatusChange:
		// Always forwarded.
	case bus.EventMetricsUpdate:
		if !perUPS.Allow(ev.UPS.UPSID) || !h.global.Allow() {
			h.metrics.SSEFramesDropped.Inc()
			return
		}
	default:
		return
	}

	if err := conn.writeFrame(string(ev.Type), h.payload(ev.UPS, ev.HasLowBattery)); err != nil {
		return
	}
	h.metrics.SSEFramesSent.WithLabelValues(string(ev.Type)).Inc()
}

func (h *Handler) heartbeatLoop(conn *sseConn, stop <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-conn.done:
			return
		case <-ticker.C:
			payload := HeartbeatPayload{
				SchemaVersion: SchemaVersion,
				Timestamp:     time.Now().UTC().Format(time.RFC3339),
			}
			if err := conn.writeFrame("heartbeat", payload); err != nil {
				return
			}
			h.metrics.SSEFramesSent.WithLabelValues("heartbeat").Inc()
		}
	}
}

func (h *Handler) payload(u *model.UPS, lowBattery bool) UPSStatusPayload {
	return UPSStatusPayload{
		UPS:           *u,
		HasLowBattery: lowBattery,
		SchemaVersion: SchemaVersion,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339),
	}
}
