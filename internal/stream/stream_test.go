package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/volteec/volteec-server/internal/bus"
	"github.com/volteec/volteec-server/internal/metrics"
	"github.com/volteec/volteec-server/internal/model"
)

type fakeLister struct {
	rows []model.UPS
	err  error
}

func (f fakeLister) List() ([]model.UPS, error) { return f.rows, f.err }

type frame struct {
	event string
	data  map[string]any
}

// readFrame parses the next "event:/data:" pair off the stream.
func readFrame(t *testing.T, sc *bufio.Scanner) frame {
	t.Helper()
	var fr frame
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			fr.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			payload := strings.TrimPrefix(line, "data: ")
			if err := json.Unmarshal([]byte(payload), &fr.data); err != nil {
				t.Fatalf("frame data: %v", err)
			}
		case line == "":
			if fr.event != "" {
				return fr
			}
		}
	}
	t.Fatalf("stream ended early: %v", sc.Err())
	return fr
}

func snapshotRow(id string, battery int) model.UPS {
	raw := "OL"
	return model.UPS{
		UPSID:          id,
		Status:         model.StatusOnline,
		StatusRaw:      &raw,
		BatteryPercent: &battery,
	}
}

func newStreamServer(t *testing.T, b *bus.Bus, rows []model.UPS) *httptest.Server {
	t.Helper()
	h := NewHandler(b, fakeLister{rows: rows}, metrics.New())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func openStream(t *testing.T, url string) (*bufio.Scanner, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: got %s", ct)
	}
	return bufio.NewScanner(resp.Body), cancel
}

// waitForSubscribers polls until the bus reaches n subscriptions.
func waitForSubscribers(t *testing.T, b *bus.Bus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for b.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers: got %d, want %d", b.Len(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStream_SnapshotThenEvents(t *testing.T) {
	b := bus.New()
	srv := newStreamServer(t, b, []model.UPS{snapshotRow("ups1", 90), snapshotRow("ups2", 80)})
	sc, cancel := openStream(t, srv.URL+"?rate=1s")
	defer cancel()

	// Snapshot phase: one metrics_update per stored UPS.
	for _, want := range []string{"ups1", "ups2"} {
		fr := readFrame(t, sc)
		if fr.event != "metrics_update" {
			t.Fatalf("snapshot event: got %s", fr.event)
		}
		if fr.data["upsId"] != want {
			t.Errorf("snapshot upsId: got %v, want %s", fr.data["upsId"], want)
		}
		if fr.data["schemaVersion"] != SchemaVersion {
			t.Errorf("schemaVersion: got %v", fr.data["schemaVersion"])
		}
		if _, err := time.Parse(time.RFC3339, fr.data["updatedAt"].(string)); err != nil {
			t.Errorf("updatedAt not RFC3339: %v", fr.data["updatedAt"])
		}
	}

	waitForSubscribers(t, b, 1)
	raw := "OB LB"
	battery := 17
	b.Publish(bus.Event{
		Type: bus.EventStatusChange,
		UPS: &model.UPS{
			UPSID:          "ups1",
			Status:         model.StatusOnBattery,
			StatusRaw:      &raw,
			BatteryPercent: &battery,
		},
		HasLowBattery: true,
	})

	fr := readFrame(t, sc)
	if fr.event != "status_change" {
		t.Fatalf("event: got %s, want status_change", fr.event)
	}
	if fr.data["status"] != "on_battery" {
		t.Errorf("status: got %v", fr.data["status"])
	}
	if fr.data["hasLowBattery"] != true {
		t.Errorf("hasLowBattery: got %v", fr.data["hasLowBattery"])
	}
	if fr.data["batteryPercent"] != float64(17) {
		t.Errorf("batteryPercent: got %v", fr.data["batteryPercent"])
	}
}

func TestStream_MetricsUpdatesRateLimited(t *testing.T) {
	b := bus.New()
	srv := newStreamServer(t, b, nil)
	sc, cancel := openStream(t, srv.URL+"?rate=5s")
	defer cancel()
	waitForSubscribers(t, b, 1)

	u := snapshotRow("ups1", 90)
	// Two rapid metrics updates: the second is inside the 5s window and
	// must be suppressed. A status change afterwards always goes through.
	b.Publish(bus.Event{Type: bus.EventMetricsUpdate, UPS: &u})
	b.Publish(bus.Event{Type: bus.EventMetricsUpdate, UPS: &u})
	b.Publish(bus.Event{Type: bus.EventStatusChange, UPS: &u})

	if fr := readFrame(t, sc); fr.event != "metrics_update" {
		t.Fatalf("first event: got %s, want metrics_update", fr.event)
	}
	if fr := readFrame(t, sc); fr.event != "status_change" {
		t.Fatalf("second event: got %s, want status_change (rate-limited frame leaked)", fr.event)
	}
}

func TestStream_StatusChangeBypassesLimiter(t *testing.T) {
	b := bus.New()
	srv := newStreamServer(t, b, nil)
	sc, cancel := openStream(t, srv.URL+"?rate=5s")
	defer cancel()
	waitForSubscribers(t, b, 1)

	u := snapshotRow("ups1", 90)
	for i := 0; i < 3; i++ {
		b.Publish(bus.Event{Type: bus.EventStatusChange, UPS: &u})
	}
	for i := 0; i < 3; i++ {
		if fr := readFrame(t, sc); fr.event != "status_change" {
			t.Fatalf("event %d: got %s, want status_change", i, fr.event)
		}
	}
}

func TestStream_SubscriberLimit(t *testing.T) {
	b := bus.New()
	for i := 0; i < bus.MaxSubscribers; i++ {
		if _, err := b.Subscribe(func(bus.Event) {}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}
	srv := newStreamServer(t, b, nil)

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}

func TestStream_DisconnectUnsubscribes(t *testing.T) {
	b := bus.New()
	srv := newStreamServer(t, b, nil)
	_, cancel := openStream(t, srv.URL)
	waitForSubscribers(t, b, 1)

	cancel()
	waitForSubscribers(t, b, 0)
}

func TestStream_CloseEndsLiveStreams(t *testing.T) {
	b := bus.New()
	h := NewHandler(b, fakeLister{}, metrics.New())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	waitForSubscribers(t, b, 1)

	// Closing the handler must end the stream without the client hanging up:
	// the body reaches EOF and the subscription is released.
	h.Close()
	sc := bufio.NewScanner(resp.Body)
	done := make(chan struct{})
	go func() {
		for sc.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after Close")
	}
	waitForSubscribers(t, b, 0)

	// New connections are refused once closed.
	resp2, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status after close: got %d, want 503", resp2.StatusCode)
	}
}

func TestStream_SnapshotErrorEndsStream(t *testing.T) {
	b := bus.New()
	h := NewHandler(b, fakeLister{err: fmt.Errorf("db gone")}, metrics.New())
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	// Headers were already sent; the body must simply end with no frames.
	sc := bufio.NewScanner(resp.Body)
	if sc.Scan() {
		t.Errorf("unexpected frame line: %q", sc.Text())
	}
	waitForSubscribers(t, b, 0)
}
