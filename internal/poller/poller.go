// Package poller runs the periodic NUT fetch cycle and feeds the store, the
// event bus and the relay.
package poller

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/volteec/volteec-server/internal/bus"
	"github.com/volteec/volteec-server/internal/metrics"
	"github.com/volteec/volteec-server/internal/model"
	"github.com/volteec/volteec-server/internal/nut"
	"github.com/volteec/volteec-server/internal/relay"
)

const (
	// DefaultInterval is the poll period when POLL_INTERVAL is unset.
	DefaultInterval = time.Second

	fetchAttempts   = 3
	heartbeatMinGap = 60 * time.Second
)

// retryDelays holds the wait before each fetch attempt.
var retryDelays = [fetchAttempts]time.Duration{0, time.Second, 2 * time.Second}

// Repo is the slice of the store the poller writes through.
type Repo interface {
	Upsert(u *model.UPS) (*model.UPS, *model.Status, error)
	RegisterFailure(upsID string) (*model.UPS, *model.Status, bool, error)
}

// Relay is the outbound push surface. Nil disables pushes entirely.
type Relay interface {
	SendEvent(p relay.EventParams)
	SendHeartbeat(timestamp int64)
	Environment() model.Environment
}

// Poller owns lastStatus and is the only writer of the UPS table.
type Poller struct {
	fetcher  nut.Fetcher
	repo     Repo
	bus      *bus.Bus
	relay    Relay
	metrics  *metrics.Metrics
	upsNames []string
	interval time.Duration

	lastStatus    map[string]model.Status
	lastHeartbeat time.Time

	running atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Poller. interval ≤ 0 falls back to DefaultInterval.
func New(fetcher nut.Fetcher, repo Repo, b *bus.Bus, rl Relay, m *metrics.Metrics, upsNames []string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Poller{
		fetcher:    fetcher,
		repo:       repo,
		bus:        b,
		relay:      rl,
		metrics:    m,
		upsNames:   upsNames,
		interval:   interval,
		lastStatus: make(map[string]model.Status),
	}
}

// Run blocks until ctx is cancelled. The first cycle starts one interval
// after Run is called.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.running.CompareAndSwap(false, true) {
				log.Printf("[poller] previous cycle still running, skipping tick")
				continue
			}
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				defer p.running.Store(false)
				p.runCycle(ctx)
			}()
		}
	}
}

// runCycle polls every configured UPS sequentially, then maybe heartbeats.
func (p *Poller) runCycle(ctx context.Context) {
	reachable := 0
	for _, name := range p.upsNames {
		if ctx.Err() != nil {
			return
		}
		if p.pollOne(ctx, name) {
			reachable++
		}
	}
	p.metrics.PollsTotal.Inc()
	p.metrics.UPSOnline.Set(float64(reachable))
	p.maybeHeartbeat()
}

// pollOne fetches one UPS and routes the result. Returns whether the UPS
// answered. A fetch abandoned by shutdown is not a UPS failure and leaves
// the failure counter untouched.
func (p *Poller) pollOne(ctx context.Context, name string) bool {
	vars, err := p.fetchWithRetry(ctx, name)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		p.metrics.PollFailuresTotal.WithLabelValues(name).Inc()
		p.handleFailure(name, err)
		return false
	}
	p.handleSuccess(nut.MapVariables(vars, name))
	return true
}

// fetchWithRetry makes up to three attempts with 0/1/2 s leading delays,
// each on a fresh connection.
func (p *Poller) fetchWithRetry(ctx context.Context, name string) (map[string]string, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		if delay := retryDelays[attempt]; delay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
		vars, err := p.fetchOnce(ctx, name)
		if err == nil {
			return vars, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	return nil, lastErr
}

// fetchOnce runs one connect/fetch/disconnect round. Cancelling ctx tears
// the connection down so a blocked read returns promptly.
func (p *Poller) fetchOnce(ctx context.Context, name string) (map[string]string, error) {
	if err := p.fetcher.Connect(); err != nil {
		return nil, err
	}
	defer p.fetcher.Disconnect()

	fetchDone := make(chan struct{})
	defer close(fetchDone)
	go func() {
		select {
		case <-ctx.Done():
			p.fetcher.Disconnect()
		case <-fetchDone:
		}
	}()

	vars, err := p.fetcher.FetchVariables(name)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return vars, err
}

// handleFailure registers a failed poll; on promotion to ups_offline it
// publishes the status change and pushes it to the relay.
func (p *Poller) handleFailure(name string, fetchErr error) {
	stored, _, changed, err := p.repo.RegisterFailure(name)
	if err != nil {
		log.Printf("[poller] register failure for %q: %v", name, err)
		return
	}
	if stored == nil {
		// Never successfully polled; nothing to track yet.
		log.Printf("[poller] %q unreachable and unknown: %v", name, fetchErr)
		return
	}
	if !changed {
		return
	}

	p.lastStatus[stored.UPSID] = stored.Status
	p.publish(bus.EventStatusChange, stored)
	p.pushStatusEvent(stored)
}

// handleSuccess persists a snapshot and emits change and metrics events.
func (p *Poller) handleSuccess(snapshot *model.UPS) {
	stored, repoPrev, err := p.repo.Upsert(snapshot)
	if err != nil {
		log.Printf("[poller] upsert %q: %v", snapshot.UPSID, err)
		return
	}

	// The in-memory map wins over the repository's previous status; the
	// repository only matters on the first cycle after startup.
	prev, known := p.lastStatus[stored.UPSID]
	if !known && repoPrev != nil {
		prev, known = *repoPrev, true
	}
	p.lastStatus[stored.UPSID] = stored.Status

	if known && prev != stored.Status {
		p.publish(bus.EventStatusChange, stored)
		p.pushStatusEvent(stored)
	}
	p.publish(bus.EventMetricsUpdate, stored)
}

func (p *Poller) publish(t bus.EventType, u *model.UPS) {
	p.bus.Publish(bus.Event{Type: t, UPS: u, HasLowBattery: u.HasLowBattery()})
	p.metrics.EventsPublished.WithLabelValues(string(t)).Inc()
}

// pushStatusEvent sends a relay event for a status transition: battery_low
// when the raw status reports LB, ups_status_change otherwise.
func (p *Poller) pushStatusEvent(u *model.UPS) {
	if p.relay == nil {
		return
	}
	eventType := relay.EventUPSStatusChange
	if u.HasLowBattery() {
		eventType = relay.EventBatteryLow
	}
	p.relay.SendEvent(relay.EventParams{
		Type:         eventType,
		Status:       u.Status,
		UPSID:        u.UPSID,
		Environment:  p.relay.Environment(),
		Timestamp:    time.Now().Unix(),
		BatteryLevel: u.BatteryPercent,
	})
}

// maybeHeartbeat pings the relay at most once per minute.
func (p *Poller) maybeHeartbeat() {
	if p.relay == nil {
		return
	}
	now := time.Now()
	if !p.lastHeartbeat.IsZero() && now.Sub(p.lastHeartbeat) < heartbeatMinGap {
		return
	}
	p.lastHeartbeat = now
	p.relay.SendHeartbeat(now.Unix())
}
