package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/robfig/cron/v3"
)

// ProtocolVersion is the relay protocol this server speaks.
const ProtocolVersion = "1.1"

// Compatibility classifies this server's protocol version against the
// relay's /meta answer.
type Compatibility string

const (
	CompatSupported   Compatibility = "supported"
	CompatDeprecated  Compatibility = "deprecated"
	CompatUnsupported Compatibility = "unsupported"
	CompatUnreachable Compatibility = "unreachable"
	CompatInvalid     Compatibility = "invalid"
)

// metaResponse is the relay's version map: protocol version -> state.
type metaResponse struct {
	Protocols map[string]string `json:"protocols"`
}

// Checker fetches relay metadata on a daily schedule, classifies protocol
// compatibility and notifies registered devices when the server needs an
// update.
type Checker struct {
	client  *Client
	devices DeviceCounter
	http    *http.Client
	cron    *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last Compatibility
}

// NewChecker creates a Checker; call Start to schedule it.
func NewChecker(client *Client, devices DeviceCounter) *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		client:  client,
		devices: devices,
		http:    &http.Client{Timeout: attemptTimeout},
		cron:    cron.New(),
		ctx:     ctx,
		cancel:  cancel,
		last:    CompatUnreachable,
	}
}

// Start runs one check in the background immediately, then daily.
func (c *Checker) Start() error {
	if _, err := c.cron.AddFunc("0 4 * * *", func() {
		if err := c.runOnce(c.ctx); err != nil {
			log.Printf("[updates] scheduled check failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("updates: schedule: %w", err)
	}
	c.cron.Start()

	go func() {
		if err := c.runOnce(c.ctx); err != nil {
			log.Printf("[updates] startup check failed: %v", err)
		}
	}()
	return nil
}

// Stop cancels any in-flight check and stops the schedule.
func (c *Checker) Stop() {
	c.cancel()
	ctx := c.cron.Stop()
	<-ctx.Done()
}

// Compatibility returns the most recent classification.
func (c *Checker) Compatibility() Compatibility {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// runOnce fetches /meta, stores the classification and pushes update events
// on deprecated or unsupported results.
func (c *Checker) runOnce(ctx context.Context) error {
	compat, err := c.classify(ctx)

	c.mu.Lock()
	c.last = compat
	c.mu.Unlock()

	switch compat {
	case CompatUnsupported:
		log.Printf("[updates] protocol %s is no longer supported, update required", ProtocolVersion)
		c.client.SendServerUpdateRequired(c.devices)
	case CompatDeprecated:
		log.Printf("[updates] protocol %s is deprecated, update available", ProtocolVersion)
		c.client.SendServerUpdateAvailable(c.devices)
	}
	return err
}

// classify performs the metadata fetch. Network or HTTP-level failure is
// unreachable; a body we cannot interpret is invalid.
func (c *Checker) classify(ctx context.Context) (Compatibility, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.client.BaseURL()+"/meta", nil)
	if err != nil {
		return CompatUnreachable, fmt.Errorf("updates: build meta request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return CompatUnreachable, fmt.Errorf("updates: fetch meta: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return CompatUnreachable, fmt.Errorf("updates: relay answered %d", resp.StatusCode)
	}

	var meta metaResponse
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return CompatInvalid, fmt.Errorf("updates: decode meta: %w", err)
	}
	state, ok := meta.Protocols[ProtocolVersion]
	if !ok {
		// Version absent from the map means the relay dropped it.
		return CompatUnsupported, nil
	}
	switch Compatibility(state) {
	case CompatSupported, CompatDeprecated, CompatUnsupported:
		return Compatibility(state), nil
	default:
		return CompatInvalid, fmt.Errorf("updates: unknown protocol state %q", state)
	}
}

// CheckNow runs a single classification outside the schedule, bounded by a
// request timeout. Used by tests and the simulate endpoint.
func (c *Checker) CheckNow() Compatibility {
	ctx, cancel := context.WithTimeout(c.ctx, attemptTimeout)
	defer cancel()
	if err := c.runOnce(ctx); err != nil {
		log.Printf("[updates] check failed: %v", err)
	}
	return c.Compatibility()
}
