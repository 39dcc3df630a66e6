// Package relay implements the push fan-out client: HMAC-signed event,
// heartbeat and pairing calls to the Relay service, pair-code generation,
// and the update-compatibility checker.
package relay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/volteec/volteec-server/internal/model"
)

// Relay event types.
const (
	EventUPSStatusChange       = "ups_status_change"
	EventBatteryLow            = "battery_low"
	EventServerUpdateRequired  = "server_update_required"
	EventServerUpdateAvailable = "server_update_available"
)

const (
	connectTimeout = 10 * time.Second
	attemptTimeout = 15 * time.Second
	retryDelay     = 2 * time.Second
	eventAttempts  = 2
	maxInFlight    = 16
	eventPath      = "/event"
	heartbeatPath  = "/heartbeat"
	pairPath       = "/pair"
)

// permanentError marks a relay response that retrying cannot fix, such as a
// rejected device token. sendEvent stops on it immediately.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Config holds the validated Relay tenant settings.
type Config struct {
	BaseURL     string
	TenantID    string
	Secret      string
	ServerID    string
	Environment model.Environment
}

// Validate checks the config: URL parses, both IDs are UUIDs, secret set.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("relay: invalid base url %q", c.BaseURL)
	}
	if _, err := uuid.Parse(c.TenantID); err != nil {
		return fmt.Errorf("relay: tenant id is not a UUID: %w", err)
	}
	if _, err := uuid.Parse(c.ServerID); err != nil {
		return fmt.Errorf("relay: server id is not a UUID: %w", err)
	}
	if c.Secret == "" {
		return fmt.Errorf("relay: secret must not be empty")
	}
	return nil
}

// DeviceCounter reports how many push registrations exist; the broadcast
// helpers skip the network entirely at zero.
type DeviceCounter interface {
	Count() (int, error)
}

// Client posts signed JSON to the Relay. Event and heartbeat sends are
// asynchronous and never surface errors to the caller; CreatePairCode is
// synchronous and propagates failures.
type Client struct {
	cfg  Config
	http *http.Client

	// observe, when set, is called once per HTTP attempt with the path and
	// whether the relay answered 2xx.
	observe func(path string, ok bool)

	sem chan struct{}
	wg  sync.WaitGroup
}

// EventParams carries one outbound push event.
type EventParams struct {
	Type           string
	Status         model.Status
	UPSID          string
	Environment    model.Environment
	Timestamp      int64 // seconds since epoch
	BatteryLevel   *int
	InstallationID *string
}

type eventBody struct {
	TenantID       string  `json:"tenantId"`
	EventID        string  `json:"eventId"`
	EventType      string  `json:"eventType"`
	Timestamp      int64   `json:"timestamp"`
	Environment    string  `json:"environment"`
	UPSID          string  `json:"upsId,omitempty"`
	Status         string  `json:"status,omitempty"`
	ServerID       string  `json:"serverId,omitempty"`
	BatteryLevel   *int    `json:"batteryLevel,omitempty"`
	InstallationID *string `json:"installationId,omitempty"`
}

type heartbeatBody struct {
	TenantID  string `json:"tenantId"`
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
}

type pairBody struct {
	TenantID  string `json:"tenantId"`
	ServerID  string `json:"serverId"`
	PairCode  string `json:"pairCode"`
	Timestamp int64  `json:"timestamp"`
}

// NewClient creates a Client for a validated config.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		cfg: cfg,
		http: &http.Client{
			Timeout: attemptTimeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
			},
		},
		sem: make(chan struct{}, maxInFlight),
	}, nil
}

// SetObserver installs a per-attempt outcome callback. Must be called
// before any send.
func (c *Client) SetObserver(fn func(path string, ok bool)) {
	c.observe = fn
}

// Environment returns the configured default push environment.
func (c *Client) Environment() model.Environment {
	return c.cfg.Environment
}

// ServerID returns the configured relay server id.
func (c *Client) ServerID() string {
	return c.cfg.ServerID
}

// BaseURL returns the configured relay base URL.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// SendEvent posts a push event asynchronously with one retry. The caller
// never blocks on the outcome.
func (c *Client) SendEvent(p EventParams) {
	c.async(func() {
		if err := c.sendEvent(context.Background(), p); err != nil {
			log.Printf("[relay] event %s for %q dropped: %v", p.Type, p.UPSID, err)
		}
	})
}

// sendEvent is the synchronous core of SendEvent: up to eventAttempts tries
// with retryDelay between, exiting on the first 2xx.
func (c *Client) sendEvent(ctx context.Context, p EventParams) error {
	env := p.Environment
	if env == "" {
		env = c.cfg.Environment
	}
	body := eventBody{
		TenantID:       c.cfg.TenantID,
		EventID:        uuid.NewString(),
		EventType:      p.Type,
		Timestamp:      p.Timestamp,
		Environment:    string(env),
		UPSID:          p.UPSID,
		Status:         string(p.Status),
		ServerID:       c.cfg.ServerID,
		BatteryLevel:   p.BatteryLevel,
		InstallationID: p.InstallationID,
	}

	var lastErr error
	for attempt := 1; attempt <= eventAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
		if lastErr = c.post(ctx, eventPath, body, p.Timestamp); lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return lastErr
		}
	}
	return lastErr
}

// SendHeartbeat posts a liveness ping asynchronously. No retry; failures
// are logged and dropped.
func (c *Client) SendHeartbeat(timestamp int64) {
	c.async(func() {
		body := heartbeatBody{TenantID: c.cfg.TenantID, ServerID: c.cfg.ServerID, Timestamp: timestamp}
		if err := c.post(context.Background(), heartbeatPath, body, timestamp); err != nil {
			log.Printf("[relay] heartbeat dropped: %v", err)
		}
	})
}

// CreatePairCode registers a pairing code with the Relay. Unlike the other
// calls this is synchronous; any failure propagates so the HTTP layer can
// answer 502.
func (c *Client) CreatePairCode(ctx context.Context, code string, timestamp int64) error {
	body := pairBody{TenantID: c.cfg.TenantID, ServerID: c.cfg.ServerID, PairCode: code, Timestamp: timestamp}
	return c.post(ctx, pairPath, body, timestamp)
}

// SendServerUpdateRequired broadcasts a tenant-level update_required event
// to both push environments. Skipped when no devices are registered.
func (c *Client) SendServerUpdateRequired(devices DeviceCounter) {
	c.broadcast(devices, EventServerUpdateRequired)
}

// SendServerUpdateAvailable broadcasts a tenant-level update_available event
// to both push environments. Skipped when no devices are registered.
func (c *Client) SendServerUpdateAvailable(devices DeviceCounter) {
	c.broadcast(devices, EventServerUpdateAvailable)
}

func (c *Client) broadcast(devices DeviceCounter, eventType string) {
	n, err := devices.Count()
	if err != nil {
		log.Printf("[relay] %s skipped, device count failed: %v", eventType, err)
		return
	}
	if n == 0 {
		return
	}
	now := time.Now().Unix()
	for _, env := range []model.Environment{model.EnvironmentSandbox, model.EnvironmentProduction} {
		c.SendEvent(EventParams{Type: eventType, Environment: env, Timestamp: now})
	}
}

// post serializes body once and sends it with the signature computed over
// the exact bytes on the wire.
func (c *Client) post(ctx context.Context, path string, body any, timestamp int64) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s body: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}

	nonce := uuid.NewString()
	ts := strconv.FormatInt(timestamp, 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	req.Header.Set("X-Volteec-Nonce", nonce)
	req.Header.Set("X-Volteec-Signature", Sign(c.cfg.Secret, ts, nonce, raw))

	resp, err := c.http.Do(req)
	if err != nil {
		c.observeResult(path, false)
		return fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode <= 299
	c.observeResult(path, ok)
	if !ok {
		err := fmt.Errorf("post %s: relay answered %d", path, resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode <= 499 {
			return &permanentError{err: err}
		}
		return err
	}
	return nil
}

func (c *Client) observeResult(path string, ok bool) {
	if c.observe != nil {
		c.observe(path, ok)
	}
}

// async runs fn on its own goroutine, bounded by the in-flight semaphore.
func (c *Client) async(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.sem <- struct{}{}
		defer func() { <-c.sem }()
		fn()
	}()
}

// Wait blocks until all in-flight async sends have finished. Used on
// shutdown and in tests.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Sign computes the request signature: hex(HMAC-SHA256(secret,
// "<timestamp>\n<nonce>\n<rawBody>")).
func Sign(secret, timestamp, nonce string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether sig matches the signature of the given request
// parts. Exposed for tests and for local verification tooling.
func Verify(secret, timestamp, nonce string, rawBody []byte, sig string) bool {
	expected := Sign(secret, timestamp, nonce, rawBody)
	return hmac.Equal([]byte(expected), []byte(sig))
}
