// Package nut implements a client for the Network UPS Tools (upsd) line
// protocol and the canonical mapping from raw NUT variables to UPS snapshots.
package nut

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Protocol timeouts.
const (
	connectTimeout = 10 * time.Second
	fetchDeadline  = 30 * time.Second
)

// Sentinel errors for the NUT protocol taxonomy. Callers match with errors.Is.
var (
	ErrConnectionFailed = errors.New("nut: connection failed")
	ErrTimeout          = errors.New("nut: timeout")
	ErrAuthFailed       = errors.New("nut: authentication failed")
	ErrUPSNotFound      = errors.New("nut: ups not found")
	ErrChannelClosed    = errors.New("nut: connection closed")
	ErrInvalidResponse  = errors.New("nut: invalid response")
	errConnectInFlight  = errors.New("nut: connect already in progress")
	errNotConnected     = errors.New("nut: not connected")
)

// Fetcher abstracts the NUT data source so the poller can be tested with a
// fake. Connect and Disconnect bracket each fetch attempt; the poller always
// uses a fresh connection per try.
type Fetcher interface {
	Connect() error
	Disconnect()
	FetchVariables(upsName string) (map[string]string, error)
}

// Client speaks the upsd line protocol over TCP. A Client is safe for use by
// one goroutine at a time per operation; concurrent Connect calls fail fast
// rather than queue.
type Client struct {
	host     string
	port     int
	username string
	password string

	mu         sync.Mutex
	conn       net.Conn
	reader     *bufio.Reader
	connecting bool
}

// NewClient returns a disconnected client for the given upsd endpoint.
// Credentials are optional; empty strings skip authentication.
func NewClient(host string, port int, username, password string) *Client {
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
	}
}

// Connect dials upsd and authenticates when credentials are configured.
// An already-open connection is reused. A second Connect while one is in
// progress fails immediately. On any failure the client is left disconnected.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	if c.connecting {
		c.mu.Unlock()
		return errConnectInFlight
	}
	c.connecting = true
	c.mu.Unlock()

	conn, reader, err := c.dialAndAuth()

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.conn = nil
		c.reader = nil
		c.mu.Unlock()
		return err
	}
	c.conn = conn
	c.reader = reader
	c.mu.Unlock()
	return nil
}

func (c *Client) dialAndAuth() (net.Conn, *bufio.Reader, error) {
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := net.DialTimeout("tcp", addr, connectTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, addr, err)
	}

	reader := bufio.NewReader(conn)
	if c.username != "" {
		if err := roundTripOK(conn, reader, "USERNAME "+c.username); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	if c.password != "" {
		if err := roundTripOK(conn, reader, "PASSWORD "+c.password); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	return conn, reader, nil
}

// roundTripOK sends one command line and requires a reply starting with "OK".
func roundTripOK(conn net.Conn, reader *bufio.Reader, cmd string) error {
	deadline := time.Now().Add(connectTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("%w: set deadline: %v", ErrConnectionFailed, err)
	}
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		return wrapIOError(err)
	}
	line, err := reader.ReadString('\n')
	if err != nil {
		return wrapIOError(err)
	}
	if !strings.HasPrefix(strings.TrimRight(line, "\r\n"), "OK") {
		return fmt.Errorf("%w: %q", ErrAuthFailed, strings.TrimSpace(line))
	}
	return nil
}

// FetchVariables issues LIST VAR for the named UPS and returns all reported
// variables. The whole exchange is bounded by a 30 s deadline.
func (c *Client) FetchVariables(upsName string) (map[string]string, error) {
	c.mu.Lock()
	conn, reader := c.conn, c.reader
	c.mu.Unlock()
	if conn == nil {
		return nil, errNotConnected
	}

	if err := conn.SetDeadline(time.Now().Add(fetchDeadline)); err != nil {
		return nil, fmt.Errorf("%w: set deadline: %v", ErrConnectionFailed, err)
	}
	if _, err := conn.Write([]byte("LIST VAR " + upsName + "\n")); err != nil {
		return nil, wrapIOError(err)
	}

	vars := make(map[string]string)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, wrapIOError(err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(line, "END LIST VAR"):
			return vars, nil
		case line == "ERR UNKNOWN-UPS":
			return nil, ErrUPSNotFound
		case strings.HasPrefix(line, "ERR"):
			return nil, fmt.Errorf("%w: %q", ErrInvalidResponse, line)
		case strings.HasPrefix(line, "VAR "):
			key, value, ok := parseVarLine(line, upsName)
			if ok {
				vars[key] = value
			}
		}
		// BEGIN LIST VAR and anything else is ignored.
	}
}

// parseVarLine parses `VAR <ups> <key> "<value>"`. Lines for a different UPS
// are skipped.
func parseVarLine(line, upsName string) (key, value string, ok bool) {
	rest := strings.TrimPrefix(line, "VAR ")
	parts := strings.SplitN(rest, " ", 3)
	if len(parts) != 3 || parts[0] != upsName {
		return "", "", false
	}
	return parts[1], unquote(parts[2]), true
}

func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}

// Disconnect closes the connection if open. Idempotent; never fails.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.reader = nil
	}
}

// wrapIOError classifies a socket error into the protocol taxonomy.
func wrapIOError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrChannelClosed, err)
}
