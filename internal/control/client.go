// Package control sends one-shot commands to the runner agent's control port.
package control

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Command is a raw ASCII control token.
type Command string

const (
	Pause               Command = "pause"
	Resume              Command = "resume"
	StepNext            Command = "step_next"
	StepOver            Command = "step_over"
	PauseOnFailure      Command = "pause_on_failure"
	DoNotPauseOnFailure Command = "do_not_pause_on_failure"
	Kill                Command = "kill"
)

// DefaultDialTimeout bounds each connection attempt.
const DefaultDialTimeout = time.Second

const loopbackHost = "127.0.0.1"

// Valid reports whether c is a known token.
func (c Command) Valid() bool {
	switch c {
	case Pause, Resume, StepNext, StepOver, PauseOnFailure, DoNotPauseOnFailure, Kill:
		return true
	default:
		return false
	}
}

// Client dials the agent afresh for every command.
type Client struct {
	logger  *log.Logger
	timeout time.Duration

	mu   sync.Mutex
	port int
}

// NewClient creates a client. A non-positive timeout means DefaultDialTimeout.
func NewClient(logger *log.Logger, timeout time.Duration) *Client {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &Client{logger: logger, timeout: timeout}
}

// SetPort records the control port from the agent handshake.
func (c *Client) SetPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.port = port
}

// Port returns the known control port, or 0.
func (c *Client) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port
}

// Send writes cmd on a fresh connection and reports whether it was delivered.
// Unreachable agents are expected once the runner exits, so failures are only logged.
func (c *Client) Send(cmd Command) bool {
	logger := c.logger.With("command", string(cmd))
	if !cmd.Valid() {
		logger.Warn("refusing unknown control command")
		return false
	}
	port := c.Port()
	if port <= 0 || port > 65535 {
		logger.Debug("control port unknown; command dropped")
		return false
	}

	addr := net.JoinHostPort(loopbackHost, strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		logger.With("addr", addr, "error", err).Debug("control channel unreachable")
		return false
	}
	defer func() { _ = conn.Close() }()

	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := io.WriteString(conn, string(cmd)); err != nil {
		logger.With("addr", addr, "error", err).Debug("control command write failed")
		return false
	}
	logger.Debug("control command sent")
	return true
}
