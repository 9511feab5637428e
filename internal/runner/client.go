package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var (
	errBridgeClosed   = errors.New("bridge closed")
	errBridgeOffline  = errors.New("bridge disconnected")
	errSubmitRejected = errors.New("submit rejected by runner")
	errEmptyTaskID    = errors.New("runner returned empty task id")
)

// maxMessageSize bounds a single runner frame. Deltas are small; completed
// results can carry a full document.
const maxMessageSize = 4 << 20

// ClientConfig holds configuration for the websocket bridge client.
type ClientConfig struct {
	URL            string
	ConnectTimeout time.Duration
	RequestTimeout time.Duration
	PingInterval   time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		URL:            "ws://127.0.0.1:9620/tasks",
		ConnectTimeout: 5 * time.Second,
		RequestTimeout: 30 * time.Second,
		PingInterval:   30 * time.Second,
		ReconnectMin:   time.Second,
		ReconnectMax:   30 * time.Second,
	}
}

// rpcRequest is the wire shape of a client-initiated call. Requests without
// an ID are one-way notifications and receive no response.
type rpcRequest struct {
	ID     string `json:"id,omitempty"`
	Method string `json:"method"`
	Params any    `json:"params,omitempty"`
}

// rpcResponse is the wire shape of the runner's answer to a correlated call.
type rpcResponse struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Message string `json:"message"`
}

// callResult delivers either a decoded response or a transport failure to a
// goroutine blocked in call.
type callResult struct {
	resp rpcResponse
	err  error
}

// Client is the websocket bridge to the external task runner. It multiplexes
// correlated request/response calls and pushed task events over a single
// connection, reconnecting with backoff when the runner drops.
type Client struct {
	cfg    ClientConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]chan callResult
	handlers map[uint64]func(Event)
	nextID   uint64
	closed   bool
}

var (
	_ Submitter   = (*Client)(nil)
	_ EventSource = (*Client)(nil)
)

// Dial connects to the runner and starts the background read and keepalive
// loops. It forces the connection during startup so a bad endpoint surfaces
// immediately rather than on first submit.
func Dial(ctx context.Context, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	def := DefaultClientConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = def.ReconnectMax
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("task runner at %s not reachable: %w", cfg.URL, err)
	}
	conn.SetReadLimit(maxMessageSize)

	runCtx, runCancel := context.WithCancel(context.Background())
	c := &Client{
		cfg:      cfg,
		logger:   logger,
		ctx:      runCtx,
		cancel:   runCancel,
		conn:     conn,
		pending:  make(map[string]chan callResult),
		handlers: make(map[uint64]func(Event)),
	}

	go c.readLoop()
	go c.pingLoop()

	logger.Info("Connected to task runner", "url", cfg.URL)
	return c, nil
}

// SubmitTask starts a task on the runner and returns its id.
func (c *Client) SubmitTask(ctx context.Context, req SubmitRequest) (string, error) {
	resp, err := c.call(ctx, "submit_task", req)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		if resp.Error == nil || resp.Error.Message == "" {
			return "", errSubmitRejected
		}
		return "", fmt.Errorf("%w: %s", errSubmitRejected, resp.Error.Message)
	}

	var data struct {
		TaskID string `json:"taskId"`
	}
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		return "", fmt.Errorf("malformed submit response: %w", err)
	}
	if data.TaskID == "" {
		return "", errEmptyTaskID
	}
	return data.TaskID, nil
}

// CancelTask asks the runner to stop a task. The request is a one-way
// notification; the runner may or may not emit a cancelled event afterwards.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errBridgeClosed
	}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errBridgeOffline
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	req := rpcRequest{Method: "cancel_task", Params: map[string]string{"taskId": taskID}}
	if err := c.writeJSON(ctx, conn, req); err != nil {
		return fmt.Errorf("cancel_task write failed: %w", err)
	}
	return nil
}

// Events registers fn on the pushed notification feed.
func (c *Client) Events(fn func(Event)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errBridgeClosed
	}
	c.nextID++
	id := c.nextID
	c.handlers[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}, nil
}

// Close tears down the connection and fails any in-flight calls.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil {
			c.logger.Debug("Failed to close runner connection", "error", err)
		}
	}
	c.failPending(errBridgeClosed)
}

func (c *Client) call(ctx context.Context, method string, params any) (rpcResponse, error) {
	id := uuid.NewString()
	ch := make(chan callResult, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return rpcResponse{}, errBridgeClosed
	}
	conn := c.conn
	c.pending[id] = ch
	c.mu.Unlock()
	if conn == nil {
		c.dropPending(id)
		return rpcResponse{}, errBridgeOffline
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	if err := c.writeJSON(ctx, conn, rpcRequest{ID: id, Method: method, Params: params}); err != nil {
		c.dropPending(id)
		return rpcResponse{}, fmt.Errorf("%s write failed: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return rpcResponse{}, res.err
		}
		return res.resp, nil
	case <-ctx.Done():
		c.dropPending(id)
		return rpcResponse{}, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		conn := c.conn
		closed := c.closed
		c.mu.Unlock()
		if closed || conn == nil {
			return
		}

		_, raw, err := conn.Read(c.ctx)
		if err != nil {
			if c.isClosed() || c.ctx.Err() != nil {
				return
			}
			if status := websocket.CloseStatus(err); status != -1 {
				c.logger.Warn("Runner connection closed", "status", status)
			} else {
				c.logger.Warn("Runner read error", "error", err)
			}

			// Fail fast on calls racing the reconnect.
			c.mu.Lock()
			c.conn = nil
			c.mu.Unlock()
			c.failPending(errBridgeOffline)

			if !c.reconnect() {
				return
			}
			continue
		}

		c.dispatch(raw)
	}
}

// dispatch routes one inbound frame: frames carrying a type are pushed task
// events, frames carrying an id answer a correlated call.
func (c *Client) dispatch(raw []byte) {
	var probe struct {
		ID   string `json:"id"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		c.logger.Warn("Unparseable runner frame", "error", err)
		return
	}

	if probe.Type != "" {
		evt, err := ParseEvent(raw)
		if err != nil {
			c.logger.Warn("Malformed runner event", "error", err)
			return
		}
		for _, fn := range c.snapshotHandlers() {
			fn(evt)
		}
		return
	}

	var resp rpcResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		c.logger.Warn("Malformed runner response", "error", err)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[resp.ID]
	delete(c.pending, resp.ID)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("Response for unknown call", "id", resp.ID)
		return
	}
	ch <- callResult{resp: resp}
}

func (c *Client) reconnect() bool {
	backoff := c.cfg.ReconnectMin
	for attempt := 1; ; attempt++ {
		if c.isClosed() {
			return false
		}

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
		cancel()
		if err == nil {
			conn.SetReadLimit(maxMessageSize)
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				if closeErr := conn.Close(websocket.StatusNormalClosure, "client closed"); closeErr != nil {
					c.logger.Debug("Failed to close runner connection", "error", closeErr)
				}
				return false
			}
			c.conn = conn
			c.mu.Unlock()
			c.logger.Info("Reconnected to task runner", "url", c.cfg.URL, "attempt", attempt)
			return true
		}

		c.logger.Warn("Runner reconnect failed", "error", err, "attempt", attempt, "retry_in", backoff)
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			continue
		}

		pingCtx, cancel := context.WithTimeout(c.ctx, c.cfg.ConnectTimeout)
		if err := conn.Ping(pingCtx); err != nil && c.ctx.Err() == nil {
			c.logger.Debug("Runner ping failed", "error", err)
		}
		cancel()
	}
}

func (c *Client) writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// snapshotHandlers copies the handler set so events dispatch without the
// client lock held. Order is stable by registration.
func (c *Client) snapshotHandlers() []func(Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint64, 0, len(c.handlers))
	for id := range c.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		out = append(out, c.handlers[id])
	}
	return out
}

func (c *Client) dropPending(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	chans := make([]chan callResult, 0, len(c.pending))
	for id, ch := range c.pending {
		delete(c.pending, id)
		chans = append(chans, ch)
	}
	c.mu.Unlock()
	for _, ch := range chans {
		ch <- callResult{err: err}
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
