package resourceaccess

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/loomkit/loomkit/pkg/broker"
	"github.com/loomkit/loomkit/pkg/log"
	"github.com/loomkit/loomkit/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	defaultBackoff            = 50 * time.Millisecond
	defaultMaxConnectAttempts = 20
)

// SpawnFunc launches the resource process for instanceID. It is invoked
// at most once per connect attempt; the resource is expected to either
// already be listening (making spawn a harmless racing no-op) or to
// start listening shortly after this returns.
type SpawnFunc func(ctx context.Context, instanceID string) error

// CompletionFunc fires when the matching CommandCompletion frame
// arrives, or with success=false and a nil body if the client closed
// before a response arrived.
type CompletionFunc func(success bool, body []byte)

type queuedCommand struct {
	command    CommandID
	payload    []byte
	completion CompletionFunc
}

// Client is the consumer-facing half of ResourceAccess: one instance per
// resource connection. It transparently spawns and reconnects to the
// resource process and preserves FIFO command order across both.
//
// Spawn-and-retry is grounded on the teacher's embedded/containerd.go
// (exec the binary, then poll for readiness on a timer bounded by a
// context deadline), adapted from its 30s containerd readiness wait down
// to spec.md §4.G's 50ms single-shot backoff repeated to a hard cap.
type Client struct {
	instanceID  string
	socketPath  string
	spawn       SpawnFunc
	backoff     time.Duration
	maxAttempts int
	logger      zerolog.Logger

	revisions     *broker.Broker[uint64]
	notifications *broker.Broker[Notification]

	mu            sync.Mutex
	conn          net.Conn
	nextMessageID uint32
	queue         []queuedCommand
	pending       map[uint32]queuedCommand
	closed        bool

	stopCh chan struct{}
}

// ClientOption customizes a Client away from spec.md §4.G's defaults.
type ClientOption func(*Client)

// WithBackoff overrides the default 50ms reconnect backoff.
func WithBackoff(d time.Duration) ClientOption { return func(c *Client) { c.backoff = d } }

// WithMaxConnectAttempts overrides the default bound on consecutive
// connect failures before a single dial() call gives up.
func WithMaxConnectAttempts(n int) ClientOption { return func(c *Client) { c.maxAttempts = n } }

// NewClient constructs a Client for instanceID, dialing socketPath and
// invoking spawn (if non-nil) on the first connect failure.
func NewClient(instanceID, socketPath string, spawn SpawnFunc, opts ...ClientOption) *Client {
	c := &Client{
		instanceID:    instanceID,
		socketPath:    socketPath,
		spawn:         spawn,
		backoff:       defaultBackoff,
		maxAttempts:   defaultMaxConnectAttempts,
		logger:        log.WithComponent("resourceaccess.client").With().Str("instance_id", instanceID).Logger(),
		revisions:     broker.New[uint64](32, 16),
		notifications: broker.New[Notification](32, 16),
		pending:       make(map[uint32]queuedCommand),
		stopCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.revisions.Start()
	c.notifications.Start()
	return c
}

// Revisions returns the broker revisionChanged events are published on.
func (c *Client) Revisions() *broker.Broker[uint64] { return c.revisions }

// Notifications returns the broker Notification frames are published on.
func (c *Client) Notifications() *broker.Broker[Notification] { return c.notifications }

// Open performs the initial connect, sends the Handshake, and starts the
// background read/reconnect loop. It blocks until the first connection
// attempt either succeeds or exhausts its backoff budget.
func (c *Client) Open(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	if err := c.handshake(conn); err != nil {
		conn.Close()
		return err
	}
	go c.readLoop(conn)
	c.flush()
	metrics.ResourceConnectionStatus.WithLabelValues(c.instanceID).Set(float64(StatusConnected))
	return nil
}

// Close shuts the client down, failing every in-flight and still-queued
// command's completion callback with success=false.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	pending := c.pending
	c.pending = make(map[uint32]queuedCommand)
	queue := c.queue
	c.queue = nil
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		conn.Close()
	}
	for _, q := range pending {
		if q.completion != nil {
			q.completion(false, nil)
		}
	}
	for _, q := range queue {
		if q.completion != nil {
			q.completion(false, nil)
		}
	}
	c.revisions.Stop()
	c.notifications.Stop()
}

// Enqueue submits a command for delivery in FIFO order relative to every
// other Enqueue call. A command issued while disconnected waits in the
// queue and is sent, with a freshly assigned messageId, once the client
// reconnects.
func (c *Client) Enqueue(command CommandID, payload []byte, completion CompletionFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if completion != nil {
			completion(false, nil)
		}
		return
	}
	c.queue = append(c.queue, queuedCommand{command: command, payload: payload, completion: completion})
	c.mu.Unlock()
	c.flush()
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var lastErr error
	spawned := false
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		conn, err := net.Dial("unix", c.socketPath)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if !spawned && c.spawn != nil {
			spawned = true
			if serr := c.spawn(ctx, c.instanceID); serr != nil {
				lastErr = fmt.Errorf("%w: %v", ErrResourceSpawnError, serr)
			}
		}
		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrConnectionError, lastErr)
}

func (c *Client) handshake(conn net.Conn) error {
	payload := encodeHandshake(uint32(os.Getpid()))
	if err := WriteFrame(conn, Frame{MessageID: c.nextID(), Command: CommandHandshake, Payload: payload}); err != nil {
		return err
	}
	return nil
}

func (c *Client) nextID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextMessageID
	c.nextMessageID++
	return id
}

// flush sends every currently queued command over the live connection,
// in order. It is a no-op while disconnected.
func (c *Client) flush() {
	for {
		c.mu.Lock()
		if c.closed || c.conn == nil || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		next := c.queue[0]
		c.queue = c.queue[1:]
		id := c.nextMessageID
		c.nextMessageID++
		conn := c.conn
		c.pending[id] = next
		c.mu.Unlock()

		if err := WriteFrame(conn, Frame{MessageID: id, Command: next.command, Payload: next.payload}); err != nil {
			c.logger.Warn().Err(err).Msg("write failed, reconnecting")
			c.handleDisconnect(conn)
			return
		}
	}
}

func (c *Client) readLoop(conn net.Conn) {
	for {
		frame, err := ReadFrame(conn)
		if err != nil {
			c.handleDisconnect(conn)
			return
		}
		switch frame.Command {
		case CommandCompletion:
			c.handleCompletion(frame)
		case CommandRevisionUpdate:
			c.handleRevisionUpdate(frame)
		case CommandNotification:
			c.handleNotification(frame)
		default:
			c.logger.Warn().Str("command", frame.Command.String()).Msg("unexpected frame from resource")
		}
	}
}

func (c *Client) handleCompletion(frame Frame) {
	success, body := decodeCompletion(frame.Payload)
	c.mu.Lock()
	q, ok := c.pending[frame.MessageID]
	if ok {
		delete(c.pending, frame.MessageID)
	}
	c.mu.Unlock()
	if ok && q.completion != nil {
		q.completion(success, body)
	}
}

func (c *Client) handleRevisionUpdate(frame Frame) {
	if len(frame.Payload) < 8 {
		return
	}
	c.revisions.Publish(binary.LittleEndian.Uint64(frame.Payload[:8]))
}

func (c *Client) handleNotification(frame Frame) {
	n, err := decodeNotification(frame.Payload)
	if err != nil {
		c.logger.Warn().Err(err).Msg("malformed notification frame")
		return
	}
	c.notifications.Publish(n)
}

// handleDisconnect closes conn if it's still the active connection,
// requeues every in-flight command ahead of anything already queued so
// FIFO order survives across the reconnect, and starts reconnecting in
// the background.
func (c *Client) handleDisconnect(conn net.Conn) {
	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	conn.Close()
	metrics.ResourceConnectionStatus.WithLabelValues(c.instanceID).Set(float64(StatusOffline))

	ids := make([]uint32, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	requeued := make([]queuedCommand, 0, len(ids))
	for _, id := range ids {
		requeued = append(requeued, c.pending[id])
	}
	c.pending = make(map[uint32]queuedCommand)
	c.queue = append(requeued, c.queue...)
	c.mu.Unlock()

	go c.reconnect()
}

func (c *Client) reconnect() {
	ctx := context.Background()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}
		conn, err := c.dial(ctx)
		if err != nil {
			c.logger.Warn().Err(err).Msg("reconnect attempt exhausted its backoff budget, retrying")
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		if err := c.handshake(conn); err != nil {
			c.logger.Warn().Err(err).Msg("handshake after reconnect failed")
			c.handleDisconnect(conn)
			continue
		}
		go c.readLoop(conn)
		c.flush()
		metrics.ResourceConnectionStatus.WithLabelValues(c.instanceID).Set(float64(StatusConnected))
		metrics.ResourceReconnectsTotal.WithLabelValues(c.instanceID).Inc()
		return
	}
}
