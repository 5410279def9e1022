package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"pkt.systems/pslog"

	"quorumdb/internal/clock"
)

var (
	// ErrPeerEvicted is returned for work queued to a peer that crossed the
	// consecutive error ceiling.
	ErrPeerEvicted = errors.New("channel: peer evicted")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("channel: closed")
	// ErrQueueFull is returned when the send queue has no room.
	ErrQueueFull = errors.New("channel: send queue full")
	// ErrUnknownPeer is returned when a peer address cannot be resolved.
	ErrUnknownPeer = errors.New("channel: unknown peer")
)

const (
	DefaultMaxRetries           = 3
	DefaultRetryDelay           = 200 * time.Millisecond
	DefaultMaxConsecutiveErrors = 5
	DefaultQueueSize            = 1024
	DefaultSendTimeout          = 5 * time.Second
)

// Direction separates the request and response streams to a peer.
type Direction int

const (
	DirRequest Direction = iota
	DirResponse
)

func (d Direction) String() string {
	if d == DirResponse {
		return "response"
	}
	return "request"
}

// Options are shared by every channel of a Manager.
type Options struct {
	// MaxRetries bounds the retries of one delivery. Zero uses the default;
	// a negative value disables retries.
	MaxRetries           int
	RetryDelay           time.Duration
	MaxConsecutiveErrors int
	QueueSize            int
	SendTimeout          time.Duration
	// Reachable reports whether the failure detector still considers a
	// peer reachable. Nil means always.
	Reachable func(peer string) bool
	// OnEvict is called once per channel when a peer crosses the
	// consecutive error ceiling.
	OnEvict func(peer string, err error)
	Clock   clock.Clock
	Logger  pslog.Logger
	Metrics *Metrics
}

func (o Options) withDefaults() Options {
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxConsecutiveErrors <= 0 {
		o.MaxConsecutiveErrors = DefaultMaxConsecutiveErrors
	}
	if o.QueueSize <= 0 {
		o.QueueSize = DefaultQueueSize
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.Clock == nil {
		o.Clock = clock.Real{}
	}
	if o.Logger == nil {
		o.Logger = pslog.NoopLogger()
	}
	return o
}

type job struct {
	body []byte
	done chan error
}

// Channel delivers envelopes to one peer in one direction.
type Channel struct {
	peer    string
	dir     Direction
	resolve func(peer string) (string, bool)
	clients *ClientManager
	opts    Options
	logger  pslog.Logger

	queue     chan job
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	evictOnce sync.Once

	mu          sync.Mutex
	session     *Session
	consecutive int
	evicted     bool
	closed      bool
}

// NewChannel starts the worker of a channel to peer. resolve maps the peer
// name to its current address.
func NewChannel(peer string, dir Direction, resolve func(string) (string, bool), clients *ClientManager, opts Options) *Channel {
	opts = opts.withDefaults()
	c := &Channel{
		peer:    peer,
		dir:     dir,
		resolve: resolve,
		clients: clients,
		opts:    opts,
		logger:  opts.Logger.With("svc", "channel", "peer", peer, "dir", dir.String()),
		queue:   make(chan job, opts.QueueSize),
		stop:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Peer returns the peer name.
func (c *Channel) Peer() string { return c.peer }

// Enqueue schedules body for delivery and returns immediately. The
// returned channel receives the outcome once.
func (c *Channel) Enqueue(body []byte) (<-chan error, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.closed:
		return nil, ErrClosed
	case c.evicted:
		return nil, ErrPeerEvicted
	}
	done := make(chan error, 1)
	select {
	case c.queue <- job{body: body, done: done}:
		return done, nil
	default:
		return nil, ErrQueueFull
	}
}

// Send delivers body and waits for the outcome.
func (c *Channel) Send(ctx context.Context, body []byte) error {
	done, err := c.Enqueue(body)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Evicted reports whether the channel gave up on the peer.
func (c *Channel) Evicted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evicted
}

// ConsecutiveErrors returns the current failure streak.
func (c *Channel) ConsecutiveErrors() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consecutive
}

// Close stops the worker. Queued work fails with ErrClosed.
func (c *Channel) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.drain(ErrClosed)
}

func (c *Channel) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case j := <-c.queue:
			err := c.deliver(j.body)
			j.done <- err
		}
	}
}

func (c *Channel) drain(err error) {
	for {
		select {
		case j := <-c.queue:
			j.done <- err
		default:
			return
		}
	}
}

func (c *Channel) deliver(body []byte) error {
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		evicted := c.evicted
		c.mu.Unlock()
		if evicted {
			return ErrPeerEvicted
		}

		err := c.attempt(body)
		if err == nil {
			c.mu.Lock()
			c.consecutive = 0
			c.mu.Unlock()
			c.opts.Metrics.recordDelivery(c.dir, "ok")
			return nil
		}
		if isPermanent(err) {
			c.logger.Warn("channel.deliver.rejected", "error", err)
			c.opts.Metrics.recordDelivery(c.dir, "rejected")
			return err
		}

		c.resetConnection()
		c.mu.Lock()
		c.consecutive++
		streak := c.consecutive
		c.mu.Unlock()
		c.logger.Debug("channel.deliver.failed", "attempt", attempt, "consecutive", streak, "error", err)

		if streak >= c.opts.MaxConsecutiveErrors {
			c.evict(err)
			c.opts.Metrics.recordDelivery(c.dir, "evicted")
			return fmt.Errorf("%w: %s after %d consecutive errors: %v", ErrPeerEvicted, c.peer, streak, err)
		}
		if attempt > c.opts.MaxRetries || !c.reachable() {
			c.opts.Metrics.recordDelivery(c.dir, "failed")
			return fmt.Errorf("deliver to %s: %w", c.peer, err)
		}

		c.opts.Metrics.recordRetry(c.dir)
		select {
		case <-c.stop:
			return ErrClosed
		case <-c.opts.Clock.After(c.opts.RetryDelay * time.Duration(attempt)):
		}
	}
}

func (c *Channel) attempt(body []byte) error {
	addr, ok := c.resolve(c.peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, c.peer)
	}
	client, err := c.clients.Get(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()

	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil {
		s, err := client.OpenSession(ctx, c.dir.String())
		if err != nil {
			return fmt.Errorf("open session: %w", err)
		}
		sess = &s
		c.mu.Lock()
		c.session = sess
		c.mu.Unlock()
		c.logger.Debug("channel.session.opened", "session", s.ID)
	}
	return client.Deliver(ctx, *sess, body)
}

// resetConnection forgets the session and closes the connection so the next
// attempt starts clean.
func (c *Channel) resetConnection() {
	c.mu.Lock()
	c.session = nil
	c.mu.Unlock()
	if addr, ok := c.resolve(c.peer); ok {
		c.clients.Drop(addr)
	}
}

func (c *Channel) reachable() bool {
	if c.opts.Reachable == nil {
		return true
	}
	return c.opts.Reachable(c.peer)
}

func (c *Channel) evict(cause error) {
	c.mu.Lock()
	c.evicted = true
	c.mu.Unlock()
	c.evictOnce.Do(func() {
		c.logger.Warn("channel.peer.evicted", "consecutive", c.ConsecutiveErrors(), "error", cause)
		c.opts.Metrics.recordEviction()
		if c.opts.OnEvict != nil {
			c.opts.OnEvict(c.peer, cause)
		}
	})
	c.drain(ErrPeerEvicted)
}

// isPermanent reports errors a retry cannot fix.
func isPermanent(err error) bool {
	if errors.Is(err, ErrUnknownPeer) {
		return true
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.Unimplemented:
		return true
	}
	return false
}
