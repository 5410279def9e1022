package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"quorumdb/internal/clock"
	"quorumdb/internal/distconfig"
	"quorumdb/internal/protocol"
	"quorumdb/internal/quorum"
	"quorumdb/internal/replication"
)

// DefaultSynchTimeout is how long Execute waits for synchronous answers.
const DefaultSynchTimeout = 10 * time.Second

var (
	// ErrNoTransport is returned when a remote node must be reached and no
	// transport is configured.
	ErrNoTransport = errors.New("coordinator: no transport configured")
	// ErrNoExecutor is returned by New without a local executor.
	ErrNoExecutor = errors.New("coordinator: no executor configured")
)

// Transport hands requests and responses to other nodes. Sends do not wait
// for the remote side: an error means the message could not be queued.
type Transport interface {
	SendRequest(ctx context.Context, node string, req *protocol.Request) error
	SendResponse(ctx context.Context, node string, resp *protocol.Response) error
}

// ConfigSource returns the distributed configuration of a database.
type ConfigSource interface {
	Configuration(db string) (*distconfig.Configuration, error)
}

// ConfigFunc adapts a function to ConfigSource.
type ConfigFunc func(db string) (*distconfig.Configuration, error)

func (f ConfigFunc) Configuration(db string) (*distconfig.Configuration, error) { return f(db) }

// Config wires a Coordinator.
type Config struct {
	LocalNode   string
	LocalNodeID int32
	Configs     ConfigSource
	Executor    protocol.Executor
	Transport   Transport
	Detector    quorum.FailureDetector

	SynchTimeout time.Duration
	TotalTimeout time.Duration
	WaitSlice    time.Duration

	Fixer   quorum.Fixer
	Undoer  quorum.Undoer
	Clock   clock.Clock
	Logger  pslog.Logger
	Metrics *quorum.Metrics
}

// Result is the outcome of a coordinated request.
type Result struct {
	RequestID protocol.RequestID
	// Response is the agreed response, nil when no node had to answer.
	Response *protocol.Response
	// PerNode is filled for UNION tasks.
	PerNode map[string]protocol.Payload
}

// Value returns the agreed value, or nil.
func (r *Result) Value() any {
	if r == nil || r.Response == nil {
		return nil
	}
	return r.Response.Payload.Value
}

// Outcome is delivered by ExecuteAsync.
type Outcome struct {
	Result *Result
	Err    error
}

// Coordinator sends tasks to the nodes of a resource and collects their
// answers.
type Coordinator struct {
	cfg    Config
	logger pslog.Logger
	seq    atomic.Int64

	mu      sync.Mutex
	pending map[protocol.RequestID]*quorum.Manager
}

// New creates a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Executor == nil {
		return nil, ErrNoExecutor
	}
	if cfg.Configs == nil {
		return nil, errors.New("coordinator: no configuration source")
	}
	if cfg.SynchTimeout <= 0 {
		cfg.SynchTimeout = DefaultSynchTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	return &Coordinator{
		cfg:     cfg,
		logger:  cfg.Logger.With("svc", "coordinator", "node", cfg.LocalNode),
		pending: make(map[protocol.RequestID]*quorum.Manager),
	}, nil
}

// LocalNode returns the name of this node.
func (c *Coordinator) LocalNode() string { return c.cfg.LocalNode }

// NextRequestID reserves a request id of this node.
func (c *Coordinator) NextRequestID() protocol.RequestID {
	return protocol.RequestID{OriginNodeID: c.cfg.LocalNodeID, SequenceNumber: c.seq.Add(1)}
}

// Execute runs task against the servers of resource in database db and
// returns the outcome agreed by the quorum. An empty resource is derived
// from the task. Inside a distributed call the task only runs locally.
func (c *Coordinator) Execute(ctx context.Context, db, resource string, task protocol.Task) (*Result, error) {
	return c.ExecuteWithID(ctx, c.NextRequestID(), db, resource, task)
}

// ExecuteWithID is Execute under a request id reserved with NextRequestID,
// so the caller can refer to the request even when it fails.
func (c *Coordinator) ExecuteWithID(ctx context.Context, id protocol.RequestID, db, resource string, task protocol.Task) (*Result, error) {
	if resource == "" {
		resource = replication.ResourceOf(task)
	}
	if protocol.InDistributedCall(ctx) {
		return c.executeNested(ctx, task)
	}

	dcfg, err := c.cfg.Configs.Configuration(db)
	if err != nil {
		return nil, fmt.Errorf("coordinator: configuration of %s: %w", db, err)
	}
	targets, err := replication.Resolve(dcfg, db, resource, task, c.cfg.LocalNode, c.cfg.Detector)
	if err != nil {
		return nil, err
	}

	req := &protocol.Request{
		ID:           id,
		DatabaseName: db,
		ResourceName: resource,
		SenderNode:   c.cfg.LocalNode,
		Task:         task,
	}
	if !targets.Satisfiable() {
		c.logger.Warn("coordinator.quorum.unsatisfiable", "req", req.ID.String(), "quorum", targets.Quorum,
			"available", targets.Concurring, "unavailable", targets.Unavailable)
		return nil, &quorum.QuorumError{
			RequestID:  req.ID,
			Quorum:     targets.Quorum,
			Responding: targets.Concurring,
			Missing:    targets.Unavailable,
		}
	}

	concurring := targets.Concurring
	if concurring == nil {
		concurring = []string{}
	}
	mgr := quorum.NewManager(quorum.Options{
		Request:          req,
		LocalNode:        c.cfg.LocalNode,
		ExpectedNodes:    targets.Expected,
		ConcurringNodes:  concurring,
		Quorum:           targets.Quorum,
		GroupByResult:    task.ResultStrategy() == protocol.StrategyQuorum,
		WaitForLocalNode: targets.WaitForLocal,
		SynchTimeout:     c.cfg.SynchTimeout,
		TotalTimeout:     c.cfg.TotalTimeout,
		WaitSlice:        c.cfg.WaitSlice,
		Detector:         c.cfg.Detector,
		Clock:            c.cfg.Clock,
		Logger:           c.cfg.Logger,
		Metrics:          c.cfg.Metrics,
		Fixer:            c.cfg.Fixer,
		Undoer:           c.cfg.Undoer,
	})
	c.register(req.ID, mgr)
	defer c.unregister(req.ID)

	for _, node := range targets.Expected {
		if node == c.cfg.LocalNode {
			continue
		}
		if err := c.send(ctx, node, req); err != nil {
			c.logger.Warn("coordinator.send.failed", "req", req.ID.String(), "to", node, "error", err)
			mgr.RemoveServerBecauseUnreachable(node)
		}
	}
	if targets.IncludesLocal(c.cfg.LocalNode) {
		mgr.CollectResponse(c.executeLocal(ctx, req))
	}

	if _, err := mgr.WaitForSynchronousResponses(ctx); err != nil && !errors.Is(err, quorum.ErrCanceled) {
		mgr.Cancel()
		return nil, err
	}
	final, err := mgr.FinalResponse()
	if err != nil {
		return nil, err
	}
	return &Result{RequestID: req.ID, Response: final.Response, PerNode: final.PerNode}, nil
}

// ExecuteAsync runs Execute in the background. The channel yields exactly
// one outcome.
func (c *Coordinator) ExecuteAsync(ctx context.Context, db, resource string, task protocol.Task) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() {
		res, err := c.Execute(ctx, db, resource, task)
		out <- Outcome{Result: res, Err: err}
	}()
	return out
}

func (c *Coordinator) send(ctx context.Context, node string, req *protocol.Request) error {
	if c.cfg.Transport == nil {
		return ErrNoTransport
	}
	return c.cfg.Transport.SendRequest(ctx, node, req)
}

// executeNested runs a task issued while serving another request.
func (c *Coordinator) executeNested(ctx context.Context, task protocol.Task) (*Result, error) {
	parent, _ := protocol.RequestFromContext(ctx)
	v, err := task.Execute(ctx, c.cfg.Executor)
	if err != nil {
		return nil, err
	}
	payload, err := protocol.ValuePayload(v)
	if err != nil {
		return nil, err
	}
	return &Result{
		RequestID: parent.ID,
		Response: &protocol.Response{
			RequestID:    parent.ID,
			ExecutorNode: c.cfg.LocalNode,
			SenderNode:   c.cfg.LocalNode,
			Payload:      payload,
		},
	}, nil
}

func (c *Coordinator) executeLocal(ctx context.Context, req *protocol.Request) *protocol.Response {
	v, err := req.Task.Execute(protocol.WithRequest(ctx, req), c.cfg.Executor)
	if err != nil {
		c.logger.Debug("coordinator.execute.failed", "req", req.ID.String(), "task", req.Task.Kind().String(), "error", err)
	}
	return &protocol.Response{
		RequestID:    req.ID,
		ExecutorNode: c.cfg.LocalNode,
		SenderNode:   c.cfg.LocalNode,
		Payload:      protocol.ResultPayload(v, err),
	}
}

// HandleRequest executes a request received from another node and sends
// the response back to its sender.
func (c *Coordinator) HandleRequest(ctx context.Context, req *protocol.Request) error {
	resp := c.executeLocal(ctx, req)
	if req.SenderNode == c.cfg.LocalNode {
		c.HandleResponse(resp)
		return nil
	}
	if c.cfg.Transport == nil {
		return ErrNoTransport
	}
	if err := c.cfg.Transport.SendResponse(ctx, req.SenderNode, resp); err != nil {
		return fmt.Errorf("coordinator: respond to %s for %s: %w", req.SenderNode, req.ID, err)
	}
	return nil
}

// HandleResponse routes a response to the request waiting for it. It
// returns false when the request is no longer pending.
func (c *Coordinator) HandleResponse(resp *protocol.Response) bool {
	mgr := c.lookup(resp.RequestID)
	if mgr == nil {
		c.logger.Debug("coordinator.response.late", "req", resp.RequestID.String(), "from", resp.ExecutorNode)
		return false
	}
	mgr.CollectResponse(resp)
	return true
}

// NodeUnreachable stops every pending request from waiting on node.
func (c *Coordinator) NodeUnreachable(node string) {
	for _, mgr := range c.snapshot() {
		mgr.RemoveServerBecauseUnreachable(node)
	}
}

// DeliveryFailed stops request id from waiting on node.
func (c *Coordinator) DeliveryFailed(node string, id protocol.RequestID) {
	if mgr := c.lookup(id); mgr != nil {
		mgr.RemoveServerBecauseUnreachable(node)
	}
}

// Cancel releases the waiter of request id with quorum.ErrCanceled.
func (c *Coordinator) Cancel(id protocol.RequestID) bool {
	mgr := c.lookup(id)
	if mgr == nil {
		return false
	}
	mgr.Cancel()
	return true
}

// Pending returns the number of requests waiting for answers.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) register(id protocol.RequestID, mgr *quorum.Manager) {
	c.mu.Lock()
	c.pending[id] = mgr
	c.mu.Unlock()
}

func (c *Coordinator) unregister(id protocol.RequestID) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Coordinator) lookup(id protocol.RequestID) *quorum.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[id]
}

func (c *Coordinator) snapshot() []*quorum.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*quorum.Manager, 0, len(c.pending))
	for _, mgr := range c.pending {
		out = append(out, mgr)
	}
	return out
}
