package repair

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"

	"quorumdb/internal/protocol"
	"quorumdb/internal/quorum"
)

// DefaultTimeout bounds one round of repair sends.
const DefaultTimeout = 2 * time.Second

// Sender hands a request to another node.
type Sender interface {
	SendRequest(ctx context.Context, node string, req *protocol.Request) error
}

// Config wires a Repairer.
type Config struct {
	LocalNode string
	// NextID reserves request ids so repair requests never collide with
	// the requests they follow.
	NextID   func() protocol.RequestID
	Sender   Sender
	Executor protocol.Executor
	Timeout  time.Duration
	Logger   pslog.Logger
}

// Repairer implements quorum.Fixer and quorum.Undoer.
type Repairer struct {
	cfg    Config
	logger pslog.Logger
	wg     sync.WaitGroup
	sent   metric.Int64Counter
}

var (
	_ quorum.Fixer  = (*Repairer)(nil)
	_ quorum.Undoer = (*Repairer)(nil)
)

// NewRepairer creates a repairer.
func NewRepairer(cfg Config) *Repairer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = pslog.NoopLogger()
	}
	r := &Repairer{cfg: cfg, logger: cfg.Logger.With("svc", "repair", "node", cfg.LocalNode)}
	counter, err := otel.Meter("quorumdb/internal/repair").Int64Counter(
		"quorumdb.repair.tasks",
		metric.WithDescription("Fix and undo tasks dispatched after a quorum"),
	)
	if err != nil {
		r.logger.Warn("telemetry.metric.init_failed", "name", "quorumdb.repair.tasks", "error", err)
	} else {
		r.sent = counter
	}
	return r
}

type job struct {
	node string
	task protocol.Task
}

// Fix forces the losing nodes to the winner's outcome.
func (r *Repairer) Fix(req *protocol.Request, winner *protocol.Response, losers []*protocol.Response) {
	var jobs []job
	for _, loser := range losers {
		task, ok := fixTask(req.Task, winner, loser)
		if !ok {
			continue
		}
		jobs = append(jobs, job{node: loser.ExecutorNode, task: task})
	}
	if len(jobs) == 0 {
		r.logger.Debug("repair.fix.nothing", "req", req.ID.String(), "task", req.Task.Kind().String())
		return
	}
	r.dispatch("fix", req, jobs)
}

// Undo compensates the request on every node that applied it.
func (r *Repairer) Undo(req *protocol.Request, applied []*protocol.Response) {
	undoable, ok := req.Task.(protocol.Undoable)
	if !ok {
		r.logger.Debug("repair.undo.unsupported", "req", req.ID.String(), "task", req.Task.Kind().String())
		return
	}
	var jobs []job
	for _, resp := range applied {
		task, ok := undoable.UndoTask(resp.Payload.Value)
		if !ok {
			continue
		}
		jobs = append(jobs, job{node: resp.ExecutorNode, task: task})
	}
	if len(jobs) == 0 {
		return
	}
	r.dispatch("undo", req, jobs)
}

// fixTask returns the task that brings loser to the winner's state.
func fixTask(task protocol.Task, winner, loser *protocol.Response) (protocol.Task, bool) {
	if del, ok := task.(*protocol.DeleteRecord); ok {
		if loser.Payload.IsError() && errors.Is(loser.Payload.Err, protocol.ErrRecordNotFound) {
			return nil, false
		}
		return &protocol.DeleteRecord{RID: del.RID, Version: protocol.AnyVersion}, true
	}
	rec, ok := protocol.RecordFromValue(winner.Payload.Value)
	if !ok || rec.RID == "" {
		return nil, false
	}
	return &protocol.FixRecord{Record: rec}, true
}

func (r *Repairer) dispatch(kind string, origin *protocol.Request, jobs []job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("repair.panic", "kind", kind, "req", origin.ID.String(), "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.Timeout)
		defer cancel()

		failed := 0
		for _, j := range jobs {
			req := &protocol.Request{
				ID:           r.nextID(origin),
				DatabaseName: origin.DatabaseName,
				ResourceName: origin.ResourceName,
				SenderNode:   r.cfg.LocalNode,
				Task:         j.task,
			}
			if err := r.run(ctx, j.node, req); err != nil {
				failed++
				r.logger.Warn("repair.send.failed", "kind", kind, "req", origin.ID.String(), "to", j.node, "error", err)
				r.record(ctx, kind, "failed")
				continue
			}
			r.record(ctx, kind, "sent")
		}
		r.logger.Info("repair.done", "kind", kind, "req", origin.ID.String(), "tasks", len(jobs), "failed", failed)
	}()
}

func (r *Repairer) nextID(origin *protocol.Request) protocol.RequestID {
	if r.cfg.NextID != nil {
		return r.cfg.NextID()
	}
	return origin.ID
}

func (r *Repairer) run(ctx context.Context, node string, req *protocol.Request) error {
	if node == r.cfg.LocalNode {
		if r.cfg.Executor == nil {
			return errors.New("repair: no local executor")
		}
		_, err := req.Task.Execute(protocol.WithRequest(ctx, req), r.cfg.Executor)
		return err
	}
	if r.cfg.Sender == nil {
		return errors.New("repair: no sender")
	}
	return r.cfg.Sender.SendRequest(ctx, node, req)
}

func (r *Repairer) record(ctx context.Context, kind, outcome string) {
	if r.sent == nil {
		return
	}
	r.sent.Add(ctx, 1, metric.WithAttributes(
		attribute.String("quorumdb.repair.kind", kind),
		attribute.String("quorumdb.outcome", outcome),
	))
}

// Wait blocks until every dispatched repair finished.
func (r *Repairer) Wait() {
	r.wg.Wait()
}
