package node

import (
	"context"
	"errors"
	"fmt"

	"quorumdb/internal/momentum"
	"quorumdb/internal/protocol"
)

// errEmptyEnvelope is returned for envelopes carrying nothing.
var errEmptyEnvelope = errors.New("node: empty envelope")

// HandleEnvelope receives what peers deliver over their channels. Requests
// run in the background so the channel of the sender keeps moving.
func (n *Node) HandleEnvelope(_ context.Context, from string, env protocol.Envelope) error {
	switch {
	case env.Request != nil:
		req := env.Request
		if req.SenderNode != from {
			return fmt.Errorf("node: request %s sent by %s on the channel of %s", req.ID, req.SenderNode, from)
		}
		if !n.serves(req.DatabaseName) {
			return fmt.Errorf("%w: %s", ErrUnknownDatabase, req.DatabaseName)
		}
		n.logger.Debug("node.request.received", "req", req.ID.String(), "from", from,
			"task", req.Task.Kind().String(), "db", req.DatabaseName)
		go n.serveRequest(req)
		return nil
	case env.Response != nil:
		n.coord.HandleResponse(env.Response)
		return nil
	}
	return errEmptyEnvelope
}

func (n *Node) serveRequest(req *protocol.Request) {
	ctx := context.Background()
	if err := n.coord.HandleRequest(ctx, req); err != nil {
		n.logger.Warn("node.request.reply_failed", "req", req.ID.String(), "to", req.SenderNode, "error", err)
	}
	if !req.Task.IsIdempotent() {
		n.recordApplied(req)
	}
}

// recordApplied moves the momentum of the sender forward to the request.
// Requests run concurrently, so older sequences never move it back.
func (n *Node) recordApplied(req *protocol.Request) {
	t, ok := n.trackers[req.DatabaseName]
	if !ok {
		return
	}
	pos := momentum.Position{Position: req.ID.SequenceNumber}
	if last, ok := t.LastPosition(req.SenderNode); ok && !last.Less(pos) {
		return
	}
	t.SetLastPosition(req.SenderNode, pos, true)
}
