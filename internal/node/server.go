package node

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"quorumdb/internal/coordinator"
	"quorumdb/internal/protocol"
)

// NewRID returns a fresh record id in cluster.
func NewRID(cluster string) string {
	return fmt.Sprintf("#%s:%s", cluster, xid.New().String())
}

func (n *Node) execute(ctx context.Context, db string, task protocol.Task) (*coordinator.Result, error) {
	if !n.serves(db) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDatabase, db)
	}
	return n.coord.Execute(ctx, db, "", task)
}

// Create stores a new record in cluster under a generated id.
func (n *Node) Create(ctx context.Context, db, cluster string, content map[string]any) (protocol.Record, error) {
	if cluster == "" {
		return protocol.Record{}, fmt.Errorf("node: cluster required")
	}
	rid := NewRID(cluster)
	n.logger.Debug("node.create", "db", db, "rid", rid)
	res, err := n.execute(ctx, db, &protocol.CreateRecord{RID: rid, Content: content})
	if err != nil {
		return protocol.Record{}, err
	}
	return recordOf(res)
}

// Read returns the record agreed by the read quorum.
func (n *Node) Read(ctx context.Context, db, rid string) (protocol.Record, error) {
	res, err := n.execute(ctx, db, &protocol.ReadRecord{RID: rid})
	if err != nil {
		return protocol.Record{}, err
	}
	return recordOf(res)
}

// Update replaces the content of rid. version is the version the caller
// read, or protocol.AnyVersion.
func (n *Node) Update(ctx context.Context, db, rid string, content map[string]any, version int64) (protocol.Record, error) {
	res, err := n.execute(ctx, db, &protocol.UpdateRecord{RID: rid, Content: content, Version: version})
	if err != nil {
		return protocol.Record{}, err
	}
	return recordOf(res)
}

// Delete removes rid.
func (n *Node) Delete(ctx context.Context, db, rid string, version int64) error {
	_, err := n.execute(ctx, db, &protocol.DeleteRecord{RID: rid, Version: version})
	return err
}

// Status collects the status of db from every reachable node.
func (n *Node) Status(ctx context.Context, db string) (map[string]protocol.Payload, error) {
	res, err := n.execute(ctx, db, &protocol.NodeStatus{})
	if err != nil {
		return nil, err
	}
	return res.PerNode, nil
}
