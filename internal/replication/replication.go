package replication

import (
	"errors"
	"fmt"
	"slices"

	"quorumdb/internal/distconfig"
	"quorumdb/internal/protocol"
)

// ErrNoServers is returned when a resource has no configured server.
var ErrNoServers = errors.New("replication: no servers configured")

// Availability is the part of the failure detector target resolution
// needs.
type Availability interface {
	IsNodeAvailable(node string) bool
	DatabaseStatus(node, db string) protocol.DatabaseStatus
}

// Targets are the nodes a request is sent to.
type Targets struct {
	Resource string
	// Expected are the reachable servers that receive the request.
	Expected []string
	// Concurring are the expected servers whose answers count toward the
	// quorum.
	Concurring []string
	// Unavailable are configured servers skipped because they are down.
	Unavailable []string
	Quorum      int
	// WaitForLocal is set for writes when the local node must have applied
	// the change before the caller gets an answer.
	WaitForLocal bool
}

// Satisfiable reports whether enough concurring nodes are reachable to
// reach the quorum.
func (t Targets) Satisfiable() bool {
	return len(t.Concurring) >= t.Quorum
}

// IncludesLocal reports whether local is among the expected nodes.
func (t Targets) IncludesLocal(local string) bool {
	return slices.Contains(t.Expected, local)
}

// Resolve computes the targets of task on resource of database db as seen
// from local.
func Resolve(cfg *distconfig.Configuration, db, resource string, task protocol.Task, local string, avail Availability) (Targets, error) {
	servers := cfg.Servers(resource)
	if len(servers) == 0 {
		return Targets{}, fmt.Errorf("%w: resource %q", ErrNoServers, resource)
	}
	t := Targets{
		Resource: resource,
		Quorum:   cfg.Quorum(resource, task.QuorumType()),
	}
	for _, node := range servers {
		if node != local && avail != nil &&
			(!avail.IsNodeAvailable(node) || !avail.DatabaseStatus(node, db).IsActive()) {
			t.Unavailable = append(t.Unavailable, node)
			continue
		}
		t.Expected = append(t.Expected, node)
		if cfg.ServerRole(node) == distconfig.RoleMaster {
			t.Concurring = append(t.Concurring, node)
		}
	}
	if task.QuorumType() == protocol.QuorumAll {
		// Tasks addressed to every node wait for the reachable ones only.
		t.Quorum = len(t.Concurring)
	}
	t.WaitForLocal = task.QuorumType() == protocol.QuorumWrite && cfg.ReadYourWrites() && t.IncludesLocal(local)
	return t, nil
}

// ResourceOf returns the resource a task applies to: the cluster of its
// record, or the "*" entry for tasks that are not bound to a record.
func ResourceOf(task protocol.Task) string {
	if rt, ok := task.(protocol.RecordTask); ok {
		if c := protocol.ClusterOf(rt.RecordID()); c != "" {
			return c
		}
	}
	return distconfig.AllResources
}
