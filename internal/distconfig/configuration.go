package distconfig

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"

	"quorumdb/internal/protocol"
)

// ErrOwnerConflict is returned when a resource already has another owner.
var ErrOwnerConflict = errors.New("distconfig: resource already owned by another server")

// Configuration is the read view of a distributed configuration.
type Configuration struct {
	mu  *sync.Mutex
	doc *Document
}

// New returns a read-only configuration over a copy of doc.
func New(doc Document) *Configuration {
	d := doc.Clone()
	return &Configuration{mu: &sync.Mutex{}, doc: &d}
}

// Version returns the current version.
func (c *Configuration) Version() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Version
}

// Document returns a copy of the whole document.
func (c *Configuration) Document() Document {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.Clone()
}

// resource returns the explicit entry, else the "*" entry. Must be called
// with the lock held.
func (c *Configuration) resource(name string) *Resource {
	if r, ok := c.doc.Resources[name]; ok && r != nil {
		return r
	}
	return c.doc.Resources[AllResources]
}

func (c *Configuration) servers(name string) []string {
	r := c.resource(name)
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.Servers))
	for _, s := range r.Servers {
		if s != NewNodeTag {
			out = append(out, s)
		}
	}
	return out
}

// Servers returns the servers of resource, without the new-node tag.
func (c *Configuration) Servers(resource string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers(resource)
}

// ConfiguredServers returns the raw server list including the new-node tag.
func (c *Configuration) ConfiguredServers(resource string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.resource(resource)
	if r == nil {
		return nil
	}
	return append([]string(nil), r.Servers...)
}

// AllServers returns every server named by any resource, sorted.
func (c *Configuration) AllServers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]struct{}{}
	for _, r := range c.doc.Resources {
		if r == nil {
			continue
		}
		for _, s := range r.Servers {
			if s != NewNodeTag {
				seen[s] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Resources returns the names of explicitly configured resources, sorted,
// excluding the "*" entry.
func (c *Configuration) Resources() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.doc.Resources))
	for name := range c.doc.Resources {
		if name != AllResources {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Owner returns the explicit owner of resource, else its first server.
func (c *Configuration) Owner(resource string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.resource(resource)
	if r == nil {
		return ""
	}
	if r.Owner != "" {
		return r.Owner
	}
	for _, s := range r.Servers {
		if s != NewNodeTag {
			return s
		}
	}
	return ""
}

// ReadQuorum resolves the read quorum of resource. Default is 1.
func (c *Configuration) ReadQuorum(resource string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readQuorum(resource)
}

func (c *Configuration) readQuorum(resource string) int {
	q := c.quorumField(resource, func(r *Resource) *Quorum { return r.ReadQuorum }, c.doc.ReadQuorum)
	if q == nil {
		return 1
	}
	return q.Resolve(len(c.servers(resource)))
}

// WriteQuorum resolves the write quorum of resource. Default is majority.
func (c *Configuration) WriteQuorum(resource string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writeQuorum(resource)
}

func (c *Configuration) writeQuorum(resource string) int {
	q := c.quorumField(resource, func(r *Resource) *Quorum { return r.WriteQuorum }, c.doc.WriteQuorum)
	if q == nil {
		q = Majority()
	}
	return q.Resolve(len(c.servers(resource)))
}

// Quorum returns the quorum a task of the given type needs on resource.
func (c *Configuration) Quorum(resource string, qt protocol.QuorumType) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch qt {
	case protocol.QuorumRead:
		return c.readQuorum(resource)
	case protocol.QuorumWrite:
		return c.writeQuorum(resource)
	case protocol.QuorumAll:
		return len(c.servers(resource))
	default:
		return 0
	}
}

func (c *Configuration) quorumField(resource string, field func(*Resource) *Quorum, global *Quorum) *Quorum {
	if r, ok := c.doc.Resources[resource]; ok && r != nil {
		if q := field(r); q != nil {
			return q
		}
	}
	if r, ok := c.doc.Resources[AllResources]; ok && r != nil {
		if q := field(r); q != nil {
			return q
		}
	}
	return global
}

// Partitioning returns the partitioning of resource, or nil.
func (c *Configuration) Partitioning(resource string) *Partitioning {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.resource(resource)
	if r == nil || r.Partitioning == nil {
		return nil
	}
	return r.clone().Partitioning
}

// ServerRole returns the role of node. Servers are masters unless
// configured otherwise.
func (c *Configuration) ServerRole(node string) Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if role, ok := c.doc.Roles[node]; ok {
		return role
	}
	if role, ok := c.doc.Roles[AllResources]; ok {
		return role
	}
	return RoleMaster
}

// ReadYourWrites reports whether writes wait for the local node. Default
// is true.
func (c *Configuration) ReadYourWrites() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.doc.ReadYourWrites == nil || *c.doc.ReadYourWrites
}

// Modifiable is the mutable variant of Configuration. Every change bumps
// the version exactly once.
type Modifiable struct {
	*Configuration
}

// NewModifiable returns a mutable configuration over a copy of doc.
func NewModifiable(doc Document) *Modifiable {
	return &Modifiable{Configuration: New(doc)}
}

// ReadOnly returns a read view sharing the same state.
func (m *Modifiable) ReadOnly() *Configuration {
	return m.Configuration
}

func (m *Modifiable) bump() {
	m.doc.Version++
}

// SetServerRole sets the role of node.
func (m *Modifiable) SetServerRole(node string, role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.doc.Roles == nil {
		m.doc.Roles = map[string]Role{}
	}
	m.doc.Roles[node] = role
	m.bump()
}

// AddNewNodeInServerList inserts node where the new-node tag stands in every
// resource that does not list it yet. It returns the changed resources, or
// nil when nothing changed.
func (m *Modifiable) AddNewNodeInServerList(node string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []string
	for name, r := range m.doc.Resources {
		if r == nil {
			continue
		}
		if slices.Contains(r.Servers, node) {
			continue
		}
		idx := slices.Index(r.Servers, NewNodeTag)
		if idx < 0 {
			continue
		}
		r.Servers = slices.Insert(r.Servers, idx, node)
		changed = append(changed, name)
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	m.bump()
	return changed
}

// SetServerOwner makes node the owner of resource by moving it to the head
// of the server list. A resource without an entry is created from the "*"
// servers. It fails without changes when another owner is recorded.
func (m *Modifiable) SetServerOwner(resource, node string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.doc.Resources[resource]
	if ok && r != nil && r.Owner != "" && r.Owner != node {
		return fmt.Errorf("%w: %s is owned by %s, cannot assign %s", ErrOwnerConflict, resource, r.Owner, node)
	}
	created := false
	if !ok || r == nil {
		r = &Resource{}
		if def := m.doc.Resources[AllResources]; def != nil {
			r.Servers = append([]string(nil), def.Servers...)
		}
		if m.doc.Resources == nil {
			m.doc.Resources = map[string]*Resource{}
		}
		m.doc.Resources[resource] = r
		created = true
	}
	if len(r.Servers) > 0 && r.Servers[0] == node {
		if created {
			m.bump()
		}
		return nil
	}
	if idx := slices.Index(r.Servers, node); idx >= 0 {
		r.Servers = slices.Delete(r.Servers, idx, idx+1)
	}
	r.Servers = slices.Insert(r.Servers, 0, node)
	m.bump()
	return nil
}

// RemoveServer drops node from every server list and returns the changed
// resources, or nil.
func (m *Modifiable) RemoveServer(node string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []string
	for name, r := range m.doc.Resources {
		if r == nil {
			continue
		}
		idx := slices.Index(r.Servers, node)
		if idx < 0 {
			continue
		}
		r.Servers = slices.Delete(r.Servers, idx, idx+1)
		if r.Owner == node {
			r.Owner = ""
		}
		changed = append(changed, name)
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	m.bump()
	return changed
}

// SetServerOffline moves node to the end of every server list holding more
// than one server, keeping the new-node tag last. When newOwner is set and
// listed, it is promoted to the head. It returns the changed resources.
func (m *Modifiable) SetServerOffline(node, newOwner string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var changed []string
	for name, r := range m.doc.Resources {
		if r == nil {
			continue
		}
		if len(r.Servers) <= 1 || !slices.Contains(r.Servers, node) {
			continue
		}
		before := slices.Clone(r.Servers)
		hadTag := slices.Contains(r.Servers, NewNodeTag)
		list := slices.DeleteFunc(slices.Clone(r.Servers), func(s string) bool {
			return s == node || s == NewNodeTag
		})
		if newOwner != "" && newOwner != node {
			if idx := slices.Index(list, newOwner); idx > 0 {
				list = slices.Delete(list, idx, idx+1)
				list = slices.Insert(list, 0, newOwner)
			}
		}
		list = append(list, node)
		if hadTag {
			list = append(list, NewNodeTag)
		}
		if slices.Equal(before, list) {
			continue
		}
		r.Servers = list
		changed = append(changed, name)
	}
	if len(changed) == 0 {
		return nil
	}
	sort.Strings(changed)
	m.bump()
	return changed
}

// Override replaces the whole document. The resulting version is greater
// than both the current one and the one carried by doc.
func (m *Modifiable) Override(doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := doc.Clone()
	if next.Resources == nil {
		next.Resources = map[string]*Resource{}
	}
	next.Version = max(m.doc.Version, doc.Version) + 1
	*m.doc = next
}
