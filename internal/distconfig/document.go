package distconfig

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// AllResources names the default entry used when a resource has none.
	AllResources = "*"
	// NewNodeTag marks where joining nodes are inserted in a server list.
	NewNodeTag = "<NEW_NODE>"
)

// Role of a server in the cluster.
type Role string

const (
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// Quorum is either a fixed number of nodes or one of "majority" and "all",
// resolved against the number of servers of a resource.
type Quorum struct {
	N    int
	Mode string
}

const (
	QuorumMajority = "majority"
	QuorumAllNodes = "all"
)

// Fixed returns a fixed quorum.
func Fixed(n int) *Quorum { return &Quorum{N: n} }

// Majority returns a majority quorum.
func Majority() *Quorum { return &Quorum{Mode: QuorumMajority} }

// All returns a quorum of every server.
func All() *Quorum { return &Quorum{Mode: QuorumAllNodes} }

// Resolve returns the number of nodes required out of servers.
func (q *Quorum) Resolve(servers int) int {
	switch q.Mode {
	case QuorumMajority:
		return servers/2 + 1
	case QuorumAllNodes:
		return servers
	default:
		return q.N
	}
}

func (q Quorum) String() string {
	if q.Mode != "" {
		return q.Mode
	}
	return strconv.Itoa(q.N)
}

func parseQuorum(s string) (Quorum, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case QuorumMajority, QuorumAllNodes:
		return Quorum{Mode: s}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Quorum{}, fmt.Errorf("invalid quorum %q", s)
	}
	return Quorum{N: n}, nil
}

func (q Quorum) MarshalJSON() ([]byte, error) {
	if q.Mode != "" {
		return json.Marshal(q.Mode)
	}
	return json.Marshal(q.N)
}

func (q *Quorum) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		if n < 0 {
			return fmt.Errorf("invalid quorum %d", n)
		}
		*q = Quorum{N: n}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("invalid quorum %s", b)
	}
	parsed, err := parseQuorum(s)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

func (q Quorum) MarshalYAML() (any, error) {
	if q.Mode != "" {
		return q.Mode, nil
	}
	return q.N, nil
}

func (q *Quorum) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := parseQuorum(node.Value)
	if err != nil {
		return err
	}
	*q = parsed
	return nil
}

// Partitioning describes how records of a resource are spread.
type Partitioning struct {
	Strategy string            `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Resource is the configuration of one cluster/table.
type Resource struct {
	WriteQuorum  *Quorum       `json:"writeQuorum,omitempty" yaml:"writeQuorum,omitempty"`
	ReadQuorum   *Quorum       `json:"readQuorum,omitempty" yaml:"readQuorum,omitempty"`
	Owner        string        `json:"owner,omitempty" yaml:"owner,omitempty"`
	Servers      []string      `json:"servers,omitempty" yaml:"servers,omitempty"`
	Partitioning *Partitioning `json:"partitioning,omitempty" yaml:"partitioning,omitempty"`
}

func (r *Resource) clone() *Resource {
	if r == nil {
		return nil
	}
	c := *r
	if r.WriteQuorum != nil {
		q := *r.WriteQuorum
		c.WriteQuorum = &q
	}
	if r.ReadQuorum != nil {
		q := *r.ReadQuorum
		c.ReadQuorum = &q
	}
	c.Servers = append([]string(nil), r.Servers...)
	if r.Partitioning != nil {
		p := Partitioning{Strategy: r.Partitioning.Strategy}
		if r.Partitioning.Params != nil {
			p.Params = make(map[string]string, len(r.Partitioning.Params))
			for k, v := range r.Partitioning.Params {
				p.Params[k] = v
			}
		}
		c.Partitioning = &p
	}
	return &c
}

// Document is the persisted form of a distributed configuration.
type Document struct {
	Version        int64                `json:"version" yaml:"version"`
	WriteQuorum    *Quorum              `json:"writeQuorum,omitempty" yaml:"writeQuorum,omitempty"`
	ReadQuorum     *Quorum              `json:"readQuorum,omitempty" yaml:"readQuorum,omitempty"`
	ReadYourWrites *bool                `json:"readYourWrites,omitempty" yaml:"readYourWrites,omitempty"`
	ExecutionMode  string               `json:"executionMode,omitempty" yaml:"executionMode,omitempty"`
	Roles          map[string]Role      `json:"roles,omitempty" yaml:"roles,omitempty"`
	Resources      map[string]*Resource `json:"clusters" yaml:"clusters"`
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	c := d
	if d.WriteQuorum != nil {
		q := *d.WriteQuorum
		c.WriteQuorum = &q
	}
	if d.ReadQuorum != nil {
		q := *d.ReadQuorum
		c.ReadQuorum = &q
	}
	if d.ReadYourWrites != nil {
		v := *d.ReadYourWrites
		c.ReadYourWrites = &v
	}
	if d.Roles != nil {
		c.Roles = make(map[string]Role, len(d.Roles))
		for k, v := range d.Roles {
			c.Roles[k] = v
		}
	}
	c.Resources = make(map[string]*Resource, len(d.Resources))
	for k, v := range d.Resources {
		c.Resources[k] = v.clone()
	}
	return c
}

// Format of a serialized document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatOf guesses the format from a file name.
func FormatOf(name string) Format {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml") {
		return FormatYAML
	}
	return FormatJSON
}

// Decode parses a document.
func Decode(data []byte, format Format) (Document, error) {
	var doc Document
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return Document{}, fmt.Errorf("distconfig: decode: %w", err)
	}
	if doc.Resources == nil {
		doc.Resources = map[string]*Resource{}
	}
	for name, r := range doc.Resources {
		if r == nil {
			return Document{}, fmt.Errorf("distconfig: decode: empty entry for %q", name)
		}
	}
	return doc, nil
}

// Encode serializes a document.
func Encode(doc Document, format Format) ([]byte, error) {
	var (
		b   []byte
		err error
	)
	switch format {
	case FormatYAML:
		b, err = yaml.Marshal(doc)
	default:
		b, err = json.MarshalIndent(doc, "", "  ")
	}
	if err != nil {
		return nil, fmt.Errorf("distconfig: encode: %w", err)
	}
	return b, nil
}
