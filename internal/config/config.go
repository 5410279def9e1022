package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes the environment variables read for every flag.
const EnvPrefix = "QUORUMD"

// Defaults of the node configuration.
const (
	DefaultListen           = ":7480"
	DefaultStore            = "disk://./data"
	DefaultSynchTimeout     = 10 * time.Second
	DefaultLockTimeout      = 5 * time.Second
	DefaultTxTimeout        = 30 * time.Second
	DefaultProbeInterval    = time.Second
	DefaultSuspectTimeout   = 3 * time.Second
	DefaultDeadTimeout      = 10 * time.Second
	DefaultMomentumInterval = 5 * time.Second
)

// Peer represents a peer node in the cluster.
type Peer struct {
	ID   string
	Addr string
}

// Config holds the node configuration.
type Config struct {
	NodeID     string
	ListenAddr string
	Peers      []Peer
	Databases  []string
	// Store is the URL of the document store (disk:// or s3://).
	Store string
	// DistConfigFile overrides the stored distributed configuration and is
	// reloaded on change.
	DistConfigFile string
	MetricsListen  string
	LogLevel       string

	SynchTimeout     time.Duration
	LockTimeout      time.Duration
	TxTimeout        time.Duration
	TxPositions      int
	TxHistory        int
	ProbeInterval    time.Duration
	SuspectTimeout   time.Duration
	DeadTimeout      time.Duration
	MomentumInterval time.Duration
}

// ParsePeers parses a comma-separated list of peers in the format:
// "id1=addr1,id2=addr2,id3=addr3"
func ParsePeers(peersStr string) ([]Peer, error) {
	if peersStr == "" {
		return []Peer{}, nil
	}

	parts := strings.Split(peersStr, ",")
	peers := make([]Peer, 0, len(parts))

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid peer format: %s (expected id=addr)", part)
		}

		id := strings.TrimSpace(kv[0])
		addr := strings.TrimSpace(kv[1])

		if id == "" || addr == "" {
			return nil, fmt.Errorf("peer ID and address cannot be empty: %s", part)
		}

		peers = append(peers, Peer{
			ID:   id,
			Addr: addr,
		})
	}

	return peers, nil
}

// Seeds returns the peers keyed by id, without this node.
func (c *Config) Seeds() map[string]string {
	seeds := make(map[string]string, len(c.Peers))
	for _, peer := range c.Peers {
		if peer.ID != c.NodeID {
			seeds[peer.ID] = peer.Addr
		}
	}
	return seeds
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return errors.New("config: node-id is required")
	}
	if c.ListenAddr == "" {
		return errors.New("config: listen address is required")
	}
	if len(c.Databases) == 0 {
		return errors.New("config: at least one database is required")
	}
	if c.Store == "" {
		return errors.New("config: store is required")
	}
	seen := map[string]bool{}
	for _, p := range c.Peers {
		if seen[p.ID] {
			return fmt.Errorf("config: peer %s listed twice", p.ID)
		}
		seen[p.ID] = true
	}
	if c.SuspectTimeout > 0 && c.ProbeInterval > 0 && c.SuspectTimeout < c.ProbeInterval {
		return fmt.Errorf("config: suspect-timeout %s is shorter than probe-interval %s", c.SuspectTimeout, c.ProbeInterval)
	}
	return nil
}

// RegisterFlags defines the node flags on fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a YAML configuration file")
	fs.String("node-id", "", "unique name of this node")
	fs.String("listen", DefaultListen, "cluster listen address")
	fs.String("peers", "", "cluster peers as id=addr,id=addr")
	fs.String("databases", "", "comma-separated databases served by this node")
	fs.String("store", DefaultStore, "document store URL (disk:///path or s3://host/bucket)")
	fs.String("distconfig", "", "distributed configuration file (JSON or YAML) applied to every database")
	fs.String("metrics-listen", "", "Prometheus scrape address (empty disables)")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error); empty keeps QUORUMD_LOG_LEVEL")
	fs.Duration("synch-timeout", DefaultSynchTimeout, "how long a request waits for the quorum")
	fs.Duration("lock-timeout", DefaultLockTimeout, "how long a transaction waits for a record lock")
	fs.Duration("tx-timeout", DefaultTxTimeout, "how long a prepared transaction waits for its completion")
	fs.Int("tx-positions", 0, "concurrent transactions started by this node (0 uses the default)")
	fs.Int("tx-history", 0, "transaction ids kept for follower catch-up (0 uses the default)")
	fs.Duration("probe-interval", DefaultProbeInterval, "membership probe interval")
	fs.Duration("suspect-timeout", DefaultSuspectTimeout, "time a suspect node gets before it is declared dead")
	fs.Duration("dead-timeout", DefaultDeadTimeout, "time a dead node is remembered")
	fs.Duration("momentum-interval", DefaultMomentumInterval, "how often the sync document is saved")
}

// Bind attaches fs and the QUORUMD_ environment to v.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v.BindPFlags(fs)
}

// Load reads the configuration file named by the "config" key, if any,
// then builds the Config from flags, environment and file.
func Load(v *viper.Viper) (Config, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	peers, err := ParsePeers(v.GetString("peers"))
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		NodeID:           v.GetString("node-id"),
		ListenAddr:       v.GetString("listen"),
		Peers:            peers,
		Databases:        splitList(v.GetString("databases")),
		Store:            v.GetString("store"),
		DistConfigFile:   v.GetString("distconfig"),
		MetricsListen:    v.GetString("metrics-listen"),
		LogLevel:         v.GetString("log-level"),
		SynchTimeout:     v.GetDuration("synch-timeout"),
		LockTimeout:      v.GetDuration("lock-timeout"),
		TxTimeout:        v.GetDuration("tx-timeout"),
		TxPositions:      v.GetInt("tx-positions"),
		TxHistory:        v.GetInt("tx-history"),
		ProbeInterval:    v.GetDuration("probe-interval"),
		SuspectTimeout:   v.GetDuration("suspect-timeout"),
		DeadTimeout:      v.GetDuration("dead-timeout"),
		MomentumInterval: v.GetDuration("momentum-interval"),
	}
	return cfg, nil
}

// Settings returns c keyed by flag name, in the form Load reads back from a
// configuration file.
func (c Config) Settings() map[string]any {
	peers := make([]string, 0, len(c.Peers))
	for _, p := range c.Peers {
		peers = append(peers, p.ID+"="+p.Addr)
	}
	return map[string]any{
		"node-id":           c.NodeID,
		"listen":            c.ListenAddr,
		"peers":             strings.Join(peers, ","),
		"databases":         strings.Join(c.Databases, ","),
		"store":             c.Store,
		"distconfig":        c.DistConfigFile,
		"metrics-listen":    c.MetricsListen,
		"log-level":         c.LogLevel,
		"synch-timeout":     c.SynchTimeout.String(),
		"lock-timeout":      c.LockTimeout.String(),
		"tx-timeout":        c.TxTimeout.String(),
		"tx-positions":      c.TxPositions,
		"tx-history":        c.TxHistory,
		"probe-interval":    c.ProbeInterval.String(),
		"suspect-timeout":   c.SuspectTimeout.String(),
		"dead-timeout":      c.DeadTimeout.String(),
		"momentum-interval": c.MomentumInterval.String(),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
