package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParsePeers(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []Peer
		wantErr bool
	}{
		{
			name:  "empty string",
			input: "",
			want:  []Peer{},
		},
		{
			name:  "single peer",
			input: "n1=127.0.0.1:50051",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
			},
		},
		{
			name:  "multiple peers",
			input: "n1=127.0.0.1:50051,n2=127.0.0.1:50052,n3=127.0.0.1:50053",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
				{ID: "n2", Addr: "127.0.0.1:50052"},
				{ID: "n3", Addr: "127.0.0.1:50053"},
			},
		},
		{
			name:  "with spaces",
			input: "n1 = 127.0.0.1:50051 , n2 = 127.0.0.1:50052",
			want: []Peer{
				{ID: "n1", Addr: "127.0.0.1:50051"},
				{ID: "n2", Addr: "127.0.0.1:50052"},
			},
		},
		{
			name:    "invalid format - no equals",
			input:   "n1:127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty ID",
			input:   "=127.0.0.1:50051",
			wantErr: true,
		},
		{
			name:    "invalid format - empty addr",
			input:   "n1=",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePeers(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePeers() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr {
				if len(got) != len(tt.want) {
					t.Errorf("ParsePeers() length = %d, want %d", len(got), len(tt.want))
					return
				}
				for i := range got {
					if got[i].ID != tt.want[i].ID || got[i].Addr != tt.want[i].Addr {
						t.Errorf("ParsePeers()[%d] = %v, want %v", i, got[i], tt.want[i])
					}
				}
			}
		})
	}
}


func TestConfig_Seeds(t *testing.T) {
	cfg := Config{
		NodeID: "n1",
		Peers: []Peer{
			{ID: "n1", Addr: "127.0.0.1:50051"},
			{ID: "n2", Addr: "127.0.0.1:50052"},
			{ID: "n3", Addr: "127.0.0.1:50053"},
		},
	}

	seeds := cfg.Seeds()
	assert.Equal(t, map[string]string{
		"n2": "127.0.0.1:50052",
		"n3": "127.0.0.1:50053",
	}, seeds)
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{NodeID: "n1", ListenAddr: ":7480", Databases: []string{"demo"}, Store: "disk:///tmp/x"}
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		modify func(*Config)
	}{
		{"missing node id", func(c *Config) { c.NodeID = "" }},
		{"missing listen", func(c *Config) { c.ListenAddr = "" }},
		{"no databases", func(c *Config) { c.Databases = nil }},
		{"missing store", func(c *Config) { c.Store = "" }},
		{"duplicate peer", func(c *Config) {
			c.Peers = []Peer{{ID: "n2", Addr: "a"}, {ID: "n2", Addr: "b"}}
		}},
		{"suspect shorter than probe", func(c *Config) {
			c.ProbeInterval = time.Second
			c.SuspectTimeout = 100 * time.Millisecond
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.modify(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func newViper(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	v := viper.New()
	require.NoError(t, Bind(v, fs))
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper(t))
	require.NoError(t, err)

	assert.Equal(t, DefaultListen, cfg.ListenAddr)
	assert.Equal(t, DefaultStore, cfg.Store)
	assert.Equal(t, DefaultSynchTimeout, cfg.SynchTimeout)
	assert.Equal(t, DefaultMomentumInterval, cfg.MomentumInterval)
	assert.Empty(t, cfg.LogLevel)
	assert.Empty(t, cfg.Peers)
	assert.Empty(t, cfg.Databases)
}

func TestLoad_FlagsAndEnvironment(t *testing.T) {
	t.Setenv("QUORUMD_DATABASES", "demo, orders")
	t.Setenv("QUORUMD_LOCK_TIMEOUT", "750ms")

	v := newViper(t,
		"--node-id", "n1",
		"--peers", "n1=127.0.0.1:7481,n2=127.0.0.1:7482",
		"--synch-timeout", "3s",
	)
	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, []string{"demo", "orders"}, cfg.Databases)
	assert.Equal(t, 750*time.Millisecond, cfg.LockTimeout)
	assert.Equal(t, 3*time.Second, cfg.SynchTimeout)
	assert.Equal(t, map[string]string{"n2": "127.0.0.1:7482"}, cfg.Seeds())
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidPeers(t *testing.T) {
	_, err := Load(newViper(t, "--peers", "n1"))
	assert.Error(t, err)
}

func TestLoad_SettingsRoundTripThroughFile(t *testing.T) {
	original := Config{
		NodeID:           "n2",
		ListenAddr:       "127.0.0.1:7482",
		Peers:            []Peer{{ID: "n1", Addr: "127.0.0.1:7481"}},
		Databases:        []string{"demo"},
		Store:            "disk:///var/lib/quorumd",
		LogLevel:         "debug",
		SynchTimeout:     4 * time.Second,
		LockTimeout:      time.Second,
		TxTimeout:        time.Minute,
		TxPositions:      8,
		TxHistory:        64,
		ProbeInterval:    time.Second,
		SuspectTimeout:   2 * time.Second,
		DeadTimeout:      5 * time.Second,
		MomentumInterval: time.Second,
	}
	data, err := yaml.Marshal(original.Settings())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "quorumd.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(newViper(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, original, cfg)
}
