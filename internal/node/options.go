package node

import (
	"pkt.systems/pslog"

	"quorumdb/internal/config"
	"quorumdb/internal/docstore"
	"quorumdb/internal/gossip"
)

// ConfigFrom maps the process configuration onto a node Config storing its
// documents in docs.
func ConfigFrom(c config.Config, docs docstore.Store, logger pslog.Logger) Config {
	return Config{
		NodeID:           c.NodeID,
		ListenAddr:       c.ListenAddr,
		Seeds:            c.Seeds(),
		Databases:        c.Databases,
		ConfigFile:       c.DistConfigFile,
		Documents:        docs,
		SynchTimeout:     c.SynchTimeout,
		LockTimeout:      c.LockTimeout,
		TxTimeout:        c.TxTimeout,
		TxPositions:      c.TxPositions,
		TxHistory:        c.TxHistory,
		MomentumInterval: c.MomentumInterval,
		Gossip: gossip.Config{
			ProbeInterval:  c.ProbeInterval,
			SuspectTimeout: c.SuspectTimeout,
			DeadTimeout:    c.DeadTimeout,
		},
		Logger: logger,
	}
}
