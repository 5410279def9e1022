// Package node assembles a cluster member: gossip membership, the peer
// channels, the request coordinator with its repairer, the transaction
// participant over the record store, and the momentum trackers. Its
// operations run records and transactions through the configured quorums.
package node
