// Package gossip implements a simplified SWIM-style membership protocol
// and serves as the cluster failure detector: node reachability, per-node
// database status and the time of the last cluster shape change.
//
// Limitations:
// - Suspect nodes count as unavailable
// - No anti-entropy beyond gossip
package gossip
