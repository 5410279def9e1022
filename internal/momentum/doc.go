// Package momentum keeps the sync document of a database: for every peer the
// last log position this node acknowledged, plus the time of the last
// applied operation. After a reconnection the document tells whether a peer
// has moved past what was acknowledged and a resync is needed.
package momentum
