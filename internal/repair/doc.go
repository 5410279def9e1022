// Package repair sends follow-up tasks after a quorum was resolved: nodes
// that answered differently from the quorum are forced to the agreed record,
// and non-idempotent writes that missed the quorum are compensated on the
// nodes that applied them. Both run in the background.
package repair
