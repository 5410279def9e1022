// Package distconfig holds the distributed configuration of a database:
// per-resource quorums, owners and server lists with a version that grows
// on every change.
//
// All accessors and mutators share one mutex. A reader never observes a
// partially applied change.
package distconfig
