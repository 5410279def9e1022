// Package storage provides the local record store a node executes tasks
// against. Records carry an integer version used for optimistic
// concurrency; deletions leave a tombstone so a later fix or create can
// continue the version sequence.
package storage
