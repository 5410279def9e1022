// Package txn sequences distributed transactions and keeps the per-request
// state (record locks and undo log) that lets a node commit or roll back
// the part of a transaction it executed.
//
// A coordinator takes a TransactionID from its Sequencer and sends a
// PrepareTx task to the replicas. Each replica validates the id, locks the
// touched records, applies the operations and records compensating tasks
// in a TxContext. A CompleteTx task then commits (releasing the locks) or
// rolls back (replaying the undo log in reverse).
package txn
