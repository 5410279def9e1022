// Package replication decides which nodes a request is sent to and which
// of them vote toward its quorum.
package replication
