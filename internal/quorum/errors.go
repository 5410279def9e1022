package quorum

import (
	"errors"
	"fmt"
	"strings"

	"quorumdb/internal/protocol"
)

// ErrCanceled is returned to waiters of a canceled request.
var ErrCanceled = errors.New("quorum: request canceled")

// QuorumError reports that not enough nodes agreed on a result.
type QuorumError struct {
	RequestID  protocol.RequestID
	Quorum     int
	Responding []string
	Missing    []string
	// Err is the error most nodes answered with, if any.
	Err error
}

func (e *QuorumError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "quorum %d not reached for request %s (responding=[%s] missing=[%s])",
		e.Quorum, e.RequestID, strings.Join(e.Responding, ","), strings.Join(e.Missing, ","))
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *QuorumError) Unwrap() error { return e.Err }

// ConflictError reports a split brain: the two largest groups have the same
// size, both reach the quorum and disagree.
type ConflictError struct {
	RequestID protocol.RequestID
	Quorum    int
	Groups    [][]string
}

func (e *ConflictError) Error() string {
	parts := make([]string, 0, len(e.Groups))
	for _, g := range e.Groups {
		parts = append(parts, "["+strings.Join(g, ",")+"]")
	}
	return fmt.Sprintf("unresolvable conflict for request %s with quorum %d: groups %s",
		e.RequestID, e.Quorum, strings.Join(parts, " "))
}

// UnavailableError reports that no node answered a non-idempotent request.
type UnavailableError struct {
	RequestID protocol.RequestID
	Nodes     []string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("no response received for request %s from nodes [%s]",
		e.RequestID, strings.Join(e.Nodes, ","))
}
