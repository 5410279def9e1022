// Package coordinator dispatches tasks to the nodes of a resource and turns
// their answers into one result through a quorum.Manager.
package coordinator
