// Package channel carries requests and responses between nodes.
//
// Every peer gets two Channels, one for requests and one for responses, so
// a slow stream of answers never delays new requests. A Channel owns a
// single worker goroutine: messages to one peer are delivered one at a
// time, in the order they were queued. Failed deliveries are retried with
// a linear backoff while the failure detector still considers the peer
// reachable; too many consecutive failures evict the peer.
//
// The wire service is quorumdb.cluster.Cluster, registered from a
// hand-written grpc.ServiceDesc over protobuf well-known wrapper types.
package channel
