// Package protocol defines the messages exchanged between cluster nodes:
// request identities, requests, responses, task variants and the payloads
// they produce, together with their protowire encoding.
package protocol
