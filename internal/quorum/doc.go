// Package quorum collects the responses to one distributed request, groups
// equal answers and decides whether a quorum of nodes agreed on a result.
//
// A Manager lives as long as its request. Responses may arrive in any order
// and from many goroutines; the first group to reach the quorum wins and
// never changes afterwards.
package quorum
