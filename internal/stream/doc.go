// Package stream relays archive output to a client in bounded chunks.
// It owns the teardown rules for the producer: a failed write or a cancelled
// context terminates it, while a clean end of stream leaves it for the caller
// to reap.
package stream
