// Package kvik implements the client side of a lightweight publish/subscribe
// protocol for resource-constrained nodes talking to a gateway over an
// arbitrary link-level Transport (a wireless broadcast medium, a
// point-to-point radio, a serial bus, or a test loopback).
//
// A Client binds to exactly one gateway at a time, discovered either by
// broadcast probing (DiscoverGateway) or restored from a prior session's
// Retain snapshot and revalidated with SyncTime. Once bound, it exposes
// publish/subscribe operations (Publish, Subscribe, Unsubscribe,
// PubSubUnsubBulk) that round-trip through the gateway, a background
// watchdog that rediscovers the gateway after too many consecutive
// failures, and a periodic subscription-lease renewal so the gateway does
// not forget this client's interests.
//
// All exported Client methods are safe for concurrent use. Construct one
// with New and release its background goroutines with Close.
package kvik
