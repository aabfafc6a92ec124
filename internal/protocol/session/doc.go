// Package session owns one link connection and drives the packet codec
// against its byte stream.
//
// Ownership boundary:
// - connection lifecycle (Disconnected -> Connecting -> Connected -> Closed)
// - full writes of encoded packets
// - buffered reassembly of inbound packets with timeout/cancel support
// - backoff primitives for callers that retry Connect
//
// A Client has a single logical owner. Send and Receive must not be called
// concurrently on the same Client; Close and State are safe from any goroutine.
package session
