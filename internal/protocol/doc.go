// Package protocol owns the device link wire contract.
//
// Ownership boundary:
// - shared error taxonomy (this package)
// - packet header/payload codec (frame)
// - single-connection transport client (session)
package protocol
