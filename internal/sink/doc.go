// Package sink is a diagnostic link endpoint: it accepts connections, logs
// every decoded packet, optionally echoes it back, and exposes recent traffic
// plus metrics over a small admin HTTP router.
package sink
