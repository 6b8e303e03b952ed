// Package gateway wires the orchestration core together and exposes it over
// an HTTP/SSE transport, including server lifecycle and graceful shutdown.
package gateway
