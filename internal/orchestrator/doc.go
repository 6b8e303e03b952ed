// Package orchestrator is the single per-request entry point: it sequences
// admission, interrupt-wrapped generation, rate-limited fragment relay, and
// the background memory save around the external pipeline.
package orchestrator
