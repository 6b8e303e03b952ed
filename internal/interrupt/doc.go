// Package interrupt coordinates device-scoped cancellation: a timed
// per-device flag, fault-isolated dispatch to registered modules, and a
// cooperative wrapper that stops pipeline consumption mid-stream.
package interrupt
