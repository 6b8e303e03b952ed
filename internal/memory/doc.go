// Package memory caches per-device conversation context with a TTL,
// scheduled background refresh, and write-behind saves, keeping the request
// path under a hard latency ceiling.
package memory
