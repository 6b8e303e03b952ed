// Package store provides SQLite-backed persistence for conversation
// exchanges, implementing the memory provider contract behind the cache.
package store
