// Package admission gates incoming streams under a global concurrency limit
// and caps per-session message emission with a sliding time window.
package admission
