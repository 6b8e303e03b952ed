// Package session tracks in-flight request sessions per device so the
// interrupt coordinator can cancel and report on them as a group.
package session
