// Package auth provides JWT verification and HTTP middleware for
// authenticating device requests against the gateway API.
package auth
