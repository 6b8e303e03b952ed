// Package config handles configuration loading for aria-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${ARIA_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	admission:
//	  rate_window: "10s"
//	memory:
//	  fetch_timeout: "800ms"
//	  cache_ttl: "5m"
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
// Database:
//
//	database:
//	  path: "/var/lib/aria/gateway.db"
//
// Admission limits:
//
//	admission:
//	  max_concurrent_streams: 20
//	  rate_window: "10s"
//	  rate_max_messages: 30
//
// Interrupt timing:
//
//	interrupt:
//	  flag_timeout: "30s"
//	  module_timeout: "5s"
//
// Memory cache timing:
//
//	memory:
//	  fetch_timeout: "800ms"
//	  save_timeout: "5s"
//	  cache_ttl: "5m"
//	  refresh_margin: "30s"
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "aria-gateway"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
