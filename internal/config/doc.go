// Package config handles configuration loading for opal-gateway.
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
//	  jwt_secret: "${OPAL_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	auth:
//	  session_token_ttl: "24h"
//	sessions:
//	  idle_timeout: "30m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8600"
//	  name: "opal-gateway"
//	  version: "1.0.0"
//
// Database:
//
//	database:
//	  path: "/var/lib/opal/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${OPAL_JWT_SECRET}"  # Required
//	  session_token_ttl: "24h"
//
// Rate limiting (each class takes limit + window; omitted classes keep
// their built-in budgets):
//
//	rate_limit:
//	  generic:
//	    limit: 100
//	    window: "60s"
//	  tool_execution:
//	    limit: 20
//	    window: "60s"
//	  registry_mutate:
//	    limit: 50
//	    window: "60s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
//	cfg, err := config.Load("/etc/opal/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
