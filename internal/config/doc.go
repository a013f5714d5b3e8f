// Package config handles configuration loading for deal-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file with environment variable
// expansion, then defaults are applied and the result is validated.
//
// # Configuration File
//
// Location (first match wins):
//
//  1. The --config flag
//  2. Path from the DEAL_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/deal-relay/relay.yaml (~/.config when unset)
//
// # Environment Variable Expansion
//
// Values can reference environment variables:
//
//	callback:
//	  secret: "${CALLBACK_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax:
//
//	engine:
//	  timeout: "30s"
//	retention:
//	  max_age: "720h"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	  allowed_origins: ["http://localhost:5173"]
//	database:
//	  driver: sqlite
//	  path: ./data/relay.db
//	engine:
//	  base_url: http://n8n:5678
//	  orchestrator_path: /webhook/orchestrator
//	callback:
//	  secret: "${CALLBACK_SECRET}"
//	  base_url: http://backend:8000
//	agents:
//	  dir: ./agents
package config
