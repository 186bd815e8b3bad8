/*
Package config provides configuration management for syncengine.

Configuration is assembled from three sources, lowest precedence first:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│          (SYNCENGINE_POOL_MAX_SIZE)          │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Compiled-in Defaults (NewDefault)    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

Load seeds viper with the marshaled defaults, merges the file, binds the environment and
unmarshals the result back over the defaults before validating it. Every recognized option
appears in the Configuration tree; there are no free-form maps apart from the cache-type
table, whose entries are validated individually.

# Sections

  - global: log level, format and file
  - concurrency: bounds and adaptive factors for the batch controller
  - pool: connection pool size and health rules
  - retry: per-operation backoff
  - cache: L1 limits, default TTL and the cache-type table
  - storage: L2 backend selection (memory, disk, pebble, sqlite, s3)
  - stream: chunk sizing for the stream processor
  - transport: HTTP client settings
  - circuit_breaker: optional per-host breaker
  - metrics, tracing: observability

# Example

	concurrency:
	  max_concurrent: 5
	  batch_timeout: 90s
	cache:
	  types:
	    default: {ttl: 5m, l1_eligible: true}
	    media:   {ttl: 24h, l1_eligible: false}
	storage:
	  backend: pebble
	  pebble:
	    directory: /var/cache/syncengine
*/
package config
