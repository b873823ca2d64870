/*
Package config loads and validates b2fs configuration.

Sources are applied in order, later ones winning:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│             (B2FS_*)                        │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration File (YAML)           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

Example file:

	global:
	  log_level: INFO
	  log_format: json
	  metrics_address: "127.0.0.1:9100"
	mount:
	  bucket_name: photos
	  cache_root: /var/cache/b2fs
	  cache_size: 4GB
	  metadata_ttl: 30s
	network:
	  api_endpoint: https://api.backblazeb2.com
	  timeouts:
	    connect: 10s
	    request: 5m
	account:
	  key_id: 0012abcdef

The application key is never read from the file. It is supplied by a
credential provider (the CLI reads B2_APPLICATION_KEY).

Validation failures are returned as INVALID_CONFIG errors from pkg/errors.
*/
package config
