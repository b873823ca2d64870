/*
Package adapter wires one b2fs mount together and owns its lifecycle.

# Architecture Role

	┌─────────────────────────────────────────────┐
	│      host binding / cmd/b2fs commands       │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│   hostfs.Dispatcher  →  hostfs.Resolver     │
	└─────────────────────────────────────────────┘
	          │                         │
	┌─────────┴──────────┐    ┌─────────┴─────────┐
	│ filesystem.Backend │    │  staging.Manager  │
	└────────────────────┘    └───────────────────┘
	   │        │       │
	┌──┴───┐ ┌──┴───┐ ┌─┴───────────────────────┐
	│ meta │ │ data │ │ b2.Client + b2.Session  │
	│ cache│ │ cache│ │ Manager (HTTP, authz)   │
	└──────┘ └──────┘ └─────────────────────────┘

Every component records into one metrics.Collector and logs through one
zap logger built from the global configuration.

# Lifecycle

New validates the configuration and builds what needs no network: logger,
metrics, HTTP client, session manager and both cache tiers. The content
cache directory is wiped, since its index does not survive a restart.

Start authorizes the account and resolves the bucket. Either the bucket ID
or its name may be configured; the other half comes from b2_list_buckets,
or directly from the session when the key is restricted to one bucket. Only
then are the Backend, the staging directory for that bucket, the Resolver
and the Dispatcher built.

Stop closes the Dispatcher (cancelling outstanding host calls), uploads
every dirty staging record and deletes the clean ones. A record whose
upload fails is the only copy of that data, so it stays on disk and its key
is returned to the caller:

	kept, err := a.Stop(ctx)
	if len(kept) > 0 {
		log.Printf("not uploaded, still staged: %v", kept)
	}

# Storage URIs

ParseStorageURI accepts b2://bucket and b2://bucket/prefix. The CLI uses it
to fill Mount.BucketName.
*/
package adapter
