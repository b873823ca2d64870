/*
Package types holds the data model shared by the b2fs layers.

The layering is one-directional:

	┌─────────────────────────────────────────────┐
	│        Host binding (dispatcher/resolver)   │
	│              (internal/hostfs)              │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│             Domain orchestrator             │
	│            (internal/filesystem)            │
	└─────────────────────────────────────────────┘
	          │           │            │
	┌─────────┴───┐ ┌─────┴────┐ ┌─────┴─────┐
	│  B2 client  │ │  Caches  │ │  Staging  │
	│  + session  │ │          │ │           │
	└─────────────┘ └──────────┘ └───────────┘

# Entries

An Entry is one filesystem node. Its Kind is decided once when the entry is
built from a listing: KindVirtualDir for a common prefix reported by the
delimiter mechanism, KindMarkerDir for an explicit zero-length directory
marker object, KindFile otherwise. Directory paths always end in "/" and the
bucket root is the empty path.

# Sessions

A Session is an immutable snapshot of one successful authorization. It is
replaced wholesale on refresh and never mutated in place, so any request built
from one snapshot is internally consistent.
*/
package types
