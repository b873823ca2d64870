/*
Package cache provides the two cache tiers that sit between the filesystem
orchestrator and the object store.

# Metadata cache

MetadataCache holds directory listings and single-entry metadata in memory,
each item bounded by a TTL:

	meta := cache.NewMetadataCache(30*time.Second, logger, metrics)
	meta.PutListing(bucketID, "photos/", entries, 0)
	entries, ok := meta.GetListing(bucketID, "photos/")

A read that finds an expired item reports it absent and removes it. Any
mutation must call Invalidate, which drops the entry at the path, the listing
of its parent, and the listing of the path itself:

	meta.Invalidate(bucketID, "photos/2024/cat.jpg") // drops listing "photos/2024/"

# Content cache

ContentCache keeps whole-file bytes on local disk under <cacheRoot>/content,
one file per object named by the SHA-256 of bucket and key. Inserting beyond
the byte cap evicts entries in least-recently-accessed order until the cap
holds, deleting each backing file before the insert returns. An object larger
than the whole cap is never cached. Range reads are never stored here.

The content directory is regenerable state and is wiped when a cache is
created.
*/
package cache
