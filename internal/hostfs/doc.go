/*
Package hostfs implements the call shape a host filesystem binding drives:
lookup, enumerate, get and set attributes, create, remove, rename, open,
read, write and close.

Nodes are named by NodeID. IDs are allocated in increasing order and never
reused while the Resolver lives, so a name deleted and created again, or a
name renamed onto, comes back with a new ID. RootID is the bucket root.

Writes never go straight to the object store. Opening a file for writing
stages a local copy (seeded with the remote contents unless the open
truncates); the copy is uploaded when the last writable handle closes. If
that upload fails Close returns the error and the staged copy stays dirty,
so FlushAll or a later close can retry it. Files created or written but not
uploaded yet show up in Lookup and Enumerate with Pending set.

Desktop OS noise (.DS_Store, ._ sidecars and friends) is answered locally.
Those names are never looked up, listed or uploaded remotely.

The Dispatcher wraps a Resolver for bindings that deliver callbacks: every
call runs on its own goroutine, bounded by a semaphore, tagged with a
request ID and cancellable through Cancel.

Errno maps the error taxonomy onto syscall errno values.
*/
package hostfs
