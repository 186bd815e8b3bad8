/*
Package cache provides the engine's two-tier response cache.

	┌─────────────────────────────────────────────┐
	│            Tiered (this package)            │
	│  ┌─────────────────────────────────────────┐  │
	│  │ L1: LRU                                 │  │
	│  │   • in-process, bounded entries/bytes   │  │
	│  │   • small values of L1-eligible types   │  │
	│  └─────────────────────────────────────────┘  │
	│                     │                       │
	│  ┌─────────────────────────────────────────┐  │
	│  │ L2: types.KVStore                       │  │
	│  │   • memory, disk, pebble, sqlite, s3    │  │
	│  │   • TTL-only expiry, survives restarts  │  │
	│  └─────────────────────────────────────────┘  │
	└─────────────────────────────────────────────┘

# Reads and writes

Get checks L1, then L2. An L2 hit is promoted into L1 when the cache type is
L1-eligible and the value fits under the per-entry ceiling; the promoted entry keeps
the L2 entry's absolute expiry, so L1 never serves a value L2 has already expired.

Set writes L2 first. Only when that succeeds is L1 updated; a value that is not
L1-eligible removes any older L1 copy of the key instead.

# Cache types

Each request names a cache type that selects a TTL and L1 eligibility from the
configured table:

	user          10m   L1
	session       30m   L1
	api_response   5m   L1
	listing        1h   L2 only
	media         24h   L2 only
	default        5m   L1

Unknown types fall back to "default".

# Eviction

L1 evicts the least recently accessed entry, exactly one per insert when it is at
its entry capacity, plus as many as needed to stay under the optional byte limit.
Expired L1 entries are dropped on access and by a periodic janitor. L2 entries expire
by TTL only.

# Invalidation

InvalidatePattern takes the tier write lock, so no Get or Set interleaves with the
removal and a concurrent reader never sees a key that one tier has dropped and the
other still serves. Patterns use the glob syntax of storage.CompilePattern.
*/
package cache
