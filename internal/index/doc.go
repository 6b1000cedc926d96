// Package index implements the crash-safe mapping from cache keys to response
// metadata. Each key is persisted as its own JSON document under the index
// directory and committed with a temp-file + rename swap, so an interrupted
// commit leaves either the old or the new entry on disk, never a mix. An
// in-memory mirror keeps lookups to a map read; entries failing structural
// validation at load time are removed and reported as misses instead of
// poisoning the cache.
package index
