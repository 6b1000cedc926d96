// Package storage composes the cache index and the resource store behind the
// four canonical cache operations: get, put, update and remove. It owns the
// freshness policy applied when origin servers omit caching headers and
// degrades to a pass-through no-op when no cache directory is configured, so
// callers never branch on whether caching is available. Reclamation of
// superseded bodies is intentionally left to the eviction sweeper; the facade
// never blocks a caller on cleanup.
package storage
