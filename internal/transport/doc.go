// Package transport is the download client sitting in front of the cache
// storage engine. It evaluates each request against the cache (hit, stale,
// miss), issues conditional or full upstream fetches over a shared HTTP
// client, streams new bodies into the resource store, and retries network
// failures with exponential backoff. Concurrent downloads of the same cache
// key are coalesced through singleflight so the origin is hit at most once.
// Storage failures degrade to plain uncached fetching: a broken cache slows
// downloads down, it never breaks them.
package transport
