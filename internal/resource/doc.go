// Package resource manages the physical files that hold cached response
// bodies, decoupled from the metadata index. A body starts life as a writable
// partial file invisible to readers, becomes immutable once finalized, and is
// handed out as reference-counted read handles afterwards. The package never
// deletes a published file on its own: dropping to a zero reference count only
// marks the file reclaimable, and the eviction sweeper performs the actual
// deletion. Higher layers depend on this split to keep the index and the body
// files crash-consistent.
package resource
