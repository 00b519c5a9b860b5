// Package cache implements a normalized, client-side GraphQL object cache.
//
// # Data model
//
// Query results are flattened into a store of Records keyed by data ID.
// Identifiable objects ("Type:id", or "Type:{...}" with explicit key fields)
// become Records of their own and their parents hold a Reference to them;
// other objects are stored inline. Top-level query fields live on the
// ROOT_QUERY Record, mutation results on ROOT_MUTATION. A field is stored
// under its store field name: the bare name, or name({"arg":value}) with the
// canonical JSON of its key arguments.
//
// # Reading and writing
//
// Documents are compiled into Plans once per (document, variables) pair. A
// Plan has fragment spreads and inline fragments expanded, @skip/@include
// applied and field policies resolved where the static type is known.
//
// Writes merge monotonically: incoming fields overwrite stored ones, fields
// absent from the payload are kept. A write is staged and committed as a
// unit, so a rejected payload (InvalidWriteError) leaves no trace.
//
// Reads assemble whatever the store holds and report each absent field as a
// MissingField instead of failing. A Reference whose target was evicted is
// dangling; it reads as missing and is dropped from lists.
//
// # Watching
//
// Watch registers a query or fragment. Every committed mutation re-reads the
// watches whose last read visited a changed data ID and queues the new result
// when it differs structurally from the previous one. Writes made with
// NoBroadcast defer this until the next broadcasting mutation.
//
// # Fetching
//
// Query applies a FetchPolicy on top of the store and a link.Link. Fields
// marked @client are never sent to the link. Identical concurrent fetches
// share one remote call.
//
// # Concurrency
//
// A Cache is safe for concurrent use. A single mutex covers each mutation
// together with its watch broadcast. Field policy functions run while it is
// held and must not call back into the Cache.
package cache
