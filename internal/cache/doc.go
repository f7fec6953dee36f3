// Package cache defines the content-addressed disk store that backs every
// polled resource. A resource is addressed by a Key derived from its URL and
// compression mode; each key owns a fixed set of artifact files named
// {cacheDir}/{key}_{kind}. The store exposes existence, read, atomic write
// (temp file + rename) and append-only log primitives, plus CommitEntry which
// replaces the response header/body pair so that a failed write never leaves
// a mismatched pair behind. Higher layers (engine, stats) depend only on the
// Store interface.
package cache
