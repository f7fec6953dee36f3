// Package stats appends per-resource timing records to the cache's
// response and compression logs and renders a bounded tail of those logs as
// structured JSON or YAML. The monitors in this package drive the engine in
// do-not-cache mode, so recording never disturbs the cached entry.
package stats
