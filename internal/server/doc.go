// Package server hosts the read-only Fiber diagnostics service started by
// `pollcache serve`. It owns the middleware chain (recover, request id, access
// log) and the /metrics mount; the routes subpackage attaches cache inspection
// and stats endpoints. Nothing here issues upstream requests, so the service
// can run next to cron-driven fetches without touching cache state.
package server
