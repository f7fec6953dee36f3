// Package fetch issues single GET/HEAD requests against an origin, optionally
// conditional on an ETag or Last-Modified validator, and captures everything
// the cache engine and the stats recorder need from the exchange: the raw
// request and response header blocks, the decoded body, curl-style timing
// metrics and, for network failures, a curl-compatible exit code. Any HTTP
// status is a successful Issue; only transport failures return an error.
package fetch
