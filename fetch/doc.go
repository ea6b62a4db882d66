// Package fetch implements the Fetcher (spec component C1): HTTP(S)
// downloads into the shared content-addressed cache, with retrying,
// per-URL single-flight deduplication, and checksum verification.
package fetch
