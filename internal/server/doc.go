// Package server hosts the relay API behind a single chi router.
//
// Every route shares one middleware chain: request ids, panic recovery,
// tracing, metrics, request logging, security headers and CORS. The
// start-stream route additionally sits behind a per-client rate limit that
// can be shared across replicas through Redis.
package server
