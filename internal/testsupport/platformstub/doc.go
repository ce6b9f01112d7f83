// Package platformstub hosts a deterministic fake of the YouTube Live
// Streaming API for integration tests. It tracks broadcasts and streams in
// memory, records every call, and can fail chosen operations so rollback
// paths can be asserted end to end without touching the network.
package platformstub
