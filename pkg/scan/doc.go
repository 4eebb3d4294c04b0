// Package scan provides the shared domain types for the vulnerability
// scan pipeline: captured requests, mutated variants, scan containers,
// and materialized findings.
//
// Pipeline packages (transform, match, replay, orchestrator) all depend
// on this package and never on each other's internals, mirroring the
// data flow: a RawRequest fans out into TransformedRequests under a
// Scan, and a matching replay materializes a Vulnerability.
package scan
