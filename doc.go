// Package recordstore defines the shared contract types for the clinical
// record store: the error taxonomy returned by every store and query
// operation, and the validation issue model surfaced by the external
// validator capability.
//
// The store itself lives under internal/: internal/store owns durable
// records and version history, internal/index and internal/refs derive
// the search index and reference graph on every write, and
// internal/query evaluates declarative search requests against the
// derived tables.
package recordstore
