// Package storage provides the small key->JSON document store backing the
// gateway's durable state:
//   - Directory cache records (one per directory kind)
//   - The cross-feature send lock
//
// Two drivers are supported: a dependency-free file backend (one atomic JSON
// document per key) and an optional SQLite backend behind the "sqlite" build
// tag.
package storage
