// Package store defines the [Store] interface for week counter backends
// and provides these implementations:
//
//   - [MemoryStore]: in-memory counter and visit markers, lost on restart.
//   - [BoltStore]: an embedded bbolt file, durable after every commit.
//   - [SQLiteStore]: a SQLite database.
//   - [TieredStore]: an in-memory read cache in front of any other Store.
//
// A Redis backend lives in the redis subpackage. Custom backends can be
// created by implementing the [Store] interface.
package store
