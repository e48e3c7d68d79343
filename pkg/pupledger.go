// Package pupledger is the entry point of the pupledger module: an
// append-only, per-stream versioned event ledger over PostgreSQL, MySQL or
// SQLite.
//
// The packages are:
//
//	es                    - Core types, expected versions and errors
//	es/ledger             - Append with optimistic concurrency, reads, cursors
//	es/store              - Adapter contract
//	es/adapters/...       - postgres, mysql and sqlite adapters
//	es/publisher          - In-process publish after commit
//	es/projection         - Cursor-driven projection processors
//	es/eventmap           - Payload types and CUE schemas per event type
//	es/relay              - Forwarding the feed to Kafka or RabbitMQ
//	es/migrations         - Schema generation
//
// Quick Start:
//
//  1. Create the schema:
//     go run github.com/getpup/pupledger/cmd/pupledger migrate
//
//  2. Append with an expected version:
//     l := ledger.New(db, sqlite.NewStore(sqlite.DefaultStoreConfig()))
//     result, err := l.Append(ctx, "task-1", es.NoStream(), event)
//
//  3. Process events:
//     processor := projection.NewProcessor(l, &config)
//     processor.Run(ctx, myProjection)
//
// See the examples directory for a complete working example.
package pupledger

// Version returns the current version of the library.
func Version() string {
	return "0.1.0-dev"
}
