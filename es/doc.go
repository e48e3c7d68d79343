// Package es provides the core types of the event ledger.
//
// # Overview
//
// This package defines the vocabulary shared by the ledger, the storage
// adapters and the projection tooling:
//   - PendingEvent: an event built by a caller, before commit
//   - Event: a committed event with its stream version and global id
//   - ExpectedVersion: the optimistic concurrency guard for an append
//   - DBTX: database transaction abstraction
//   - Logger: optional observability hook
//
// # Quick Start
//
// 1. Create the schema:
//
//	go run github.com/getpup/pupledger/cmd/migrate-gen -adapter postgres -output migrations
//
// or apply it directly with migrations.Apply.
//
// 2. Create a ledger over a pool and an adapter:
//
//	import (
//	    "github.com/getpup/pupledger/es"
//	    "github.com/getpup/pupledger/es/adapters/postgres"
//	    "github.com/getpup/pupledger/es/ledger"
//	)
//
//	l := ledger.New(db, postgres.NewStore(postgres.DefaultStoreConfig()))
//
// 3. Append events:
//
//	result, err := l.Append(ctx, "order-42", es.NoStream(),
//	    es.PendingEvent{EventType: "OrderPlaced", Payload: payload})
//
// 4. Process the global feed with projections:
//
//	import "github.com/getpup/pupledger/es/projection"
//
//	type MyProjection struct{}
//
//	func (p *MyProjection) Name() string { return "my_projection" }
//
//	func (p *MyProjection) Handle(ctx context.Context, event es.Event) error {
//	    return nil
//	}
//
//	config := projection.DefaultProcessorConfig()
//	processor := projection.NewProcessor(l, &config)
//	processor.Run(ctx, &MyProjection{})
//
// # Optimistic Concurrency
//
// Stream versions are zero-based and contiguous. An append states what it
// expects the stream to look like:
//   - Any(): no check
//   - NoStream(): the stream must hold no events
//   - Exact(v): the last event must have version v
//
// A mismatch returns a *ConcurrencyConflictError carrying the observed
// version, and nothing is written. An append of several events is atomic.
//
// # Global Feed
//
// Every committed event receives a global id that is strictly increasing
// across all streams. Readers page through the feed with an exclusive
// lower bound and persist the last processed id as a subscription cursor.
// Cursors only move forward.
//
// # Errors
//
// Errors are classified so callers can react without inspecting driver codes:
//   - ConcurrencyConflictError: retry with a fresh decision
//   - ValidationError: the input is rejected before touching storage
//   - TransientStorageError: the operation may succeed if retried
//   - FatalSchemaError: the schema is missing or incompatible
package es
