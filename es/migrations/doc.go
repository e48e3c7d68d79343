// Package migrations generates and applies the ledger schema for PostgreSQL,
// MySQL/MariaDB and SQLite.
//
// To write a migration file, use the migrate-gen command:
//
//	go run github.com/getpup/pupledger/cmd/migrate-gen -adapter postgres -output migrations
//
// Or add a go generate directive to your code:
//
//	//go:generate go run github.com/getpup/pupledger/cmd/migrate-gen -output ../../migrations
//
// Apply runs the same statements against an open connection; every
// statement is idempotent.
package migrations

//go:generate go run ../../cmd/migrate-gen -output example_migrations -filename example.sql
