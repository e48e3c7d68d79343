// Command migrate-gen writes the event ledger schema as a SQL migration file.
//
// Usage:
//
//	go run github.com/getpup/pupledger/cmd/migrate-gen -output migrations -filename init.sql
//
// Or with go generate:
//
//	//go:generate go run github.com/getpup/pupledger/cmd/migrate-gen -output migrations
//
// Generate migrations for different database adapters:
//
//	go run github.com/getpup/pupledger/cmd/migrate-gen -adapter postgres -output migrations
//	go run github.com/getpup/pupledger/cmd/migrate-gen -adapter mysql -output migrations
//	go run github.com/getpup/pupledger/cmd/migrate-gen -adapter sqlite -output migrations
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/getpup/pupledger/es/migrations"
)

func main() {
	var (
		adapter            = flag.String("adapter", "postgres", "Database adapter: postgres, mysql, or sqlite")
		outputFolder       = flag.String("output", "migrations", "Output folder for migration file")
		outputFilename     = flag.String("filename", "", "Output filename (default: timestamp-based)")
		eventsTable        = flag.String("events-table", "events", "Name of events table")
		subscriptionsTable = flag.String("subscriptions-table", "subscription_cursors", "Name of subscription cursors table")
	)

	flag.Parse()

	dialect, err := migrations.ParseDialect(*adapter)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	config := migrations.DefaultConfig()
	config.OutputFolder = *outputFolder
	config.EventsTable = *eventsTable
	config.SubscriptionsTable = *subscriptionsTable

	if *outputFilename != "" {
		config.OutputFilename = *outputFilename
	}

	if err := migrations.Generate(dialect, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating migration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Generated %s migration: %s/%s\n", dialect, config.OutputFolder, config.OutputFilename)
}
