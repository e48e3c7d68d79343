// Package eventmap maps event types to Go payload types and validates
// payloads against CUE schemas before they reach the ledger.
//
// A Registry is safe for concurrent use and implements es.PayloadValidator,
// so it can be passed to ledger.WithValidator.
package eventmap
