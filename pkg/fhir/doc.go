// Package fhir provides types, interfaces, and helpers for talking to a FHIR
// REST server.
//
// # Overview
//
// The fhir package defines the protocol-level types (Bundle, Reference,
// OperationOutcome, Version), the Client interface, the transaction builder
// contract and the error taxonomy. A concrete implementation of Client is
// provided by the fhirclient package, which wires configuration, transport,
// authentication and caching. Most consumers should import fhirclient to
// construct a client and then use the interfaces exposed here.
//
// Getting a client
//
//	import (
//	  "context"
//	  "log"
//
//	  "github.com/fivetwenty-io/fhir-client/pkg/fhir"
//	  "github.com/fivetwenty-io/fhir-client/pkg/fhirclient"
//	)
//
//	func example() {
//	  ctx := context.Background()
//	  cli, err := fhirclient.New(ctx, &fhir.Config{BaseURL: "https://fhir.example.com/r4b"})
//	  if err != nil { log.Fatal(err) }
//
//	  patient, err := cli.Read(ctx, "Patient", "123")
//	  if err != nil { log.Fatal(err) }
//	  _ = patient
//	}
//
// # Versions
//
// STU3, R4B and R5 share one request/response shape and differ in media type
// and resource content. A client is bound to one Version at a time;
// Client.WithVersion returns a handle that shares credentials and request
// settings but speaks another version. Unless disabled, every response whose
// Content-Type announces a different major version is rejected with a
// VersionMismatchError.
//
// # Transactions
//
// Grouped operations are planned on a TransactionBuilder and sent as one
// Bundle. Create returns a placeholder Reference (urn:uuid) that may be
// embedded in later resources of the same bundle; the server rewrites it.
//
//	tx := cli.Transaction()
//	patientRef := tx.Create(patient)
//	encounter["subject"] = map[string]any{"reference": patientRef.String()}
//	tx.Create(encounter)
//	result, err := tx.Send(ctx)
//
// Response entries are paired with operations by position. In transaction
// mode a failing entry fails the whole call; in batch mode each EntryResult
// carries its own error and TransactionResult.Err aggregates them.
//
// # Search and pagination
//
// Search returns a lazy PageStream that follows the bundle "next" links:
//
//	stream := cli.Search(ctx, "Patient", fhir.NewSearchParameters().With("name", "Smith"))
//	for res, err := range stream.Items() {
//	  if err != nil { return err }
//	  fmt.Println(res.ResourceID())
//	}
//
// # Errors
//
// Sentinel errors can be matched with errors.Is; typed errors such as
// OriginMismatchError, VersionMismatchError and OperationOutcomeError carry
// details and can be inspected with errors.As. IsNotFound and IsUnauthorized
// cover the common HTTP cases.
package fhir
