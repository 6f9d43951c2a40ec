// Package fhirclient provides the primary entry point for constructing a
// FHIR REST client that implements the fhir.Client interface.
//
// It layers configuration, HTTP transport, authentication and SMART token
// endpoint discovery on top of the interfaces and types defined in the fhir
// package. Most applications should import fhirclient to build a client, then
// use the returned fhir.Client for reads, searches, transactions and
// operations.
//
// Quick start
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
//
//	  // Minimal: just a base URL (no auth).
//	  cli, err := fhirclient.NewWithEndpoint(ctx, "https://hapi.fhir.org/baseR4")
//	  if err != nil { log.Fatal(err) }
//
//	  // Or with client credentials. When credentials are provided and no
//	  // token URL is set, fhirclient reads the token_endpoint from
//	  // /.well-known/smart-configuration of the server.
//	  cli, err = fhirclient.New(ctx, &fhir.Config{
//	    BaseURL:      "https://fhir.example.com/r4b",
//	    ClientID:     "client-id",
//	    ClientSecret: "client-secret",
//	    Scopes:       []string{"system/*.read"},
//	  })
//	  if err != nil { log.Fatal(err) }
//
//	  patients, err := cli.Search(ctx, "Patient",
//	    fhir.NewSearchParameters().With("family", "Chalmers").WithCount(20)).All()
//	  if err != nil { log.Fatal(err) }
//	  _ = patients
//	}
//
// # TLS and development mode
//
// For local development, you can set Config.SkipTLSVerify=true. This is gated by
// the environment variable FHIRCTL_DEV_MODE to avoid accidental insecure usage in
// production environments.
//
// # Helpers
//
// The package also provides convenience constructors NewWithEndpoint,
// NewWithToken, NewWithClientCredentials, and NewWithPassword that wrap New
// with the appropriate configuration.
package fhirclient
