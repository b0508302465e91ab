// Package client is the Go client for the orchestrator's HTTP API, used by
// the CLI subcommands.
//
// It mirrors the wire types rather than importing the server's internals:
// each method issues one authenticated request, decodes the JSON envelope
// and surfaces non-2xx answers as *APIError so callers can read the
// blocked-provisioning code when there is one.
package client
