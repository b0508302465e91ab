// Package metrics defines the orchestrator's Prometheus metrics and the
// process health endpoints.
//
// All metrics live in the default registry under the acepool_ prefix.
// Counters are incremented at the action site (provisioner, breaker,
// multiplexer, API interceptor); gauges describing pool state are refreshed
// by the collector loop each period.
//
// The package also carries a small component-health registry behind
// HealthHandler and ReadyHandler. Components report in via
// RegisterComponent/UpdateComponent; readiness additionally requires the
// runtime, the state store and the first reconcile pass.
package metrics
