// Package breaker implements a per-class circuit breaker around container
// provisioning.
//
// When the runtime starts failing creates, every retry makes the backlog
// worse. The breaker counts consecutive failures per class and, at the
// threshold, fails new attempts fast with a recovery ETA the API can hand to
// clients. Replacement provisioning trips independently of general
// provisioning so a broken image pull during replacement does not freeze
// demand-driven scale-up.
//
// States follow the classic pattern: closed counts failures, open rejects
// until the recovery timeout, half-open lets exactly one trial through and
// moves to closed on success or back to open on failure.
package breaker
