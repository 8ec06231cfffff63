// Package health holds the liveness and readiness probes served on both
// listeners.
//
// A [Probe] returns nil when healthy. [All] combines probes, [Fixed] is a
// constant, [StoreProbe] pings the shared counter store the nonce, rate and
// session stages depend on, and [ShutdownGate] fails readiness while the
// process drains so load balancers stop routing to it first.
package health
