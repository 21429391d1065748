// Package health provides the liveness and readiness probes of the ops
// server.
//
// Probes compose with [All]. [ShutdownGate] fails readiness while the
// process drains; [Manifest] and [LastRun] tie readiness to the loader
// state.
package health
