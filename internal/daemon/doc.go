// Package daemon owns the lifecycle of one accessiond process.
//
// It takes a flock on the state directory so only one daemon per host runs
// against a given configuration, writes a pid file, starts the workflow
// manager that supervises the stage daemons and the cleaner, and assembles
// the status snapshot served over IPC and the optional HTTP endpoint.
//
// Stage semantics live in internal/stages and the polling loop in
// internal/workflow; this package only starts, stops, and reports.
package daemon
