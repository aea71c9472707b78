// Command accession is the operator CLI for the ingest orchestration daemons.
//
// It starts and stops the daemon host, submits batches, and administers the
// shared queue: listing and inspecting entities, requeueing and deleting them,
// raising holds, and purging terminal work. Queue commands talk to a running
// daemon over its control socket and fall back to the coordination store when
// no daemon answers.
package main
