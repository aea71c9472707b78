// Package ipc exposes the daemon over JSON-RPC on a Unix socket and ships the
// matching client used by the CLI.
//
// The server wraps a running daemon.Daemon; every RPC is a thin call into the
// daemon's status and queue administration methods. Queue models travel as
// their own JSON documents so the CLI renders exactly what the store holds.
package ipc
