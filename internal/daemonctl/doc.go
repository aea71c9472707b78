// Package daemonctl starts, stops, and inspects an accessiond process from
// the CLI side of the IPC socket.
package daemonctl
