// Package logs reads the daemon log for the CLI.
//
// Tail returns the last lines of a file and the offset to continue from;
// Follow keeps reading from that offset until the context ends. Both accept a
// Filter so operators can narrow output to one item or daemon. The daemon log
// is a pointer that moves to a new file on every run, so Follow restarts from
// the top when the file it watches shrinks.
package logs
