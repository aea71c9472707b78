// Package queueaccess gives CLI commands one queue administration interface
// that talks to a running daemon over IPC or, when none answers, to the
// coordination store directly.
package queueaccess
