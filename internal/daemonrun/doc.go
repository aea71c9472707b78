// Package daemonrun assembles and runs one accessiond process: logging,
// the coordination session, the enabled stage daemons and cleaner under a
// workflow manager, the daemon lifecycle, and the IPC socket.
//
// Shutdown runs in reverse: IPC closes first, the manager drains its
// workers, and the coordination session closes last.
package daemonrun
