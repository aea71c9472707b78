package queueaccess

import (
	"errors"
	"fmt"

	"accession/internal/ipc"
)

// Session is an Access plus whatever must be released when the caller is
// done with it.
type Session struct {
	Access Access
	// Direct reports that the daemon was unreachable and Access talks to
	// the coordination store itself.
	Direct  bool
	release func() error
}

// Close releases the IPC connection or the store session.
func (s Session) Close() error {
	if s.release != nil {
		return s.release()
	}
	return nil
}

// OpenWithFallback prefers the running daemon and only opens the store
// directly when dial fails. Dial errors are discarded: an absent daemon is the
// normal offline case.
func OpenWithFallback(
	dial func() (*ipc.Client, error),
	openStore func() (Access, func() error, error),
) (Session, error) {
	if dial != nil {
		client, err := dial()
		if err == nil {
			return Session{Access: NewIPCAccess(client), release: client.Close}, nil
		}
	}
	if openStore == nil {
		return Session{}, errors.New("open queue store: daemon unreachable and no direct store configured")
	}
	access, release, err := openStore()
	if err != nil {
		return Session{}, fmt.Errorf("open queue store: %w", err)
	}
	return Session{Access: access, Direct: true, release: release}, nil
}
