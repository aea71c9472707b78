package coord

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrNodeExists is returned by Create when the path is already present.
	ErrNodeExists = errors.New("coord: node already exists")
	// ErrNoNode is returned when the path does not exist.
	ErrNoNode = errors.New("coord: node does not exist")
	// ErrBadVersion is returned when a conditional write or delete loses a race.
	ErrBadVersion = errors.New("coord: version mismatch")
	// ErrNotEmpty is returned when deleting a node that still has children.
	ErrNotEmpty = errors.New("coord: node has children")
	// ErrEphemeralParent is returned when creating a child under an ephemeral node.
	ErrEphemeralParent = errors.New("coord: ephemeral nodes cannot have children")
	// ErrInvalidPath is returned for malformed paths.
	ErrInvalidPath = errors.New("coord: invalid path")
	// ErrConnectionLoss signals a transient failure; the session may still be valid.
	ErrConnectionLoss = errors.New("coord: connection loss")
	// ErrSessionExpired signals the session and its ephemeral nodes are gone.
	ErrSessionExpired = errors.New("coord: session expired")
	// ErrClosed is returned by operations on a Conn after Close.
	ErrClosed = errors.New("coord: connection closed")
)

// AnyVersion disables the version check on Set and Delete.
const AnyVersion int64 = -1

// CreateMode selects node lifetime.
type CreateMode int

const (
	// Persistent nodes live until deleted.
	Persistent CreateMode = iota
	// Ephemeral nodes are deleted when the creating session ends.
	Ephemeral
)

func (m CreateMode) String() string {
	if m == Ephemeral {
		return "ephemeral"
	}
	return "persistent"
}

// Stat carries node metadata.
type Stat struct {
	// Version starts at 0 and increments on every Set.
	Version int64
	// Seq is a store-wide creation counter; lower means created earlier.
	Seq int64
	// Owner is the session that owns an ephemeral node, empty for persistent nodes.
	Owner    string
	Created  time.Time
	Modified time.Time
}

// Node is a snapshot of a stored path.
type Node struct {
	Path string
	Data []byte
	Stat Stat
}

// Ephemeral reports whether the node is bound to a session.
func (n Node) Ephemeral() bool {
	return n.Stat.Owner != ""
}

// Conn is a session-bound client of the coordination store. Implementations
// are safe for concurrent use.
type Conn interface {
	// SessionID identifies the session this Conn is bound to.
	SessionID() string
	// Create adds a node, creating missing parents as persistent nodes.
	// It fails with ErrNodeExists when path is present.
	Create(ctx context.Context, path string, data []byte, mode CreateMode) (Stat, error)
	// Get reads a node.
	Get(ctx context.Context, path string) (Node, error)
	// Set replaces node data when version matches (or is AnyVersion).
	Set(ctx context.Context, path string, data []byte, version int64) (Stat, error)
	// Delete removes a childless node when version matches (or is AnyVersion).
	Delete(ctx context.Context, path string, version int64) error
	// Children lists the names of direct children in creation order.
	Children(ctx context.Context, path string) ([]string, error)
	// Close ends the session, releasing its ephemeral nodes.
	Close() error
}

// Backend opens sessions against one store.
type Backend interface {
	Connect(ctx context.Context) (Conn, error)
	Close() error
}

// IsTransient reports whether err is a connection loss that may be retried on
// the same session.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConnectionLoss)
}

// IsSessionLost reports whether err means the session and its locks are gone.
func IsSessionLost(err error) bool {
	return errors.Is(err, ErrSessionExpired) || errors.Is(err, ErrClosed)
}

// Join builds a cleaned absolute path from segments.
func Join(elem ...string) string {
	joined := path.Join(elem...)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return path.Clean(joined)
}

// ValidatePath checks that p is absolute, clean, and not the root.
func ValidatePath(p string) error {
	if p == "" || p == "/" || !strings.HasPrefix(p, "/") || path.Clean(p) != p {
		return ErrInvalidPath
	}
	return nil
}

// Parent returns the parent path of p, "/" for top-level nodes.
func Parent(p string) string {
	return path.Dir(p)
}

// Base returns the last element of p.
func Base(p string) string {
	return path.Base(p)
}

// Ancestors returns the ancestors of p from the top down, excluding "/" and p.
func Ancestors(p string) []string {
	var out []string
	for dir := Parent(p); dir != "/" && dir != "."; dir = Parent(dir) {
		out = append(out, dir)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}
