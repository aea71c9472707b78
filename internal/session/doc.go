// Package session centralizes coordination store session recovery.
//
// Every store interaction in accession goes through Manager.Do. Connection
// loss is retried on the same session. Session expiry closes the dead
// session and opens a new one before the next attempt; callers must treat
// any lock taken on the old session as lost. Attempts are bounded and spaced
// by a fixed backoff; when they run out the last failure is returned wrapped
// in ErrExhausted so the caller can record it on the item.
package session
