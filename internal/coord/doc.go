// Package coord defines the coordination store contract consumed by the
// acquisition protocol and the consumer daemons.
//
// A store is a sequentially consistent tree of versioned nodes. Clients talk
// to it through a session-bound Conn: ephemeral nodes created on a Conn vanish
// when its session ends, which is what makes item locks self-releasing when a
// daemon crashes. Two failure signals matter to callers: ErrConnectionLoss
// (the session may still be valid, retry) and ErrSessionExpired (every
// ephemeral node of the session is gone, reconnect). The session package
// centralizes that recovery.
//
// Implementations live in the memstore (process local) and sqlstore (shared
// SQLite file) subpackages; coordtest holds the conformance suite both pass.
package coord
