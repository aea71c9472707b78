// Package notifications sends operator messages about finished batches.
//
// The ntfy implementation posts plain-text messages to the topic configured
// under [notifications]; with no topic NewService returns a no-op. Delivery is
// best effort: callers log a failed send and carry on.
package notifications
