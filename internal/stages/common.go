package stages

import (
	"errors"
	"log/slog"

	"accession/internal/logging"
	"accession/internal/session"
	"accession/internal/stage"
)

func requestLogger(req *stage.Request) *slog.Logger {
	if req.Logger != nil {
		return req.Logger
	}
	return logging.NewNop()
}

// storeUnavailable turns exhausted coordination retries into a deferral so
// the item is retried next cycle instead of failing.
func storeUnavailable(err error) (stage.Result, bool) {
	if errors.Is(err, session.ErrExhausted) {
		return stage.Deferred("coordination store unavailable"), true
	}
	return stage.Result{}, false
}
