package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"accession/internal/coord"
	"accession/internal/logging"
)

// Hold describes a raised hold flag.
type Hold struct {
	// Collection is empty for the global hold.
	Collection string    `json:"collection,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	SetBy      string    `json:"set_by,omitempty"`
	SetAt      time.Time `json:"set_at"`
}

// Global reports whether the hold pauses every daemon.
func (h Hold) Global() bool {
	return h.Collection == ""
}

// GlobalHeld reports whether the global hold flag is raised.
func (s *Store) GlobalHeld(ctx context.Context) (bool, error) {
	return s.exists(ctx, s.layout.GlobalHold())
}

// CollectionHeld reports whether ref's hold flag is raised. Jobs without a
// collection are never held.
func (s *Store) CollectionHeld(ctx context.Context, ref string) (bool, error) {
	if NormalizeCollection(ref) == "" {
		return false, nil
	}
	return s.exists(ctx, s.layout.CollectionHold(ref))
}

func (s *Store) exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		_, err := conn.Get(ctx, path)
		switch {
		case err == nil:
			found = true
			return nil
		case errors.Is(err, coord.ErrNoNode):
			found = false
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return false, fmt.Errorf("read %s: %w", path, err)
	}
	return found, nil
}

// SetGlobalHold raises the global hold. Raising it again updates the reason.
func (s *Store) SetGlobalHold(ctx context.Context, reason string) error {
	return s.setHold(ctx, s.layout.GlobalHold(), Hold{Reason: reason})
}

// ClearGlobalHold lowers the global hold. Clearing an absent hold is a no-op.
func (s *Store) ClearGlobalHold(ctx context.Context) error {
	return s.clearHold(ctx, s.layout.GlobalHold())
}

// SetCollectionHold raises the hold for one collection.
func (s *Store) SetCollectionHold(ctx context.Context, ref, reason string) error {
	key := NormalizeCollection(ref)
	if key == "" {
		return fmt.Errorf("collection reference %q is empty after normalisation", ref)
	}
	return s.setHold(ctx, s.layout.CollectionHold(ref), Hold{Collection: key, Reason: reason})
}

// ClearCollectionHold lowers the hold for one collection. Held jobs are picked
// up again by the next matching acquisition scan.
func (s *Store) ClearCollectionHold(ctx context.Context, ref string) error {
	if NormalizeCollection(ref) == "" {
		return nil
	}
	return s.clearHold(ctx, s.layout.CollectionHold(ref))
}

func (s *Store) setHold(ctx context.Context, path string, hold Hold) error {
	hold.SetBy = s.identity
	hold.SetAt = s.now()
	hold.Reason = strings.TrimSpace(hold.Reason)
	data, err := json.Marshal(hold)
	if err != nil {
		return fmt.Errorf("encode hold: %w", err)
	}
	err = s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		_, err := conn.Create(ctx, path, data, coord.Persistent)
		if errors.Is(err, coord.ErrNodeExists) {
			_, err = conn.Set(ctx, path, data, coord.AnyVersion)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("set hold: %w", err)
	}
	scope := hold.Collection
	if scope == "" {
		scope = "global"
	}
	s.logger.Info("hold raised",
		logging.String("scope", scope),
		logging.String("reason", hold.Reason),
		logging.String(logging.FieldEventType, "hold_set"),
	)
	return nil
}

func (s *Store) clearHold(ctx context.Context, path string) error {
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		err := conn.Delete(ctx, path, coord.AnyVersion)
		if errors.Is(err, coord.ErrNoNode) {
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("clear hold: %w", err)
	}
	s.logger.Info("hold cleared",
		logging.String("scope", coord.Base(path)),
		logging.String(logging.FieldEventType, "hold_cleared"),
	)
	return nil
}

// ListHolds returns the global hold (if raised) followed by collection holds.
func (s *Store) ListHolds(ctx context.Context) ([]Hold, error) {
	var holds []Hold
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		holds = holds[:0]
		node, err := conn.Get(ctx, s.layout.GlobalHold())
		switch {
		case err == nil:
			holds = append(holds, decodeHold(node, ""))
		case !errors.Is(err, coord.ErrNoNode):
			return err
		}
		names, err := conn.Children(ctx, s.layout.collectionHolds())
		if errors.Is(err, coord.ErrNoNode) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, name := range names {
			node, err := conn.Get(ctx, coord.Join(s.layout.collectionHolds(), name))
			if errors.Is(err, coord.ErrNoNode) {
				continue
			}
			if err != nil {
				return err
			}
			holds = append(holds, decodeHold(node, name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	return holds, nil
}

func decodeHold(node coord.Node, collection string) Hold {
	var hold Hold
	if len(node.Data) > 0 {
		_ = json.Unmarshal(node.Data, &hold)
	}
	hold.Collection = collection
	if hold.SetAt.IsZero() {
		hold.SetAt = node.Stat.Created
	}
	return hold
}

// heldCollections returns the set of held collection keys.
func (s *Store) heldCollections(ctx context.Context) (map[string]bool, error) {
	held := make(map[string]bool)
	err := s.runner.Do(ctx, func(ctx context.Context, conn coord.Conn) error {
		clear(held)
		names, err := conn.Children(ctx, s.layout.collectionHolds())
		if errors.Is(err, coord.ErrNoNode) {
			return nil
		}
		if err != nil {
			return err
		}
		for _, name := range names {
			held[name] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list collection holds: %w", err)
	}
	return held, nil
}
