package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"accession/internal/coord"
)

type conn struct {
	store *Store
	id    string

	mu     sync.Mutex
	closed bool
	once   sync.Once
	done   chan struct{}
}

func (c *conn) SessionID() string { return c.id }

func (c *conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *conn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			alive, err := c.renew(ctx)
			cancel()
			if err == nil && !alive {
				return
			}
		}
	}
}

func (c *conn) renew(ctx context.Context) (bool, error) {
	alive := false
	err := c.store.inTx(ctx, func(tx *sql.Tx, now time.Time) error {
		res, err := tx.ExecContext(ctx, "UPDATE sessions SET expires_at = ? WHERE id = ? AND expires_at > ?",
			now.Add(c.store.opts.SessionTimeout).UnixNano(), c.id, now.UnixNano())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		alive = n > 0
		return nil
	})
	return alive, err
}

func (c *conn) do(ctx context.Context, fn func(tx *sql.Tx, now time.Time) error) error {
	if c.isClosed() {
		return coord.ErrClosed
	}
	return c.store.session(ctx, c.id, fn)
}

func (c *conn) Create(ctx context.Context, path string, data []byte, mode coord.CreateMode) (coord.Stat, error) {
	if err := coord.ValidatePath(path); err != nil {
		return coord.Stat{}, err
	}
	var stat coord.Stat
	err := c.do(ctx, func(tx *sql.Tx, now time.Time) error {
		var exists int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM nodes WHERE path = ?", path).Scan(&exists); err != nil {
			return err
		}
		if exists > 0 {
			return coord.ErrNodeExists
		}
		ancestors := coord.Ancestors(path)
		missing := make([]string, 0, len(ancestors))
		for _, dir := range ancestors {
			var owner string
			err := tx.QueryRowContext(ctx, "SELECT owner FROM nodes WHERE path = ?", dir).Scan(&owner)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				missing = append(missing, dir)
			case err != nil:
				return err
			case owner != "":
				return coord.ErrEphemeralParent
			}
		}
		for _, dir := range missing {
			if _, err := insertNode(ctx, tx, dir, nil, "", now); err != nil {
				return err
			}
		}
		owner := ""
		if mode == coord.Ephemeral {
			owner = c.id
		}
		var err error
		stat, err = insertNode(ctx, tx, path, data, owner, now)
		return err
	})
	return stat, err
}

func insertNode(ctx context.Context, tx *sql.Tx, path string, data []byte, owner string, now time.Time) (coord.Stat, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE counters SET value = value + 1 WHERE name = 'seq'"); err != nil {
		return coord.Stat{}, err
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT value FROM counters WHERE name = 'seq'").Scan(&seq); err != nil {
		return coord.Stat{}, err
	}
	if data == nil {
		data = []byte{}
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO nodes(path, parent, data, version, seq, owner, created_at, modified_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?, ?)`,
		path, coord.Parent(path), data, seq, owner, now.UnixNano(), now.UnixNano())
	if err != nil {
		return coord.Stat{}, err
	}
	return coord.Stat{Seq: seq, Owner: owner, Created: now, Modified: now}, nil
}

func readNode(ctx context.Context, tx *sql.Tx, path string) (coord.Node, error) {
	var (
		node             = coord.Node{Path: path}
		created, updated int64
	)
	err := tx.QueryRowContext(ctx,
		"SELECT data, version, seq, owner, created_at, modified_at FROM nodes WHERE path = ?", path,
	).Scan(&node.Data, &node.Stat.Version, &node.Stat.Seq, &node.Stat.Owner, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return coord.Node{}, coord.ErrNoNode
	}
	if err != nil {
		return coord.Node{}, err
	}
	node.Stat.Created = time.Unix(0, created)
	node.Stat.Modified = time.Unix(0, updated)
	return node, nil
}

func (c *conn) Get(ctx context.Context, path string) (coord.Node, error) {
	var node coord.Node
	err := c.do(ctx, func(tx *sql.Tx, _ time.Time) error {
		var err error
		node, err = readNode(ctx, tx, path)
		return err
	})
	return node, err
}

func (c *conn) Set(ctx context.Context, path string, data []byte, version int64) (coord.Stat, error) {
	var stat coord.Stat
	err := c.do(ctx, func(tx *sql.Tx, now time.Time) error {
		node, err := readNode(ctx, tx, path)
		if err != nil {
			return err
		}
		if version != coord.AnyVersion && version != node.Stat.Version {
			return coord.ErrBadVersion
		}
		if data == nil {
			data = []byte{}
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE nodes SET data = ?, version = version + 1, modified_at = ? WHERE path = ?",
			data, now.UnixNano(), path); err != nil {
			return err
		}
		stat = node.Stat
		stat.Version++
		stat.Modified = now
		return nil
	})
	return stat, err
}

func (c *conn) Delete(ctx context.Context, path string, version int64) error {
	return c.do(ctx, func(tx *sql.Tx, _ time.Time) error {
		node, err := readNode(ctx, tx, path)
		if err != nil {
			return err
		}
		if version != coord.AnyVersion && version != node.Stat.Version {
			return coord.ErrBadVersion
		}
		var children int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM nodes WHERE parent = ?", path).Scan(&children); err != nil {
			return err
		}
		if children > 0 {
			return coord.ErrNotEmpty
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM nodes WHERE path = ?", path)
		return err
	})
}

func (c *conn) Children(ctx context.Context, path string) ([]string, error) {
	var names []string
	err := c.do(ctx, func(tx *sql.Tx, _ time.Time) error {
		names = names[:0]
		if _, err := readNode(ctx, tx, path); err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, "SELECT path FROM nodes WHERE parent = ? ORDER BY seq", path)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var child string
			if err := rows.Scan(&child); err != nil {
				return err
			}
			names = append(names, coord.Base(child))
		}
		return rows.Err()
	})
	return names, err
}

func (c *conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		err = c.store.inTx(context.Background(), func(tx *sql.Tx, _ time.Time) error {
			return dropSession(context.Background(), tx, c.id)
		})
	})
	return err
}
