package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// UpsertChat registers chat or updates its name, folder and trigger policy.
func (s *Store) UpsertChat(ctx context.Context, c Chat) error {
	if err := s.ok(); err != nil {
		return err
	}
	if c.AddedAt.IsZero() {
		c.AddedAt = time.Now()
	}
	var rt any
	if c.RequiresTrigger != nil {
		rt = boolInt(*c.RequiresTrigger)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chats(id, name, folder, requires_trigger, added_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name = excluded.name, folder = excluded.folder,
		   requires_trigger = excluded.requires_trigger`,
		c.ID, c.Name, c.Folder, rt, millis(c.AddedAt),
	)
	return err
}

func (s *Store) Chat(ctx context.Context, id string) (Chat, error) {
	if err := s.ok(); err != nil {
		return Chat{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, folder, requires_trigger, added_at, last_message_at FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Chat{}, ErrNotFound
	}
	return c, err
}

func (s *Store) Chats(ctx context.Context) ([]Chat, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, folder, requires_trigger, added_at, last_message_at FROM chats ORDER BY added_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(r scanner) (Chat, error) {
	var (
		c         Chat
		rt        sql.NullInt64
		added, lm int64
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Folder, &rt, &added, &lm); err != nil {
		return Chat{}, err
	}
	if rt.Valid {
		v := rt.Int64 != 0
		c.RequiresTrigger = &v
	}
	c.AddedAt = fromMillis(added)
	c.LastMessageAt = fromMillis(lm)
	return c, nil
}
