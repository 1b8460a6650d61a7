package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// StoreMessage persists m and returns its sequence number. A message already
// stored under the same (chat, id) keeps its original sequence.
func (s *Store) StoreMessage(ctx context.Context, m Message) (int64, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages(chat_id, id, sender, sender_name, content, ts, from_me)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id, id) DO NOTHING`,
		m.ChatID, m.ID, m.Sender, m.SenderName, m.Content, millis(m.Timestamp), boolInt(m.FromMe),
	)
	if err != nil {
		return 0, err
	}
	var seq int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT seq FROM messages WHERE chat_id = ? AND id = ?`, m.ChatID, m.ID,
	).Scan(&seq); err != nil {
		return 0, err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE chats SET last_message_at = MAX(last_message_at, ?) WHERE id = ?`,
		millis(m.Timestamp), m.ChatID,
	); err != nil {
		return seq, err
	}
	return seq, nil
}

// MessagesSince returns up to limit messages of chat with seq > after, oldest
// first. Messages sent by the bot itself are skipped. limit <= 0 means no limit.
func (s *Store) MessagesSince(ctx context.Context, chat string, after int64, limit int) ([]Message, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, chat_id, id, sender, sender_name, content, ts, from_me
		 FROM messages WHERE chat_id = ? AND seq > ? AND from_me = 0
		 ORDER BY seq LIMIT ?`,
		chat, after, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m      Message
			ts     int64
			fromMe int
		)
		if err := rows.Scan(&m.Seq, &m.ChatID, &m.ID, &m.Sender, &m.SenderName, &m.Content, &ts, &fromMe); err != nil {
			return nil, err
		}
		m.Timestamp = fromMillis(ts)
		m.FromMe = fromMe != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cursor returns the last processed sequence for chat, or 0.
func (s *Store) Cursor(ctx context.Context, chat string) (int64, error) {
	if err := s.ok(); err != nil {
		return 0, err
	}
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT seq FROM cursors WHERE chat_id = ?`, chat).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// SetCursor records seq as processed for chat. Rolling back to an earlier
// sequence is allowed.
func (s *Store) SetCursor(ctx context.Context, chat string, seq int64) error {
	if err := s.ok(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cursors(chat_id, seq, updated_at) VALUES(?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET seq = excluded.seq, updated_at = excluded.updated_at`,
		chat, seq, time.Now().UnixMilli(),
	)
	return err
}

// PendingChats lists chats holding inbound messages newer than their cursor.
func (s *Store) PendingChats(ctx context.Context) ([]string, error) {
	if err := s.ok(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.chat_id FROM messages m
		 LEFT JOIN cursors c ON c.chat_id = m.chat_id
		 WHERE m.from_me = 0
		 GROUP BY m.chat_id
		 HAVING MAX(m.seq) > COALESCE(MAX(c.seq), 0)
		 ORDER BY MIN(m.seq)`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
