package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
)

var _ engine.Store = (*DB)(nil)

const conversationColumns = `chat_id, conversation_number, bot_id, summary, current_warmth, max_warmth, follow_ups, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*engine.ConversationState, error) {
	var (
		s                  engine.ConversationState
		followUps          string
		created, updated   int64
		current, maxWarmth int
	)
	if err := row.Scan(&s.ChatID, &s.ConversationNumber, &s.BotID, &s.Summary, &current, &maxWarmth, &followUps, &created, &updated); err != nil {
		return nil, err
	}
	s.CurrentWarmthLevel = engine.WarmthLevel(current)
	s.MaxWarmthAchieved = engine.WarmthLevel(maxWarmth)
	if err := json.Unmarshal([]byte(followUps), &s.FollowUpQuestions); err != nil {
		return nil, fmt.Errorf("decode follow ups: %w", err)
	}
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return &s, nil
}

// LatestConversation returns the highest-numbered conversation for chatID.
func (db *DB) LatestConversation(ctx context.Context, chatID string) (*engine.ConversationState, error) {
	s, err := scanConversation(db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE chat_id = ?
		ORDER BY conversation_number DESC LIMIT 1
	`, chatID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest conversation: %w", err)
	}
	return s, nil
}

// Conversation returns one conversation by number.
func (db *DB) Conversation(ctx context.Context, chatID string, number int) (*engine.ConversationState, error) {
	s, err := scanConversation(db.QueryRowContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE chat_id = ? AND conversation_number = ?
	`, chatID, number))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return s, nil
}

// ListConversations returns every conversation of a chat, oldest first.
func (db *DB) ListConversations(ctx context.Context, chatID string) ([]engine.ConversationState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations WHERE chat_id = ?
		ORDER BY conversation_number
	`, chatID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []engine.ConversationState
	for rows.Next() {
		s, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RecentChats returns the latest conversation of the most recently active chats.
func (db *DB) RecentChats(ctx context.Context, limit int) ([]engine.ConversationState, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE conversation_number = (
			SELECT MAX(conversation_number) FROM conversations WHERE chat_id = c.chat_id
		)
		ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent chats: %w", err)
	}
	defer rows.Close()

	var out []engine.ConversationState
	for rows.Next() {
		s, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// LoadContext returns the stored context of one conversation.
func (db *DB) LoadContext(ctx context.Context, chatID string, number int) (*engine.ContextState, error) {
	var raw string
	err := db.QueryRowContext(ctx, `
		SELECT state FROM context_states WHERE chat_id = ? AND conversation_number = ?
	`, chatID, number).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load context: %w", err)
	}

	var cs engine.ContextState
	if err := json.Unmarshal([]byte(raw), &cs); err != nil {
		return nil, fmt.Errorf("decode context: %w", err)
	}
	cs.ChatID, cs.ConversationNumber = chatID, number
	return &cs, nil
}

// SaveTurn writes the conversation, its context and the optional message in
// one transaction.
func (db *DB) SaveTurn(ctx context.Context, w engine.TurnWrite) error {
	s := w.State
	if s.ChatID == "" || s.ConversationNumber < 1 {
		return fmt.Errorf("save turn: invalid conversation %q #%d", s.ChatID, s.ConversationNumber)
	}
	followUps, err := json.Marshal(nonNil(s.FollowUpQuestions))
	if err != nil {
		return fmt.Errorf("encode follow ups: %w", err)
	}
	cs := w.Context
	cs.ChatID, cs.ConversationNumber = s.ChatID, s.ConversationNumber
	state, err := json.Marshal(cs)
	if err != nil {
		return fmt.Errorf("encode context: %w", err)
	}

	now := time.Now().UnixMilli()
	created := now
	if !s.CreatedAt.IsZero() {
		created = s.CreatedAt.UnixMilli()
	}
	updated := now
	if !s.UpdatedAt.IsZero() {
		updated = s.UpdatedAt.UnixMilli()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save turn: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (`+conversationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, conversation_number) DO UPDATE SET
			bot_id = excluded.bot_id,
			summary = excluded.summary,
			current_warmth = excluded.current_warmth,
			max_warmth = excluded.max_warmth,
			follow_ups = excluded.follow_ups,
			updated_at = excluded.updated_at
	`, s.ChatID, s.ConversationNumber, s.BotID, s.Summary,
		int(s.CurrentWarmthLevel), int(s.MaxWarmthAchieved), string(followUps), created, updated); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO context_states (chat_id, conversation_number, turn_count, state, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (chat_id, conversation_number) DO UPDATE SET
			turn_count = excluded.turn_count,
			state = excluded.state,
			updated_at = excluded.updated_at
	`, s.ChatID, s.ConversationNumber, cs.TurnCount, string(state), updated); err != nil {
		return fmt.Errorf("upsert context: %w", err)
	}

	if m := w.Message; m != nil {
		at := now
		if !m.CreatedAt.IsZero() {
			at = m.CreatedAt.UnixMilli()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (chat_id, conversation_number, role, content, turn, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, s.ChatID, s.ConversationNumber, m.Role, m.Content, m.Turn, at); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save turn: %w", err)
	}
	return nil
}

// CountUserMessages counts user messages in one conversation.
func (db *DB) CountUserMessages(ctx context.Context, chatID string, number int) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE chat_id = ? AND conversation_number = ? AND role = 'user'
	`, chatID, number).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user messages: %w", err)
	}
	return n, nil
}

// Messages returns the message log of one conversation in order.
func (db *DB) Messages(ctx context.Context, chatID string, number int) ([]engine.Message, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT role, content, turn, created_at FROM messages
		WHERE chat_id = ? AND conversation_number = ?
		ORDER BY id
	`, chatID, number)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []engine.Message
	for rows.Next() {
		m := engine.Message{ChatID: chatID, ConversationNumber: number}
		var at int64
		if err := rows.Scan(&m.Role, &m.Content, &m.Turn, &at); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.CreatedAt = time.UnixMilli(at).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
