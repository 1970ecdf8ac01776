package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/poimgs/digital-twins-mvp-2-sub000/internal/engine"
)

// UpsertResult reports what UpsertCandidate did.
type UpsertResult int

const (
	Created UpsertResult = iota
	Updated
	Unchanged
)

func (r UpsertResult) String() string {
	switch r {
	case Created:
		return "created"
	case Updated:
		return "updated"
	default:
		return "unchanged"
	}
}

// textNearIdentical returns true if two strings are near-identical.
// Used to skip re-imports that only differ in whitespace or a typo fix.
func textNearIdentical(a, b string) bool {
	a = strings.TrimSpace(a)
	b = strings.TrimSpace(b)
	if a == b {
		return true
	}
	if a == "" || b == "" {
		return false
	}

	// Bigram overlap as a quick similarity proxy
	bigramsA := bigrams(a)
	bigramsB := bigrams(b)
	if len(bigramsA) == 0 || len(bigramsB) == 0 {
		return a == b
	}

	shared := 0
	for bg := range bigramsA {
		if bigramsB[bg] {
			shared++
		}
	}

	union := len(bigramsA) + len(bigramsB) - shared
	if union == 0 {
		return true
	}
	return float64(shared)/float64(union) > 0.95 // Jaccard index
}

func bigrams(s string) map[string]bool {
	if len(s) < 2 {
		return nil
	}
	m := make(map[string]bool, len(s)-1)
	for i := 0; i < len(s)-1; i++ {
		m[s[i:i+2]] = true
	}
	return m
}

const candidateColumns = `id, bot_id, category, title, body, summary, extraction`

func scanCandidate(row rowScanner) (*engine.Candidate, error) {
	var (
		c          engine.Candidate
		extraction sql.NullString
	)
	if err := row.Scan(&c.ID, &c.BotID, &c.Category, &c.Title, &c.Body, &c.Summary, &extraction); err != nil {
		return nil, err
	}
	if extraction.Valid && extraction.String != "" {
		var x engine.Extraction
		if err := json.Unmarshal([]byte(extraction.String), &x); err != nil {
			return nil, fmt.Errorf("decode extraction for %s: %w", c.ID, err)
		}
		c.Extraction = &x
	}
	return &c, nil
}

// GetCandidate returns a candidate by id.
func (db *DB) GetCandidate(ctx context.Context, id string) (*engine.Candidate, error) {
	c, err := scanCandidate(db.QueryRowContext(ctx, `
		SELECT `+candidateColumns+` FROM candidates WHERE id = ?
	`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}
	return c, nil
}

// Candidates lists a bot's candidates in insertion order. An empty category
// means all categories.
func (db *DB) Candidates(ctx context.Context, botID, category string) ([]engine.Candidate, error) {
	query := `SELECT ` + candidateColumns + ` FROM candidates WHERE bot_id = ?`
	args := []any{botID}
	if category != "" {
		query += ` AND category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []engine.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// UpsertCandidate inserts or replaces a candidate. An update whose text is
// near-identical to the stored copy and whose other fields match is skipped.
func (db *DB) UpsertCandidate(ctx context.Context, c engine.Candidate) (UpsertResult, error) {
	var extraction sql.NullString
	if c.Extraction != nil {
		raw, err := json.Marshal(c.Extraction)
		if err != nil {
			return Unchanged, fmt.Errorf("encode extraction: %w", err)
		}
		extraction = sql.NullString{String: string(raw), Valid: true}
	}
	now := time.Now().UnixMilli()

	existing, err := db.GetCandidate(ctx, c.ID)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		if _, err := db.ExecContext(ctx, `
			INSERT INTO candidates (`+candidateColumns+`, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, c.BotID, c.Category, c.Title, c.Body, c.Summary, extraction, now, now); err != nil {
			return Unchanged, fmt.Errorf("insert candidate: %w", err)
		}
		return Created, nil
	case err != nil:
		return Unchanged, err
	}

	if sameCandidate(*existing, c) {
		return Unchanged, nil
	}
	if _, err := db.ExecContext(ctx, `
		UPDATE candidates SET bot_id = ?, category = ?, title = ?, body = ?, summary = ?, extraction = ?, updated_at = ?
		WHERE id = ?
	`, c.BotID, c.Category, c.Title, c.Body, c.Summary, extraction, now, c.ID); err != nil {
		return Unchanged, fmt.Errorf("update candidate: %w", err)
	}
	return Updated, nil
}

func sameCandidate(a, b engine.Candidate) bool {
	return a.BotID == b.BotID &&
		a.Category == b.Category &&
		a.Title == b.Title &&
		textNearIdentical(a.Body, b.Body) &&
		textNearIdentical(a.Summary, b.Summary) &&
		reflect.DeepEqual(a.Extraction, b.Extraction)
}

// DeleteCandidate removes a candidate. Deleting a missing id is ErrNotFound.
func (db *DB) DeleteCandidate(ctx context.Context, id string) error {
	res, err := db.ExecContext(ctx, `DELETE FROM candidates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete candidate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return engine.ErrNotFound
	}
	return nil
}

// BotSummary is the candidate count of one bot.
type BotSummary struct {
	BotID      string `json:"bot_id"`
	Candidates int    `json:"candidates"`
	Categories int    `json:"categories"`
}

// Bots lists every bot that owns candidates.
func (db *DB) Bots(ctx context.Context) ([]BotSummary, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT bot_id, COUNT(*), COUNT(DISTINCT category) FROM candidates
		GROUP BY bot_id ORDER BY bot_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []BotSummary
	for rows.Next() {
		var b BotSummary
		if err := rows.Scan(&b.BotID, &b.Candidates, &b.Categories); err != nil {
			return nil, fmt.Errorf("scan bot: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
