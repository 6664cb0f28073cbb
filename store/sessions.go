package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Session is one persisted session's metadata. ID is the local tab
// UUID; CLISessionID is the identifier the agent CLI minted, used for
// resuming after a restart.
type Session struct {
	ID           string
	CLISessionID string
	Name         string
	WorkingDir   string
	Model        string
	FirstPrompt  string // excerpt of the session's first user prompt
	TotalCostUSD float64
	InputTokens  int
	OutputTokens int
	CreatedAt    time.Time
	LastActiveAt time.Time
}

// SessionRepo provides access to the sessions table.
type SessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a SessionRepo on the given connection.
func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

const sessionColumns = `id, cli_session_id, name, working_dir, model, first_prompt, total_cost_usd, input_tokens, output_tokens, created_at, last_active_at`

// Upsert inserts the session or updates it in place, refreshing
// LastActiveAt. CreatedAt is preserved on update.
func (r *SessionRepo) Upsert(ctx context.Context, s *Session) error {
	if s.ID == "" {
		return fmt.Errorf("session ID cannot be empty")
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastActiveAt = now

	_, err := r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	cli_session_id = excluded.cli_session_id,
	name = excluded.name,
	working_dir = excluded.working_dir,
	model = excluded.model,
	first_prompt = excluded.first_prompt,
	total_cost_usd = excluded.total_cost_usd,
	input_tokens = excluded.input_tokens,
	output_tokens = excluded.output_tokens,
	last_active_at = excluded.last_active_at
`, s.ID, s.CLISessionID, s.Name, s.WorkingDir, s.Model, s.FirstPrompt, s.TotalCostUSD, s.InputTokens, s.OutputTokens,
		formatTimestamp(s.CreatedAt), formatTimestamp(s.LastActiveAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session %q: %w", s.ID, err)
	}
	return nil
}

// Get returns the session with the given ID, or nil if not found.
func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

// ListRecent returns sessions ordered most-recently-active first,
// capped at limit (0 = no cap).
func (r *SessionRepo) ListRecent(ctx context.Context, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions ORDER BY last_active_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Delete removes a session. Deleting a missing session is not an error.
func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}

// Prune deletes the least-recently-active sessions beyond limit and
// returns how many were removed.
func (r *SessionRepo) Prune(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
DELETE FROM sessions WHERE id NOT IN (
	SELECT id FROM sessions ORDER BY last_active_at DESC LIMIT ?
)`, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return int(n), nil
}

// Count returns the number of stored sessions.
func (r *SessionRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count sessions: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var createdRaw, activeRaw string
	err := row.Scan(&s.ID, &s.CLISessionID, &s.Name, &s.WorkingDir, &s.Model, &s.FirstPrompt,
		&s.TotalCostUSD, &s.InputTokens, &s.OutputTokens, &createdRaw, &activeRaw)
	if err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTimestamp(createdRaw); err != nil {
		return nil, err
	}
	if s.LastActiveAt, err = parseTimestamp(activeRaw); err != nil {
		return nil, err
	}
	return &s, nil
}
