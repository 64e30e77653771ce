package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrSessionNotFound is returned when a session is not found in the database
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExists is returned when a session with the same deterministic id already exists
	ErrSessionExists = errors.New("session already exists")
)

// SessionRepository handles all database operations for signing sessions
type SessionRepository struct {
	db *pgxpool.Pool
}

// NewSessionRepository creates a new session repository instance
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{
		db: db.pool,
	}
}

const sessionColumns = `session_id, user_pubkey, session_type, status, intent, result, challenge_id, created_at, updated_at, expires_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	var sessionType, status string

	err := row.Scan(
		&s.SessionID,
		&s.UserPubkey,
		&sessionType,
		&status,
		&s.Intent,
		&s.Result,
		&s.ChallengeID,
		&s.CreatedAt,
		&s.UpdatedAt,
		&s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	s.SessionType, err = ParseSessionType(sessionType)
	if err != nil {
		return nil, fmt.Errorf("corrupt session row %s: %w", s.SessionID, err)
	}
	s.Status = ParseSessionStatus(status)
	return &s, nil
}

// Create inserts a new session. The session_id is deterministic, so a
// re-delivered intent maps to an existing row: in that case Create returns
// ErrSessionExists and the caller reloads the session instead of starting
// a second ceremony.
func (r *SessionRepository) Create(ctx context.Context, session *Session) error {
	query := `INSERT INTO sessions (
		session_id,
		user_pubkey,
		session_type,
		status,
		intent,
		created_at,
		updated_at,
		expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO NOTHING`

	tag, err := r.db.Exec(
		ctx,
		query,
		session.SessionID,
		session.UserPubkey,
		session.SessionType.String(),
		session.Status.String(),
		session.Intent,
		session.CreatedAt,
		session.UpdatedAt,
		session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	if tag.RowsAffected() == 0 {
		return ErrSessionExists
	}
	return nil
}

// GetByID retrieves a session by its deterministic id.
// Returns ErrSessionNotFound if the id does not exist.
func (r *SessionRepository) GetByID(ctx context.Context, sessionID string) (*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	session, err := scanSession(r.db.QueryRow(ctx, query, sessionID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session %s: %w", sessionID, err)
	}
	return session, nil
}

// UpdateState performs the conditional state transition from→to. It reports
// false without error when the session is no longer in the expected state;
// callers treat that as a lost race, not a failure.
func (r *SessionRepository) UpdateState(ctx context.Context, sessionID string, from, to SessionStatus) (bool, error) {
	query := `UPDATE sessions
		SET status = $3, updated_at = now()
		WHERE session_id = $1 AND status = $2`

	tag, err := r.db.Exec(ctx, query, sessionID, from.String(), to.String())
	if err != nil {
		return false, fmt.Errorf("failed to update session %s state: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateStateTx is UpdateState running inside a caller-owned transaction.
func (r *SessionRepository) UpdateStateTx(ctx context.Context, tx pgx.Tx, sessionID string, from, to SessionStatus) (bool, error) {
	query := `UPDATE sessions
		SET status = $3, updated_at = now()
		WHERE session_id = $1 AND status = $2`

	tag, err := tx.Exec(ctx, query, sessionID, from.String(), to.String())
	if err != nil {
		return false, fmt.Errorf("failed to update session %s state: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinalizeTx moves a session from any non-terminal state into the given
// terminal state and stores the outcome JSON. It reports false when the
// session already reached a terminal state (terminal states absorb).
func (r *SessionRepository) FinalizeTx(ctx context.Context, tx pgx.Tx, sessionID string, to SessionStatus, result []byte) (bool, error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("finalize requires a terminal state, got %s", to)
	}

	query := `UPDATE sessions
		SET status = $2, result = $3, updated_at = now()
		WHERE session_id = $1 AND status NOT IN ('completed', 'failed', 'expired')`

	tag, err := tx.Exec(ctx, query, sessionID, to.String(), result)
	if err != nil {
		return false, fmt.Errorf("failed to finalize session %s: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetResult writes the terminal outcome JSON.
func (r *SessionRepository) SetResult(ctx context.Context, sessionID string, result []byte) error {
	query := `UPDATE sessions SET result = $2, updated_at = now() WHERE session_id = $1`

	tag, err := r.db.Exec(ctx, query, sessionID, result)
	if err != nil {
		return fmt.Errorf("failed to set result for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetResultTx is SetResult running inside a caller-owned transaction.
func (r *SessionRepository) SetResultTx(ctx context.Context, tx pgx.Tx, sessionID string, result []byte) error {
	query := `UPDATE sessions SET result = $2, updated_at = now() WHERE session_id = $1`

	tag, err := tx.Exec(ctx, query, sessionID, result)
	if err != nil {
		return fmt.Errorf("failed to set result for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// SetChallengeTx links the challenge and advances initiated →
// challenge_sent in one statement. Reports false when the session left
// the initiated state in the meantime.
func (r *SessionRepository) SetChallengeTx(ctx context.Context, tx pgx.Tx, sessionID, challengeID string) (bool, error) {
	query := `UPDATE sessions
		SET challenge_id = $2, status = 'challenge_sent', updated_at = now()
		WHERE session_id = $1 AND status = 'initiated'`

	tag, err := tx.Exec(ctx, query, sessionID, challengeID)
	if err != nil {
		return false, fmt.Errorf("failed to set challenge for session %s: %w", sessionID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetChallenge links the active challenge to the session.
func (r *SessionRepository) SetChallenge(ctx context.Context, sessionID, challengeID string) error {
	query := `UPDATE sessions SET challenge_id = $2, updated_at = now() WHERE session_id = $1`

	tag, err := r.db.Exec(ctx, query, sessionID, challengeID)
	if err != nil {
		return fmt.Errorf("failed to set challenge for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CountActive returns the number of sessions not yet in a terminal state.
// Used for the admission check on new intents.
func (r *SessionRepository) CountActive(ctx context.Context) (int, error) {
	query := `SELECT COUNT(*) FROM sessions WHERE status NOT IN ('completed', 'failed', 'expired')`

	var count int
	if err := r.db.QueryRow(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// ListExpired returns non-terminal sessions whose deadline has passed,
// oldest first. The sweeper transitions them to expired.
func (r *SessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE status NOT IN ('completed', 'failed', 'expired') AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	// Check for any errors that occurred during iteration
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return sessions, nil
}

// ListByUser retrieves a user's sessions, newest first.
func (r *SessionRepository) ListByUser(ctx context.Context, userPubkey string, limit int) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE user_pubkey = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, userPubkey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions for user: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return sessions, nil
}
