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
	// ErrChallengeNotFound is returned when a challenge is not found in the database
	ErrChallengeNotFound = errors.New("challenge not found")
)

// ChallengeRepository handles all database operations for signing challenges
type ChallengeRepository struct {
	db *pgxpool.Pool
}

// NewChallengeRepository creates a new challenge repository instance
func NewChallengeRepository(db *DB) *ChallengeRepository {
	return &ChallengeRepository{
		db: db.pool,
	}
}

const challengeColumns = `challenge_id, session_id, payload, payload_ref, context, is_used, signature, created_at, expires_at`

func scanChallenge(row pgx.Row) (*SigningChallenge, error) {
	var c SigningChallenge
	err := row.Scan(
		&c.ChallengeID,
		&c.SessionID,
		&c.Payload,
		&c.PayloadRef,
		&c.Context,
		&c.IsUsed,
		&c.Signature,
		&c.CreatedAt,
		&c.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new signing challenge.
func (r *ChallengeRepository) Create(ctx context.Context, challenge *SigningChallenge) error {
	query := `INSERT INTO signing_challenges (
		challenge_id,
		session_id,
		payload,
		payload_ref,
		context,
		is_used,
		created_at,
		expires_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := r.db.Exec(
		ctx,
		query,
		challenge.ChallengeID,
		challenge.SessionID,
		challenge.Payload,
		challenge.PayloadRef,
		challenge.Context,
		challenge.IsUsed,
		challenge.CreatedAt,
		challenge.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

// CreateTx inserts a new signing challenge inside a caller-owned
// transaction.
func (r *ChallengeRepository) CreateTx(ctx context.Context, tx pgx.Tx, challenge *SigningChallenge) error {
	query := `INSERT INTO signing_challenges (
		challenge_id, session_id, payload, payload_ref, context, is_used, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := tx.Exec(ctx, query,
		challenge.ChallengeID,
		challenge.SessionID,
		challenge.Payload,
		challenge.PayloadRef,
		challenge.Context,
		challenge.IsUsed,
		challenge.CreatedAt,
		challenge.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

// GetByID retrieves a challenge by id.
// Returns ErrChallengeNotFound if the id does not exist.
func (r *ChallengeRepository) GetByID(ctx context.Context, challengeID string) (*SigningChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM signing_challenges WHERE challenge_id = $1`

	challenge, err := scanChallenge(r.db.QueryRow(ctx, query, challengeID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge %s: %w", challengeID, err)
	}
	return challenge, nil
}

// MarkUsedTx flips is_used false→true and stores the signature, atomically,
// inside a caller-owned transaction. Exactly one of two concurrent calls
// for the same challenge can win; the loser gets (false, nil, nil) and must
// re-read the row to report challenge_already_used.
func (r *ChallengeRepository) MarkUsedTx(ctx context.Context, tx pgx.Tx, challengeID, signature string) (bool, *SigningChallenge, error) {
	query := `UPDATE signing_challenges
		SET is_used = TRUE, signature = $2
		WHERE challenge_id = $1 AND is_used = FALSE
		RETURNING ` + challengeColumns

	challenge, err := scanChallenge(tx.QueryRow(ctx, query, challengeID, signature))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("failed to mark challenge %s used: %w", challengeID, err)
	}
	return true, challenge, nil
}

// ListExpired returns unused challenges past their deadline, oldest first.
// The sweeper fails their owning sessions.
func (r *ChallengeRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*SigningChallenge, error) {
	query := `SELECT ` + challengeColumns + ` FROM signing_challenges
		WHERE is_used = FALSE AND expires_at < $1
		ORDER BY expires_at ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired challenges: %w", err)
	}
	defer rows.Close()

	var challenges []*SigningChallenge
	for rows.Next() {
		challenge, err := scanChallenge(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan challenge row: %w", err)
		}
		challenges = append(challenges, challenge)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}

	return challenges, nil
}
