package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SessionRepository handles the connection log
type SessionRepository struct {
	db *sql.DB
}

// NewSessionRepository creates a new session repository
func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// OpenSession inserts a session row and sets its ID.
func (r *SessionRepository) OpenSession(ctx context.Context, session *Session) error {
	query := `
		INSERT INTO miner_sessions (pool, identity, extranonce1, connected_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		session.Pool, session.Identity, session.ExtraNonce1, session.ConnectedAt,
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	return nil
}

// MarkAuthorized records the authorized identity and extranonce1 of a session.
func (r *SessionRepository) MarkAuthorized(ctx context.Context, sessionID int64, identity, extraNonce1 string, at time.Time) error {
	query := `UPDATE miner_sessions SET identity = $1, extranonce1 = $2, authorized_at = $3 WHERE id = $4`

	if _, err := r.db.ExecContext(ctx, query, identity, extraNonce1, at, sessionID); err != nil {
		return fmt.Errorf("failed to mark session authorized: %w", err)
	}

	return nil
}

// CloseSession stamps the close time and reason.
func (r *SessionRepository) CloseSession(ctx context.Context, sessionID int64, reason string, at time.Time) error {
	query := `UPDATE miner_sessions SET closed_at = $1, close_reason = $2 WHERE id = $3 AND closed_at IS NULL`

	if _, err := r.db.ExecContext(ctx, query, at, reason, sessionID); err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}

	return nil
}

// ShareRepository handles share-related database operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a share. Re-inserting the same ID is a no-op.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (id, session_id, identity, job_id, extranonce2, ntime, nonce, hash,
		                    difficulty, hash_difficulty, block_candidate, status, error_code, error,
		                    submitted_at, latency_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		share.ID, share.SessionID, share.Identity, share.JobID, share.ExtraNonce2, share.NTime,
		share.Nonce, share.Hash, share.Difficulty, share.HashDifficulty, share.BlockCandidate,
		share.Status, share.ErrorCode, share.Error, share.SubmittedAt, share.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// GetSharesByIdentity retrieves shares for an identity, newest first
func (r *ShareRepository) GetSharesByIdentity(ctx context.Context, identity string, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, session_id, identity, job_id, extranonce2, ntime, nonce, hash,
		       difficulty, hash_difficulty, block_candidate, status, error_code, error,
		       submitted_at, latency_ms
		FROM shares
		WHERE identity = $1
		ORDER BY submitted_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.QueryContext(ctx, query, identity, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		err := rows.Scan(
			&share.ID, &share.SessionID, &share.Identity, &share.JobID, &share.ExtraNonce2,
			&share.NTime, &share.Nonce, &share.Hash, &share.Difficulty, &share.HashDifficulty,
			&share.BlockCandidate, &share.Status, &share.ErrorCode, &share.Error,
			&share.SubmittedAt, &share.LatencyMS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating shares: %w", err)
	}

	return shares, nil
}

// Summary aggregates the ledger for identity since the given time.
func (r *ShareRepository) Summary(ctx context.Context, identity string, since time.Time) (*ShareSummary, error) {
	query := `
		SELECT count(*) FILTER (WHERE status = 'accepted'),
		       count(*) FILTER (WHERE status = 'rejected'),
		       count(*) FILTER (WHERE block_candidate),
		       coalesce(sum(difficulty) FILTER (WHERE status = 'accepted'), 0),
		       max(submitted_at)
		FROM shares
		WHERE identity = $1 AND submitted_at >= $2`

	s := &ShareSummary{}
	err := r.db.QueryRowContext(ctx, query, identity, since).Scan(
		&s.Accepted, &s.Rejected, &s.BlockCandidates, &s.AcceptedWork, &s.LastShareAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize shares: %w", err)
	}

	return s, nil
}
