package postgres

import (
	"time"
)

// Session is one pool connection from dial to close.
type Session struct {
	ID           int64      `db:"id"`
	Pool         string     `db:"pool"`
	Identity     string     `db:"identity"`
	ExtraNonce1  string     `db:"extranonce1"`
	ConnectedAt  time.Time  `db:"connected_at"`
	AuthorizedAt *time.Time `db:"authorized_at"`
	ClosedAt     *time.Time `db:"closed_at"`
	CloseReason  *string    `db:"close_reason"`
}

// Share is one submitted share and the pool's verdict.
type Share struct {
	ID             string    `db:"id"`
	SessionID      *int64    `db:"session_id"`
	Identity       string    `db:"identity"`
	JobID          string    `db:"job_id"`
	ExtraNonce2    string    `db:"extranonce2"`
	NTime          string    `db:"ntime"`
	Nonce          string    `db:"nonce"`
	Hash           string    `db:"hash"`
	Difficulty     float64   `db:"difficulty"`
	HashDifficulty float64   `db:"hash_difficulty"`
	BlockCandidate bool      `db:"block_candidate"`
	Status         string    `db:"status"` // accepted, rejected
	ErrorCode      int       `db:"error_code"`
	Error          string    `db:"error"`
	SubmittedAt    time.Time `db:"submitted_at"`
	LatencyMS      float64   `db:"latency_ms"`
}

// ShareSummary aggregates the ledger for one identity.
type ShareSummary struct {
	Accepted        int64
	Rejected        int64
	BlockCandidates int64
	AcceptedWork    float64 // sum of accepted share difficulty
	LastShareAt     *time.Time
}
