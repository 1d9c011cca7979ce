package messaging

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"
)

// JobMessage is published for every job the pool sends
type JobMessage struct {
	JobID        string    `json:"job_id"`
	Pool         string    `json:"pool"`
	Identity     string    `json:"identity"`
	PrevHash     string    `json:"prev_hash"`
	Coinb1       string    `json:"coinb1"`
	Coinb2       string    `json:"coinb2"`
	MerkleBranch []string  `json:"merkle_branch"`
	Version      string    `json:"version"`
	NBits        string    `json:"nbits"`
	NTime        string    `json:"ntime"`
	CleanJobs    bool      `json:"clean_jobs"`
	ReceivedAt   time.Time `json:"received_at"`
}

// ShareMessage is published for every share the pool answered
type ShareMessage struct {
	ShareID        string    `json:"share_id"`
	JobID          string    `json:"job_id"`
	Pool           string    `json:"pool"`
	Identity       string    `json:"identity"`
	ExtraNonce2    string    `json:"extra_nonce2"`
	Ntime          string    `json:"ntime"`
	Nonce          string    `json:"nonce"`
	Hash           string    `json:"hash"`
	Difficulty     float64   `json:"difficulty"`
	HashDifficulty float64   `json:"hash_difficulty"`
	BlockCandidate bool      `json:"block_candidate"`
	Status         string    `json:"status"` // "accepted", "rejected"
	ErrorCode      int       `json:"error_code,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	SubmittedAt    time.Time `json:"submitted_at"`
	LatencyMs      float64   `json:"latency_ms"`
}

// HashrateStruct builds the protobuf body of a hashrate sample.
func HashrateStruct(identity string, hashrate float64, workers int) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"identity": identity,
		"hashrate": hashrate,
		"workers":  workers,
	})
}

// StateStruct builds the protobuf body of a connection state transition.
func StateStruct(identity, pool, from, to, reason string) (*structpb.Struct, error) {
	fields := map[string]any{
		"identity": identity,
		"pool":     pool,
		"from":     from,
		"to":       to,
	}
	if reason != "" {
		fields["reason"] = reason
	}
	return structpb.NewStruct(fields)
}
