// Package mining holds the miner's view of pool work: the job registry that
// publishes immutable snapshots to hash workers, and the engine that searches
// the nonce space against the pool target.
package mining

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompminer/internal/bitcoin"
)

// Job is one mining.notify as received. Fields keep the pool's hex encoding.
// A Job must not be mutated after it is handed to Registry.SetJob.
type Job struct {
	JobID        string
	PrevHash     string
	Coinb1       string
	Coinb2       string
	MerkleBranch []string
	Version      string
	NBits        string
	NTime        string
	CleanJobs    bool
	ReceivedAt   time.Time
}

// Work is the decoded, nonce-independent form of a Job. Workers build headers
// from it without touching hex.
type Work struct {
	JobID    string
	NTime    string
	Coinb1   []byte
	Coinb2   []byte
	Branches []chainhash.Hash
	Header   bitcoin.HeaderTemplate // MerkleRoot left zero; see HeaderFor
}

// Work decodes every hex field of the job once.
func (j *Job) Work() (*Work, error) {
	coinb1, err := hex.DecodeString(j.Coinb1)
	if err != nil {
		return nil, fmt.Errorf("job %s: invalid coinb1: %w", j.JobID, err)
	}
	coinb2, err := hex.DecodeString(j.Coinb2)
	if err != nil {
		return nil, fmt.Errorf("job %s: invalid coinb2: %w", j.JobID, err)
	}

	branches := make([]chainhash.Hash, len(j.MerkleBranch))
	for i, b := range j.MerkleBranch {
		raw, err := bitcoin.DecodeHexFixed(b, chainhash.HashSize)
		if err != nil {
			return nil, fmt.Errorf("job %s: invalid merkle branch %d: %w", j.JobID, i, err)
		}
		copy(branches[i][:], raw)
	}

	prev, err := bitcoin.PrevHashFromStratum(j.PrevHash)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", j.JobID, err)
	}
	version, err := bitcoin.ParseHexUint32(j.Version)
	if err != nil {
		return nil, fmt.Errorf("job %s: invalid version: %w", j.JobID, err)
	}
	nbits, err := bitcoin.ParseHexUint32(j.NBits)
	if err != nil {
		return nil, fmt.Errorf("job %s: invalid nbits: %w", j.JobID, err)
	}
	ntime, err := bitcoin.ParseHexUint32(j.NTime)
	if err != nil {
		return nil, fmt.Errorf("job %s: invalid ntime: %w", j.JobID, err)
	}

	return &Work{
		JobID:    j.JobID,
		NTime:    j.NTime,
		Coinb1:   coinb1,
		Coinb2:   coinb2,
		Branches: branches,
		Header: bitcoin.HeaderTemplate{
			Version:  version,
			PrevHash: prev,
			NTime:    ntime,
			NBits:    nbits,
		},
	}, nil
}

// PrevBlockHash returns the hash of the block this job builds on.
func (j *Job) PrevBlockHash() (chainhash.Hash, error) {
	return bitcoin.PrevHashFromStratum(j.PrevHash)
}

// HeaderFor fills in the merkle root for one extranonce pair.
func (w *Work) HeaderFor(extraNonce1, extraNonce2 []byte) bitcoin.HeaderTemplate {
	h := w.Header
	coinbase := bitcoin.CoinbaseHash(w.Coinb1, extraNonce1, extraNonce2, w.Coinb2)
	h.MerkleRoot = bitcoin.MerkleRootFromBranches(coinbase, w.Branches)
	return h
}
