// Package validation re-checks shares found by the hash engine before they are
// submitted: the header is rebuilt independently with btcd's wire types and
// compared against the latest job and share target.
package validation

import (
	"bytes"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/gompminer/internal/bitcoin"
	"github.com/bardlex/gompminer/internal/mining"
)

// DefaultMaxTimeSkew matches the two hours Bitcoin nodes tolerate for block timestamps.
const DefaultMaxTimeSkew = 2 * time.Hour

// ShareValidator handles validation of candidate shares
type ShareValidator struct {
	source      WorkSource
	maxTimeSkew time.Duration
	now         func() time.Time
}

// NewShareValidator creates a new share validator. A non-positive skew selects DefaultMaxTimeSkew.
func NewShareValidator(source WorkSource, maxTimeSkew time.Duration) *ShareValidator {
	if maxTimeSkew <= 0 {
		maxTimeSkew = DefaultMaxTimeSkew
	}
	return &ShareValidator{
		source:      source,
		maxTimeSkew: maxTimeSkew,
		now:         time.Now,
	}
}

// Validate performs the full pre-submit check of one candidate.
func (v *ShareValidator) Validate(c *mining.Candidate) (*Result, error) {
	if !v.source.IsCurrent(c.Epoch) {
		return nil, fmt.Errorf("%w: job %s", ErrStale, c.JobID)
	}
	if !v.source.KnownJob(c.JobID) {
		return nil, fmt.Errorf("%w: job %s", ErrUnknownJob, c.JobID)
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(c.Header[:])); err != nil {
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}

	hash := header.BlockHash()
	if hash != c.Hash {
		return nil, fmt.Errorf("%w: got %s want %s", ErrHashMismatch, hash, c.Hash)
	}

	if err := v.validateFields(c, &header); err != nil {
		return nil, err
	}

	if err := v.validateTime(&header); err != nil {
		return nil, err
	}

	target, ok := v.source.Target()
	if !ok {
		return nil, ErrNoTarget
	}
	if !bitcoin.HashMeetsTarget(hash, target) {
		return nil, fmt.Errorf("%w: %s", ErrAboveTarget, hash)
	}

	return &Result{
		Hash:            hash,
		Difficulty:      bitcoin.HashDifficulty(hash),
		ShareDifficulty: v.source.Difficulty(),
		BlockCandidate:  bitcoin.HashMeetsTarget(hash, bitcoin.NetworkTarget(header.Bits)),
	}, nil
}

// validateFields compares the rebuilt header with the submitted values and,
// when the candidate's job is still the one being hashed, with the job template.
func (v *ShareValidator) validateFields(c *mining.Candidate, header *wire.BlockHeader) error {
	nonce, err := bitcoin.ParseHexUint32(c.Nonce)
	if err != nil {
		return fmt.Errorf("invalid nonce: %w", err)
	}
	if header.Nonce != nonce {
		return fmt.Errorf("%w: nonce %08x in header, %s submitted", ErrHeaderMismatch, header.Nonce, c.Nonce)
	}

	ntime, err := bitcoin.ParseHexUint32(c.NTime)
	if err != nil {
		return fmt.Errorf("invalid ntime: %w", err)
	}
	if uint32(header.Timestamp.Unix()) != ntime {
		return fmt.Errorf("%w: ntime %s", ErrHeaderMismatch, c.NTime)
	}

	snap := v.source.Current()
	if snap == nil || snap.Job.JobID != c.JobID {
		return nil
	}

	en2, err := bitcoin.DecodeHexFixed(c.ExtraNonce2, snap.ExtraNonce2Size)
	if err != nil {
		return fmt.Errorf("invalid extranonce2: %w", err)
	}
	tmpl := snap.Work.HeaderFor(snap.ExtraNonce1, en2)

	switch {
	case header.PrevBlock != tmpl.PrevHash:
		return fmt.Errorf("%w: prevhash", ErrHeaderMismatch)
	case header.MerkleRoot != tmpl.MerkleRoot:
		return fmt.Errorf("%w: merkle root", ErrHeaderMismatch)
	case header.Bits != tmpl.NBits:
		return fmt.Errorf("%w: nbits", ErrHeaderMismatch)
	case header.Version != int32(tmpl.Version):
		return fmt.Errorf("%w: version", ErrHeaderMismatch)
	}
	return nil
}

// validateTime rejects timestamps past the allowed future drift
func (v *ShareValidator) validateTime(header *wire.BlockHeader) error {
	if header.Timestamp.After(v.now().Add(v.maxTimeSkew)) {
		return fmt.Errorf("%w: %s", ErrTimeSkew, header.Timestamp.UTC().Format(time.RFC3339))
	}
	return nil
}
