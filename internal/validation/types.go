package validation

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompminer/internal/bitcoin"
	"github.com/bardlex/gompminer/internal/mining"
)

// Reasons a candidate is dropped before submission.
var (
	ErrStale          = errors.New("share belongs to a superseded clean-jobs epoch")
	ErrUnknownJob     = errors.New("job is no longer accepted by the pool")
	ErrNoTarget       = errors.New("no share difficulty set")
	ErrHashMismatch   = errors.New("header does not hash to the reported value")
	ErrHeaderMismatch = errors.New("header fields do not match the job")
	ErrAboveTarget    = errors.New("hash does not meet the share target")
	ErrTimeSkew       = errors.New("ntime too far in the future")
)

// WorkSource is the job and target state a candidate is checked against.
// *mining.Registry implements it.
type WorkSource interface {
	Current() *mining.Snapshot
	Target() (bitcoin.Target, bool)
	Difficulty() float64
	IsCurrent(epoch uint64) bool
	KnownJob(jobID string) bool
}

// Result describes a candidate that passed validation.
type Result struct {
	Hash            chainhash.Hash
	Difficulty      float64 // achieved difficulty of the hash
	ShareDifficulty float64 // pool difficulty the share was checked against
	BlockCandidate  bool    // hash also meets the network target in nbits
}

// IsStale reports whether err means the work was superseded rather than invalid.
func IsStale(err error) bool {
	return errors.Is(err, ErrStale) || errors.Is(err, ErrUnknownJob)
}
