package stratum

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bardlex/gompminer/internal/mining"
	"github.com/bardlex/gompminer/internal/validation"
	"github.com/bardlex/gompminer/pkg/errors"
	"github.com/bardlex/gompminer/pkg/log"
)

// ShareStatus is the outcome of one submission.
type ShareStatus string

// Share outcomes.
const (
	ShareAccepted ShareStatus = "accepted"
	ShareRejected ShareStatus = "rejected"
)

// ShareRecord describes one submitted share.
type ShareRecord struct {
	ID             string
	JobID          string
	Identity       string
	ExtraNonce2    string
	NTime          string
	Nonce          string
	Hash           string
	Difficulty     float64 // share difficulty in force at submission
	HashDifficulty float64
	BlockCandidate bool
	Status         ShareStatus
	ErrorCode      int
	Error          string
	SubmittedAt    time.Time
	Latency        time.Duration
}

// ShareCounters is a point-in-time copy of the submission counters.
// Accepted + Rejected never exceeds Submitted. Stale and Invalid count
// candidates dropped before submission.
type ShareCounters struct {
	Submitted uint64
	Accepted  uint64
	Rejected  uint64
	Stale     uint64
	Invalid   uint64
}

// ShareValidator checks a candidate against the latest job and target.
type ShareValidator interface {
	Validate(c *mining.Candidate) (*validation.Result, error)
}

// EpochChecker reports whether a clean-jobs epoch is still current.
type EpochChecker interface {
	IsCurrent(epoch uint64) bool
}

// Submitter sends mining.submit for candidates that survive validation.
type Submitter struct {
	correlator *Correlator
	validator  ShareValidator
	epochs     EpochChecker
	logger     *log.Logger

	submitted atomic.Uint64
	accepted  atomic.Uint64
	rejected  atomic.Uint64
	stale     atomic.Uint64
	invalid   atomic.Uint64
}

// NewSubmitter creates a submitter. epochs is consulted once more right
// before the request is queued.
func NewSubmitter(correlator *Correlator, validator ShareValidator, epochs EpochChecker, logger *log.Logger) *Submitter {
	return &Submitter{
		correlator: correlator,
		validator:  validator,
		epochs:     epochs,
		logger:     logger.WithComponent("submitter"),
	}
}

// Submit validates c and submits it as identity through sender, waiting for the
// pool's answer. A dropped candidate yields a nil record and the reason. A
// submitted share always yields a record; its Status tells accepted from rejected.
// Shares are never retried.
func (s *Submitter) Submit(ctx context.Context, sender Sender, identity string, c *mining.Candidate) (*ShareRecord, error) {
	res, err := s.validator.Validate(c)
	if err != nil {
		if validation.IsStale(err) {
			s.stale.Add(1)
			s.logger.Debug("dropping stale candidate", "job_id", c.JobID, "reason", err)
		} else {
			s.invalid.Add(1)
			s.logger.WithError(err).Debug("dropping candidate", "job_id", c.JobID)
		}
		return nil, err
	}

	rec := &ShareRecord{
		ID:             uuid.NewString(),
		JobID:          c.JobID,
		Identity:       identity,
		ExtraNonce2:    c.ExtraNonce2,
		NTime:          c.NTime,
		Nonce:          c.Nonce,
		Hash:           res.Hash.String(),
		Difficulty:     res.ShareDifficulty,
		HashDifficulty: res.Difficulty,
		BlockCandidate: res.BlockCandidate,
		SubmittedAt:    time.Now(),
	}
	logger := s.logger.WithShare(rec.ID, rec.JobID)
	if rec.BlockCandidate {
		logger.Info("share meets the network target", "hash", rec.Hash)
	}

	// A clean_jobs notify may have landed while the candidate was validated.
	if !s.epochs.IsCurrent(c.Epoch) {
		s.stale.Add(1)
		logger.Debug("dropping candidate superseded before submission")
		return nil, fmt.Errorf("%w: job %s", validation.ErrStale, c.JobID)
	}

	s.submitted.Add(1)
	call, err := s.correlator.Send(ctx, sender, MethodSubmit,
		[]any{identity, c.JobID, c.ExtraNonce2, c.NTime, c.Nonce})
	if err != nil {
		s.reject(rec, err)
		logger.LogShareResult(rec.JobID, rec.Nonce, rec.Difficulty, string(rec.Status), 0)
		return rec, nil
	}

	resp, err := call.Wait(ctx)
	rec.Latency = time.Since(rec.SubmittedAt)
	switch {
	case err != nil:
		s.reject(rec, err)
	case resp.OK():
		s.accepted.Add(1)
		rec.Status = ShareAccepted
	case resp.Error != nil:
		s.reject(rec, errors.Wrap(resp.Error, errors.ErrorTypeRejected, "submit", "pool rejected share"))
		rec.ErrorCode = resp.Error.Code
		rec.Error = resp.Error.Message
	default:
		s.reject(rec, errors.New(errors.ErrorTypeRejected, "submit", "pool rejected share"))
	}

	logger.LogShareResult(rec.JobID, rec.Nonce, rec.Difficulty, string(rec.Status), rec.Latency)
	return rec, nil
}

func (s *Submitter) reject(rec *ShareRecord, err error) {
	s.rejected.Add(1)
	rec.Status = ShareRejected
	rec.Error = err.Error()
}

// Counters returns the current counters. Outcomes are loaded before Submitted
// so the copy keeps Accepted + Rejected <= Submitted.
func (s *Submitter) Counters() ShareCounters {
	c := ShareCounters{
		Accepted: s.accepted.Load(),
		Rejected: s.rejected.Load(),
		Stale:    s.stale.Load(),
		Invalid:  s.invalid.Load(),
	}
	c.Submitted = s.submitted.Load()
	return c
}
