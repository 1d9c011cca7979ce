package mining

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompminer/internal/bitcoin"
)

// DefaultDifficulty is the share difficulty in force until the pool sends
// mining.set_difficulty, and again after every reconnect.
const DefaultDifficulty = 1.0

// knownJobLimit bounds how many superseded non-clean jobs still accept shares.
const knownJobLimit = 16

// ErrNoSession is returned when work is requested before subscribe completed.
var ErrNoSession = errors.New("mining: session parameters not set")

// Snapshot is an immutable view of the work to hash. A new Snapshot replaces
// the old one with a single pointer store; workers compare Generation to
// notice the switch.
type Snapshot struct {
	Job             *Job
	Work            *Work
	ExtraNonce1     []byte
	ExtraNonce2Size int
	Generation      uint64
	CleanEpoch      uint64

	en2 atomic.Uint64
}

// NextExtraNonce2 returns the next extranonce2 for this snapshot as a
// big-endian counter of ExtraNonce2Size bytes. Concurrent callers never
// receive the same value until the counter space is exhausted.
func (s *Snapshot) NextExtraNonce2() []byte {
	n := s.en2.Add(1) - 1
	out := make([]byte, s.ExtraNonce2Size)

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	if s.ExtraNonce2Size >= 8 {
		copy(out[s.ExtraNonce2Size-8:], buf[:])
	} else {
		copy(out, buf[8-s.ExtraNonce2Size:])
	}
	return out
}

type targetState struct {
	difficulty float64
	target     bitcoin.Target
}

func defaultTarget() *targetState {
	target, err := bitcoin.DifficultyToTarget(DefaultDifficulty)
	if err != nil {
		panic(err)
	}
	return &targetState{difficulty: DefaultDifficulty, target: target}
}

// Registry owns the current job, session parameters and share target.
// Writers are serialized by mu; readers only load atomics.
type Registry struct {
	snap   atomic.Pointer[Snapshot]
	target atomic.Pointer[targetState]
	epoch  atomic.Uint64
	paused atomic.Bool

	mu          sync.Mutex
	job         *Job
	work        *Work
	extraNonce1 []byte
	en2Size     int
	hasSession  bool
	generation  uint64
	known       []string
	updated     chan struct{}
}

// NewRegistry returns a registry with no work and the default share difficulty.
func NewRegistry() *Registry {
	r := &Registry{updated: make(chan struct{})}
	r.target.Store(defaultTarget())
	return r
}

// SetSessionParams records extranonce1 and the extranonce2 width from
// subscribe (or mining.set_extranonce) and republishes the current job with them.
func (r *Registry) SetSessionParams(extraNonce1 []byte, extraNonce2Size int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.extraNonce1 = append([]byte(nil), extraNonce1...)
	r.en2Size = extraNonce2Size
	r.hasSession = true
	r.publishLocked()
}

// SessionParams returns the current extranonce1 and extranonce2 width.
func (r *Registry) SessionParams() (extraNonce1 []byte, extraNonce2Size int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasSession {
		return nil, 0, ErrNoSession
	}
	return append([]byte(nil), r.extraNonce1...), r.en2Size, nil
}

// SetJob replaces the current job. With CleanJobs set the clean epoch advances
// so candidates found on earlier jobs are discarded, and earlier job ids stop
// being accepted.
func (r *Registry) SetJob(job *Job) error {
	work, err := job.Work()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if job.CleanJobs {
		r.epoch.Add(1)
		r.known = r.known[:0]
	}
	r.known = append(r.known, job.JobID)
	if len(r.known) > knownJobLimit {
		r.known = r.known[len(r.known)-knownJobLimit:]
	}

	r.job = job
	r.work = work
	r.paused.Store(false)
	r.publishLocked()
	return nil
}

// SetDifficulty stores a new share difficulty. The job snapshot is untouched;
// workers pick up the target before their next batch.
func (r *Registry) SetDifficulty(difficulty float64) error {
	target, err := bitcoin.DifficultyToTarget(difficulty)
	if err != nil {
		return err
	}

	r.target.Store(&targetState{difficulty: difficulty, target: target})

	r.mu.Lock()
	r.notifyLocked()
	r.mu.Unlock()
	return nil
}

// MarkStale pauses hashing when tip is a new block the current job does not
// build on. The clean epoch advances as if the pool had sent clean_jobs.
// It reports whether the job was invalidated.
func (r *Registry) MarkStale(tip chainhash.Hash) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.work == nil || r.work.Header.PrevHash == tip {
		return false
	}

	r.epoch.Add(1)
	r.known = r.known[:0]
	r.paused.Store(true)
	r.snap.Store(nil)
	r.notifyLocked()
	return true
}

// Clear drops the job and session parameters and restores the default
// difficulty. Called when the connection is lost.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.epoch.Add(1)
	r.job = nil
	r.work = nil
	r.extraNonce1 = nil
	r.en2Size = 0
	r.hasSession = false
	r.known = r.known[:0]
	r.paused.Store(false)
	r.target.Store(defaultTarget())
	r.snap.Store(nil)
	r.notifyLocked()
}

// Current returns the snapshot to hash, or nil when there is no work.
func (r *Registry) Current() *Snapshot {
	return r.snap.Load()
}

// CurrentJob returns the most recent job even while hashing is paused.
func (r *Registry) CurrentJob() *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.job
}

// Target returns the share target. The bool is always true for a registry
// built by NewRegistry; it is false only for a zero Registry.
func (r *Registry) Target() (bitcoin.Target, bool) {
	ts := r.target.Load()
	if ts == nil {
		return bitcoin.Target{}, false
	}
	return ts.target, true
}

// Difficulty returns the current share difficulty, DefaultDifficulty until
// the pool sets one.
func (r *Registry) Difficulty() float64 {
	ts := r.target.Load()
	if ts == nil {
		return 0
	}
	return ts.difficulty
}

// Epoch returns the current clean epoch.
func (r *Registry) Epoch() uint64 {
	return r.epoch.Load()
}

// IsCurrent reports whether a candidate from epoch may still be submitted.
func (r *Registry) IsCurrent(epoch uint64) bool {
	return r.epoch.Load() == epoch
}

// KnownJob reports whether jobID is still accepted by the pool's clean-jobs rules.
func (r *Registry) KnownJob(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.known {
		if id == jobID {
			return true
		}
	}
	return false
}

// Paused reports whether hashing is suspended by a stale-block notification.
func (r *Registry) Paused() bool {
	return r.paused.Load()
}

// Updated returns a channel closed on the next change of job, session or target.
func (r *Registry) Updated() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updated
}

// publishLocked builds and stores a new snapshot. Caller holds mu.
func (r *Registry) publishLocked() {
	r.generation++
	if r.work == nil || !r.hasSession || r.paused.Load() {
		r.snap.Store(nil)
		r.notifyLocked()
		return
	}

	r.snap.Store(&Snapshot{
		Job:             r.job,
		Work:            r.work,
		ExtraNonce1:     r.extraNonce1,
		ExtraNonce2Size: r.en2Size,
		Generation:      r.generation,
		CleanEpoch:      r.epoch.Load(),
	})
	r.notifyLocked()
}

// notifyLocked wakes everyone waiting on Updated. Caller holds mu.
func (r *Registry) notifyLocked() {
	close(r.updated)
	r.updated = make(chan struct{})
}
