package mining

import (
	"context"
	"encoding/hex"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gompminer/internal/bitcoin"
	"github.com/bardlex/gompminer/pkg/log"
)

// Engine defaults.
const (
	DefaultBatchSize        = 65536
	DefaultHashrateInterval = 10 * time.Second
	candidateBuffer         = 64
)

// Candidate is a header hash that met the share target when it was found.
type Candidate struct {
	JobID       string
	ExtraNonce2 string // hex, ExtraNonce2Size bytes
	NTime       string // hex, as sent by the pool
	Nonce       string // hex of the big-endian nonce counter
	Epoch       uint64
	Hash        chainhash.Hash
	Header      [bitcoin.HeaderSize]byte
	FoundAt     time.Time
}

// Config holds engine settings
type Config struct {
	Workers          int
	BatchSize        uint32
	HashrateInterval time.Duration
}

// Engine runs hash workers against the registry's current snapshot.
type Engine struct {
	registry *Registry
	config   Config
	logger   *log.Logger

	candidates chan Candidate
	hashes     atomic.Uint64
	rateBits   atomic.Uint64

	mu         sync.Mutex
	onHashrate func(float64)
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(registry *Registry, config Config, logger *log.Logger) *Engine {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BatchSize == 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.HashrateInterval <= 0 {
		config.HashrateInterval = DefaultHashrateInterval
	}

	return &Engine{
		registry:   registry,
		config:     config,
		logger:     logger.WithComponent("engine"),
		candidates: make(chan Candidate, candidateBuffer),
	}
}

// Candidates delivers shares found by the workers.
func (e *Engine) Candidates() <-chan Candidate {
	return e.candidates
}

// OnHashrate registers a callback for periodic hashrate samples (hashes per second).
func (e *Engine) OnHashrate(fn func(float64)) {
	e.mu.Lock()
	e.onHashrate = fn
	e.mu.Unlock()
}

// Hashrate returns the most recent sample.
func (e *Engine) Hashrate() float64 {
	return math.Float64frombits(e.rateBits.Load())
}

// TotalHashes returns the number of hashes computed since start.
func (e *Engine) TotalHashes() uint64 {
	return e.hashes.Load()
}

// Run starts the workers and the hashrate reporter and blocks until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("starting hash engine",
		"workers", e.config.Workers,
		"batch_size", e.config.BatchSize)

	var wg sync.WaitGroup
	for i := range e.config.Workers {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			e.work(ctx, id)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.reportHashrate(ctx)
	}()

	wg.Wait()
	e.logger.Info("hash engine stopped", "total_hashes", e.hashes.Load())
	return ctx.Err()
}

// work is one worker loop: wait for a snapshot, take an extranonce2, sweep the
// nonce space in batches, and restart whenever the snapshot changes.
func (e *Engine) work(ctx context.Context, id int) {
	logger := e.logger.WithFields("worker", id)

	for {
		updated := e.registry.Updated()
		snap := e.registry.Current()
		target, ok := e.registry.Target()

		if snap == nil || !ok {
			select {
			case <-ctx.Done():
				return
			case <-updated:
				continue
			}
		}

		if !e.sweep(ctx, snap, target) {
			return
		}
		if ctx.Err() != nil {
			return
		}
		logger.Debug("worker reloading", "job_id", snap.Job.JobID)
	}
}

// sweep hashes one snapshot until it is superseded. It returns false when ctx ends.
func (e *Engine) sweep(ctx context.Context, snap *Snapshot, target bitcoin.Target) bool {
	batch := e.config.BatchSize

	for {
		en2 := snap.NextExtraNonce2()
		en2Hex := hex.EncodeToString(en2)
		tmpl := snap.Work.HeaderFor(snap.ExtraNonce1, en2)

		var header [bitcoin.HeaderSize]byte
		var nonce [4]byte
		tmpl.Serialize(&header, nonce)

		exhausted := false
		for !exhausted {
			var done uint32
			for done < batch {
				bitcoin.PutNonce(&header, nonce)
				hash := bitcoin.DoubleSHA256(header[:])
				done++

				if bitcoin.HashMeetsTarget(hash, target) {
					c := Candidate{
						JobID:       snap.Job.JobID,
						ExtraNonce2: en2Hex,
						NTime:       snap.Work.NTime,
						Nonce:       hex.EncodeToString(nonce[:]),
						Epoch:       snap.CleanEpoch,
						Hash:        hash,
						Header:      header,
						FoundAt:     time.Now(),
					}
					select {
					case e.candidates <- c:
					case <-ctx.Done():
						e.hashes.Add(uint64(done))
						return false
					}
				}

				nonce = bitcoin.IncrementNonce(nonce)
				if nonce == [4]byte{} {
					exhausted = true
					break
				}
			}
			e.hashes.Add(uint64(done))

			runtime.Gosched()
			if ctx.Err() != nil {
				return false
			}
			if e.registry.Current() != snap {
				return true
			}
			if t, ok := e.registry.Target(); ok {
				target = t
			}
		}
	}
}

func (e *Engine) reportHashrate(ctx context.Context) {
	ticker := time.NewTicker(e.config.HashrateInterval)
	defer ticker.Stop()

	last := e.hashes.Load()
	lastAt := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			total := e.hashes.Load()
			elapsed := now.Sub(lastAt).Seconds()
			if elapsed <= 0 {
				continue
			}
			rate := float64(total-last) / elapsed
			last, lastAt = total, now

			e.rateBits.Store(math.Float64bits(rate))
			e.logger.LogHashrate(rate, e.config.Workers)

			e.mu.Lock()
			fn := e.onHashrate
			e.mu.Unlock()
			if fn != nil {
				fn(rate)
			}
		}
	}
}
