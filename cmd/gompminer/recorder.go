package main

import (
	"context"
	"time"

	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gompminer/internal/database/postgres"
	"github.com/bardlex/gompminer/internal/messaging"
	"github.com/bardlex/gompminer/internal/stratum"
	"github.com/bardlex/gompminer/pkg/log"
)

const recordTimeout = 5 * time.Second

// store is the part of database.Manager the recorder writes to.
type store interface {
	RecordConnected(ctx context.Context, pool, identity string, at time.Time) error
	RecordAuthorized(ctx context.Context, pool, identity, extraNonce1 string, at time.Time) error
	RecordDisconnected(ctx context.Context, pool, identity, reason string, at time.Time) error
	RecordState(ctx context.Context, pool, identity, state string, at time.Time)
	RecordJob(ctx context.Context, identity string, job any)
	RecordDifficulty(pool, identity string, difficulty float64)
	RecordHashrate(ctx context.Context, identity string, hashrate float64, workers int, at time.Time)
	RecordShare(ctx context.Context, pool string, share *postgres.Share) error
}

// publisher is the part of messaging.KafkaClient the recorder writes to.
type publisher interface {
	PublishJSON(ctx context.Context, topic, key string, v any) error
	PublishProto(ctx context.Context, topic, key string, msg proto.Message, at time.Time) error
}

// recorder persists and publishes client events. It runs on the client's
// event goroutine, so it keeps no locks.
type recorder struct {
	store    store
	pub      publisher
	logger   *log.Logger
	identity string
	workers  int

	// extraNonce1 returns the session's extranonce1 in hex, "" if unknown.
	extraNonce1 func() string
}

// newRecorder builds a recorder. Either sink may be nil.
func newRecorder(st store, pub publisher, logger *log.Logger, identity string, workers int) *recorder {
	return &recorder{
		store:       st,
		pub:         pub,
		logger:      logger.WithComponent("recorder"),
		identity:    identity,
		workers:     workers,
		extraNonce1: func() string { return "" },
	}
}

// HandleEvent implements stratum.EventHandler.
func (r *recorder) HandleEvent(ev stratum.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if ev.Identity != "" {
		r.identity = ev.Identity
	}

	switch ev.Type {
	case stratum.EventConnected:
		if r.store != nil {
			r.check(ev, r.store.RecordConnected(ctx, ev.Pool, r.identity, ev.Time))
		}

	case stratum.EventAuthorized:
		if r.store != nil {
			r.check(ev, r.store.RecordAuthorized(ctx, ev.Pool, r.identity, r.extraNonce1(), ev.Time))
		}

	case stratum.EventDisconnected:
		if r.store != nil {
			reason := "closed"
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			r.check(ev, r.store.RecordDisconnected(ctx, ev.Pool, r.identity, reason, ev.Time))
		}

	case stratum.EventStateChanged:
		if r.store != nil {
			r.store.RecordState(ctx, ev.Pool, r.identity, ev.State.String(), ev.Time)
		}
		if r.pub != nil {
			reason := ""
			if ev.Err != nil {
				reason = ev.Err.Error()
			}
			msg, err := messaging.StateStruct(r.identity, ev.Pool, ev.PrevState.String(), ev.State.String(), reason)
			if err == nil {
				err = r.pub.PublishProto(ctx, messaging.TopicState, r.identity, msg, ev.Time)
			}
			r.check(ev, err)
		}

	case stratum.EventNewJob:
		if ev.Job == nil {
			return
		}
		msg := jobMessage(ev, r.identity)
		if r.store != nil {
			r.store.RecordJob(ctx, r.identity, msg)
		}
		if r.pub != nil {
			r.check(ev, r.pub.PublishJSON(ctx, messaging.TopicJobs, msg.JobID, msg))
		}

	case stratum.EventDifficulty:
		if r.store != nil {
			r.store.RecordDifficulty(ev.Pool, r.identity, ev.Difficulty)
		}

	case stratum.EventHashrate:
		if r.store != nil {
			r.store.RecordHashrate(ctx, r.identity, ev.Hashrate, r.workers, ev.Time)
		}
		if r.pub != nil {
			msg, err := messaging.HashrateStruct(r.identity, ev.Hashrate, r.workers)
			if err == nil {
				err = r.pub.PublishProto(ctx, messaging.TopicHashrate, r.identity, msg, ev.Time)
			}
			r.check(ev, err)
		}

	case stratum.EventShareAccepted, stratum.EventShareRejected:
		if ev.Share == nil {
			return
		}
		if r.store != nil {
			r.check(ev, r.store.RecordShare(ctx, ev.Pool, ledgerShare(ev.Share)))
		}
		if r.pub != nil {
			msg := shareMessage(ev.Pool, ev.Share)
			r.check(ev, r.pub.PublishJSON(ctx, messaging.TopicShares, msg.ShareID, msg))
			if msg.BlockCandidate {
				r.check(ev, r.pub.PublishJSON(ctx, messaging.TopicBlocks, msg.ShareID, msg))
			}
		}
	}
}

func (r *recorder) check(ev stratum.Event, err error) {
	if err != nil {
		r.logger.WithError(err).Warn("failed to record event", "event", string(ev.Type))
	}
}

func jobMessage(ev stratum.Event, identity string) *messaging.JobMessage {
	j := ev.Job
	return &messaging.JobMessage{
		JobID:        j.JobID,
		Pool:         ev.Pool,
		Identity:     identity,
		PrevHash:     j.PrevHash,
		Coinb1:       j.Coinb1,
		Coinb2:       j.Coinb2,
		MerkleBranch: j.MerkleBranch,
		Version:      j.Version,
		NBits:        j.NBits,
		NTime:        j.NTime,
		CleanJobs:    j.CleanJobs,
		ReceivedAt:   j.ReceivedAt,
	}
}

func shareMessage(pool string, s *stratum.ShareRecord) *messaging.ShareMessage {
	return &messaging.ShareMessage{
		ShareID:        s.ID,
		JobID:          s.JobID,
		Pool:           pool,
		Identity:       s.Identity,
		ExtraNonce2:    s.ExtraNonce2,
		Ntime:          s.NTime,
		Nonce:          s.Nonce,
		Hash:           s.Hash,
		Difficulty:     s.Difficulty,
		HashDifficulty: s.HashDifficulty,
		BlockCandidate: s.BlockCandidate,
		Status:         string(s.Status),
		ErrorCode:      s.ErrorCode,
		ErrorMessage:   s.Error,
		SubmittedAt:    s.SubmittedAt,
		LatencyMs:      float64(s.Latency) / float64(time.Millisecond),
	}
}

func ledgerShare(s *stratum.ShareRecord) *postgres.Share {
	return &postgres.Share{
		ID:             s.ID,
		Identity:       s.Identity,
		JobID:          s.JobID,
		ExtraNonce2:    s.ExtraNonce2,
		NTime:          s.NTime,
		Nonce:          s.Nonce,
		Hash:           s.Hash,
		Difficulty:     s.Difficulty,
		HashDifficulty: s.HashDifficulty,
		BlockCandidate: s.BlockCandidate,
		Status:         string(s.Status),
		ErrorCode:      s.ErrorCode,
		Error:          s.Error,
		SubmittedAt:    s.SubmittedAt,
		LatencyMS:      float64(s.Latency) / float64(time.Millisecond),
	}
}
