// Package forwarder drains sealed WAL segments to the downstream sink,
// one tenant at a time in round-robin order, with per-tenant
// exponential backoff and parking on repeated failure.
package forwarder

import (
	"context"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/metrics"
	"github.com/DonTee-Why/logstack/internal/sink"
	"github.com/DonTee-Why/logstack/internal/wal"
)

// Phase is a tenant forwarder's state machine position.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseDraining
	PhaseBackoff
	PhaseParked
)

// defaultBackoffSchedule and defaultParkDuration are used when
// loki.backoff_seconds/park_seconds are left unset in config.
var defaultBackoffSchedule = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

const defaultParkDuration = 60 * time.Second
const defaultMaxRetries = 3

// globalTick is how often the scheduler re-scans for sealed segments
// absent any seal notification.
const globalTick = 1 * time.Second

type tenantState struct {
	mu sync.Mutex

	phase       Phase
	backoffN    int
	nextAttempt time.Time

	reader        *wal.RecordIterator
	pendingHandle *wal.SegmentHandle
	batcher       *sink.Batcher
}

// Forwarder is the background worker draining sealed segments to the sink.
type Forwarder struct {
	walMgr  *wal.Manager
	client  *sink.Client
	cfg     config.LokiConfig
	metrics *metrics.Registry
	log     zerolog.Logger

	backoffSchedule []time.Duration
	parkDuration    time.Duration
	maxRetries      int

	wakeCh chan string

	mu    sync.Mutex
	state map[string]*tenantState

	onProgress func(time.Time)
}

// New builds a Forwarder. onProgress, if non-nil, is called every time
// the scheduler completes a full pass, feeding the readiness checker's
// "forwarder made progress" probe. The backoff schedule, park duration,
// and retry count before parking come from cfg (loki.backoff_seconds,
// loki.park_seconds, loki.max_retries), falling back to defaults when
// cfg leaves them unset.
func New(walMgr *wal.Manager, client *sink.Client, cfg config.LokiConfig, reg *metrics.Registry, log zerolog.Logger, onProgress func(time.Time)) *Forwarder {
	backoff := make([]time.Duration, 0, len(cfg.BackoffSeconds))
	for _, s := range cfg.BackoffSeconds {
		if s > 0 {
			backoff = append(backoff, time.Duration(s)*time.Second)
		}
	}
	if len(backoff) == 0 {
		backoff = defaultBackoffSchedule
	}

	park := time.Duration(cfg.ParkSeconds) * time.Second
	if park <= 0 {
		park = defaultParkDuration
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	f := &Forwarder{
		walMgr:          walMgr,
		client:          client,
		cfg:             cfg,
		metrics:         reg,
		log:             log,
		backoffSchedule: backoff,
		parkDuration:    park,
		maxRetries:      maxRetries,
		wakeCh:          make(chan string, 1024),
		state:           make(map[string]*tenantState),
		onProgress:      onProgress,
	}
	walMgr.OnSeal(f.notifySeal)
	return f
}

func (f *Forwarder) notifySeal(token string) {
	select {
	case f.wakeCh <- token:
	default:
	}
}

func (f *Forwarder) tenant(token string) *tenantState {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.state[token]
	if !ok {
		st = &tenantState{phase: PhaseIdle}
		f.state[token] = st
	}
	return st
}

// Run is the scheduler loop. It returns when ctx is canceled, after
// letting any in-flight push finish or hit its timeout: sealed
// segments left on disk are picked up again on the next process start.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(globalTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-f.wakeCh:
		}

		for _, token := range f.walMgr.ListTenants() {
			f.turn(ctx, token)
		}
		if f.onProgress != nil {
			f.onProgress(time.Now())
		}
	}
}

// turn attempts exactly one push for token, honoring fairness (no
// tenant gets more than one push per scheduler pass).
func (f *Forwarder) turn(ctx context.Context, token string) {
	if ctx.Err() != nil {
		return
	}
	st := f.tenant(token)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	if (st.phase == PhaseBackoff || st.phase == PhaseParked) && now.Before(st.nextAttempt) {
		return
	}

	push, isFinal, ok := f.fillPush(token, st)
	if !ok {
		if st.reader == nil {
			st.phase = PhaseIdle
		}
		return
	}

	st.phase = PhaseDraining
	// Only the sink timeout bounds the push, so canceling ctx at shutdown
	// lets a push already under way finish.
	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeoutOrDefault(f.cfg.TimeoutSeconds))
	start := time.Now()
	result, err := f.client.Push(pushCtx, push)
	cancel()
	f.metrics.ObserveHistogram("forwarder_push_duration_seconds", nil, time.Since(start).Seconds())

	if err != nil || result.Outcome == sink.OutcomeTransient {
		// Re-read the segment from its start on the next attempt, so the
		// records of the failed push are sent again rather than skipped.
		if st.reader != nil {
			st.reader.Close()
			st.reader = nil
		}
	}

	if err != nil {
		f.enterBackoff(st)
		return
	}

	switch result.Outcome {
	case sink.OutcomeSuccess:
		st.backoffN = 0
		if isFinal && st.pendingHandle != nil {
			if err := f.walMgr.Delete(*st.pendingHandle); err != nil {
				f.log.Warn().Err(err).Str("path", st.pendingHandle.Path).Msg("forwarder: delete after successful push failed")
			}
			f.metrics.IncCounter("wal_segments_forwarded_total", map[string]string{"token": st.pendingHandle.Token}, 1)
			st.pendingHandle = nil
		}
		st.phase = PhaseDraining
	case sink.OutcomePoison:
		f.metrics.IncCounter("forwarder_poison_total", map[string]string{"token": token}, 1)
		f.abandonCurrentHandle(st)
		st.phase = PhaseIdle
		st.backoffN = 0
	case sink.OutcomeTransient:
		if result.RetryAfter > 0 {
			st.phase = PhaseBackoff
			st.nextAttempt = time.Now().Add(result.RetryAfter)
			return
		}
		f.enterBackoff(st)
	}
}

func (f *Forwarder) enterBackoff(st *tenantState) {
	if st.backoffN < f.maxRetries {
		idx := st.backoffN
		if idx >= len(f.backoffSchedule) {
			idx = len(f.backoffSchedule) - 1
		}
		base := f.backoffSchedule[idx]
		st.backoffN++
		wait := jitter(base)
		st.phase = PhaseBackoff
		st.nextAttempt = time.Now().Add(wait)
		return
	}
	st.phase = PhaseParked
	st.nextAttempt = time.Now().Add(f.parkDuration)
	st.backoffN = 0
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(base)))
}

// abandonCurrentHandle discards whatever the tenant's reader is
// currently pointed at and deletes the underlying segment, used when
// the sink poison-rejects a push: unrecoverable data is dropped, not
// retried.
func (f *Forwarder) abandonCurrentHandle(st *tenantState) {
	if st.reader != nil {
		st.reader.Close()
		st.reader = nil
	}
	if st.pendingHandle != nil {
		f.walMgr.Delete(*st.pendingHandle)
		st.pendingHandle = nil
	}
	st.batcher = nil
}

// fillPush advances token's reader, returning the next push to send
// and whether it is the final push for the segment currently open
// (i.e. the one whose file should be deleted on success).
func (f *Forwarder) fillPush(token string, st *tenantState) (sink.Push, bool, bool) {
	for {
		if st.reader == nil {
			sealed := f.walMgr.ListSealed(token)
			if len(sealed) == 0 {
				return sink.Push{}, false, false
			}
			handle := sealed[0]
			reader, err := f.walMgr.OpenReader(handle)
			if err != nil {
				f.log.Warn().Err(err).Str("path", handle.Path).Msg("forwarder: open reader failed, dropping segment")
				f.walMgr.Delete(handle)
				continue
			}
			st.reader = reader
			st.pendingHandle = &handle
			st.batcher = sink.NewBatcher(f.cfg.MaxValuesPerPush, f.cfg.MaxBytesPerPush)
		}

		rec, err := st.reader.Next()
		if err == io.EOF {
			st.reader.Close()
			st.reader = nil
			if push, ok := st.batcher.Flush(); ok {
				return push, true, true
			}
			// Empty segment: nothing to push, just finish it and loop
			// to look at the next sealed segment within this turn.
			if st.pendingHandle != nil {
				f.walMgr.Delete(*st.pendingHandle)
				st.pendingHandle = nil
			}
			continue
		}
		if err != nil {
			f.log.Warn().Err(err).Msg("forwarder: read error mid-segment, pushing records read so far and dropping the rest")
			st.reader.Close()
			st.reader = nil
			// Records already read before the bad frame are still valid
			// and were never pushed; send them rather than discarding
			// them along with the corrupt tail.
			if push, ok := st.batcher.Flush(); ok {
				return push, true, true
			}
			if st.pendingHandle != nil {
				f.walMgr.Delete(*st.pendingHandle)
				st.pendingHandle = nil
			}
			continue
		}

		if push, flushed := st.batcher.Add(rec); flushed {
			return push, false, true
		}
	}
}

func timeoutOrDefault(seconds int) time.Duration {
	if seconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(seconds) * time.Second
}
