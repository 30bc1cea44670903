// Package admission orchestrates the request-scoped path a batch
// takes before it lands in the WAL: authenticate, rate-limit, parse &
// validate, mask, then append.
package admission

import (
	"time"

	"github.com/DonTee-Why/logstack/internal/apperr"
	"github.com/DonTee-Why/logstack/internal/authn"
	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/dedupe"
	"github.com/DonTee-Why/logstack/internal/jsonval"
	"github.com/DonTee-Why/logstack/internal/mask"
	"github.com/DonTee-Why/logstack/internal/metrics"
	"github.com/DonTee-Why/logstack/internal/model"
	"github.com/DonTee-Why/logstack/internal/ratelimit"
	"github.com/DonTee-Why/logstack/internal/validate"
	"github.com/DonTee-Why/logstack/internal/wal"
)

// Result is what a successful Ingest call returns, and what gets
// stashed in the dedupe cache for replay.
type Result struct {
	Accepted   int
	SegmentSeq uint64
}

// Pipeline wires authentication, rate limiting, validation, masking,
// and WAL append into the one call the HTTP layer makes per ingest
// request.
type Pipeline struct {
	tokens   *authn.Registry
	limiter  *ratelimit.Limiter
	masker   *mask.Engine
	walMgr   *wal.Manager
	dedupe   *dedupe.Cache
	metrics  *metrics.Registry
	cfgStore *config.Store
}

// New builds a Pipeline from its collaborators.
func New(tokens *authn.Registry, limiter *ratelimit.Limiter, masker *mask.Engine, walMgr *wal.Manager, dedup *dedupe.Cache, reg *metrics.Registry, cfgStore *config.Store) *Pipeline {
	return &Pipeline{
		tokens:   tokens,
		limiter:  limiter,
		masker:   masker,
		walMgr:   walMgr,
		dedupe:   dedup,
		metrics:  reg,
		cfgStore: cfgStore,
	}
}

// Admit authenticates token and applies rate limiting. Callers must
// run this before reading the request body, so a caller that fails
// authentication or is rate-limited never has its body consumed.
func (p *Pipeline) Admit(token string) (authn.TokenInfo, *apperr.Error) {
	info, ok := p.tokens.Lookup(token)
	if !ok {
		return authn.TokenInfo{}, apperr.New(apperr.KindUnauthenticated, "unknown or inactive token")
	}
	if !p.limiter.Allow(token, info.Overrides) {
		p.metrics.IncCounter("rate_limit_exceeded_total", map[string]string{"token": info.Name}, 1)
		return authn.TokenInfo{}, apperr.New(apperr.KindRateLimited, "rate limit exceeded")
	}
	return info, nil
}

// Ingest runs the rest of the admission sequence for one batch, given
// a token already authenticated and rate-limited by Admit.
// requestReceived is the HTTP receipt timestamp, stamped as
// ingest_time for every record in the batch.
func (p *Pipeline) Ingest(token string, info authn.TokenInfo, idempotencyKey string, body []byte, requestReceived time.Time) (Result, *apperr.Error) {
	if cached, hit := p.dedupe.Lookup(token, idempotencyKey); hit {
		if r, ok := cached.(Result); ok {
			return r, nil
		}
	}

	batch, err := validate.ParseBatch(body)
	if err != nil {
		p.countRejection(info.Name, err)
		return Result{}, err.(*apperr.Error)
	}

	records, err := validate.Normalize(batch, requestReceived)
	if err != nil {
		p.countRejection(info.Name, err)
		return Result{}, err.(*apperr.Error)
	}

	for i := range records {
		p.maskRecord(&records[i], info.Overrides.ExtraMaskKeys)
	}

	ack, outcome, appendErr := p.walMgr.Append(token, records)
	if appendErr != nil {
		return Result{}, apperr.Newf(apperr.KindInternal, "wal append failed: %v", appendErr)
	}
	switch outcome {
	case wal.OutcomeQuotaSoft:
		return Result{}, apperr.New(apperr.KindQuotaSoft, "tenant WAL quota nearly exhausted")
	case wal.OutcomeQuotaHard:
		return Result{}, apperr.New(apperr.KindQuotaHard, "disk free ratio below minimum")
	}

	p.metrics.IncCounter("logs_ingested_total", map[string]string{"token": info.Name}, float64(len(records)))
	p.metrics.ObserveHistogram("batch_size_entries", nil, float64(len(records)))

	result := Result{Accepted: ack.Count, SegmentSeq: ack.SegmentSeq}
	p.dedupe.Store(token, idempotencyKey, result)
	return result, nil
}

func (p *Pipeline) countRejection(tokenName string, err error) {
	reason := "unknown"
	if ae, ok := err.(*apperr.Error); ok {
		reason = string(ae.Kind)
	}
	p.metrics.IncCounter("logs_rejected_total", map[string]string{"token": tokenName, "reason": reason}, 1)
}

// maskRecord masks a record's message and metadata fields in place,
// falling back to baseline-only masking (and counting
// masking_errors_total) if the token's overrides misbehave.
func (p *Pipeline) maskRecord(rec *model.NormalizedRecord, extraKeys []string) {
	if rec.Line.Kind != jsonval.KindObject {
		return
	}
	message := rec.Line.Obj["message"]
	metadata, hasMetadata := rec.Line.Obj["metadata"]
	if !hasMetadata {
		metadata = jsonval.NewObject()
	}

	stats := p.masker.ApplySafe(&message, &metadata, extraKeys)
	if stats.FellBack {
		p.metrics.IncCounter("masking_errors_total", nil, 1)
	}

	rec.Line.Set("message", message)
	if hasMetadata {
		rec.Line.Set("metadata", metadata)
	}
}
