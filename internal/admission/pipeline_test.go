package admission

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/DonTee-Why/logstack/internal/apperr"
	"github.com/DonTee-Why/logstack/internal/authn"
	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/dedupe"
	"github.com/DonTee-Why/logstack/internal/mask"
	"github.com/DonTee-Why/logstack/internal/metrics"
	"github.com/DonTee-Why/logstack/internal/ratelimit"
	"github.com/DonTee-Why/logstack/internal/wal"
)

func newTestPipeline(t *testing.T, apiKeys []config.APIKeyConfig, maskCfg config.MaskingConfig) (*Pipeline, *wal.Manager) {
	t.Helper()
	tokens := authn.NewRegistry(apiKeys)
	limiter := ratelimit.New(1000, 1000)
	reg := metrics.New()
	masker := mask.New(maskCfg, func() { reg.IncCounter("masking_errors_total", nil, 1) })
	walMgr := wal.New(config.WALConfig{
		RootPath:              t.TempDir(),
		SegmentMaxBytes:       1 << 20,
		TokenWALQuotaBytes:    1 << 20,
		TokenWALQuotaAgeHours: 24,
		DiskFreeMinRatio:      0.0,
		MinRotationBytes:      1 << 16,
		ForceRotationHours:    6,
	}, zerolog.Nop(), nil)
	cfgStore := config.NewStore(&config.Config{})
	dedupeCache := dedupe.New()
	return New(tokens, limiter, masker, walMgr, dedupeCache, reg, cfgStore), walMgr
}

func validBody(service, message string) []byte {
	ts := time.Now().UTC().Format(time.RFC3339)
	return []byte(fmt.Sprintf(`{"entries":[{"timestamp":%q,"level":"info","message":%q,"service":%q,"env":"prod"}]}`, ts, message, service))
}

// doIngest mirrors the HTTP handler's Admit-then-Ingest sequence.
func doIngest(p *Pipeline, token, idempotencyKey string, body []byte, received time.Time) (Result, *apperr.Error) {
	info, aerr := p.Admit(token)
	if aerr != nil {
		return Result{}, aerr
	}
	return p.Ingest(token, info, idempotencyKey, body, received)
}

func TestIngestHappyPathAppendsToWAL(t *testing.T) {
	p, _ := newTestPipeline(t, []config.APIKeyConfig{{Token: "tok-1", Name: "team-a"}}, config.MaskingConfig{})
	result, appErr := doIngest(p, "tok-1", "", validBody("api", "hello world"), time.Now())
	if appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}
	if result.Accepted != 1 {
		t.Fatalf("expected 1 accepted record, got %d", result.Accepted)
	}
}

func TestIngestRejectsUnknownToken(t *testing.T) {
	p, _ := newTestPipeline(t, nil, config.MaskingConfig{})
	_, appErr := doIngest(p, "no-such-token", "", validBody("api", "hi"), time.Now())
	if appErr == nil {
		t.Fatal("expected an error for an unknown token")
	}
	if appErr.Kind != "UNAUTHENTICATED" {
		t.Fatalf("expected UNAUTHENTICATED, got %v", appErr.Kind)
	}
}

func TestIngestMasksConfiguredBaselineKeys(t *testing.T) {
	maskCfg := config.MaskingConfig{BaselineKeys: []string{"password"}}
	p, walMgr := newTestPipeline(t, []config.APIKeyConfig{{Token: "tok-1", Name: "team-a"}}, maskCfg)

	ts := time.Now().UTC().Format(time.RFC3339)
	body := []byte(fmt.Sprintf(`{"entries":[{"timestamp":%q,"level":"info","message":"login","service":"api","env":"prod","metadata":{"password":"hunter2"}}]}`, ts))
	result, appErr := doIngest(p, "tok-1", "", body, time.Now())
	if appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}

	id := wal.TenantID("tok-1")
	handle, err := walMgr.Seal(id, true)
	if err != nil || handle == nil {
		t.Fatalf("seal: handle=%v err=%v", handle, err)
	}
	reader, err := walMgr.OpenReader(*handle)
	if err != nil {
		t.Fatalf("open reader: %v", err)
	}
	defer reader.Close()
	rec, err := reader.Next()
	if err != nil {
		t.Fatalf("reader.Next: %v", err)
	}
	metadata, ok := rec.Line.Obj["metadata"]
	if !ok {
		t.Fatal("expected metadata to be preserved on the stored record")
	}
	pw, _ := metadata.Obj["password"].IsString()
	if pw == "hunter2" {
		t.Fatal("expected password to be masked before it reached the WAL")
	}
	if result.Accepted != 1 {
		t.Fatalf("expected 1 accepted record, got %d", result.Accepted)
	}
}

func TestIngestReturnsRateLimitedWhenBucketExhausted(t *testing.T) {
	tokens := authn.NewRegistry([]config.APIKeyConfig{{Token: "tok-1", Name: "team-a"}})
	limiter := ratelimit.New(0, 1) // burst of exactly 1, no refill
	reg := metrics.New()
	masker := mask.New(config.MaskingConfig{}, nil)
	walMgr := wal.New(config.WALConfig{
		RootPath:              t.TempDir(),
		SegmentMaxBytes:       1 << 20,
		TokenWALQuotaBytes:    1 << 20,
		TokenWALQuotaAgeHours: 24,
		MinRotationBytes:      1 << 16,
		ForceRotationHours:    6,
	}, zerolog.Nop(), nil)
	p := New(tokens, limiter, masker, walMgr, dedupe.New(), reg, config.NewStore(&config.Config{}))

	if _, appErr := doIngest(p, "tok-1", "", validBody("api", "one"), time.Now()); appErr != nil {
		t.Fatalf("expected the first request to succeed, got %v", appErr)
	}
	_, appErr := doIngest(p, "tok-1", "", validBody("api", "two"), time.Now())
	if appErr == nil || appErr.Kind != "RATE_LIMITED" {
		t.Fatalf("expected RATE_LIMITED on the second request, got %v", appErr)
	}
}

func TestIngestReturnsQuotaSoftNearTenantLimit(t *testing.T) {
	tokens := authn.NewRegistry([]config.APIKeyConfig{{Token: "tok-1", Name: "team-a"}})
	limiter := ratelimit.New(1000, 1000)
	reg := metrics.New()
	masker := mask.New(config.MaskingConfig{}, nil)
	walMgr := wal.New(config.WALConfig{
		RootPath:              t.TempDir(),
		SegmentMaxBytes:       1 << 20,
		TokenWALQuotaBytes:    2000, // small enough to be crossed by a handful of small batches
		TokenWALQuotaAgeHours: 24,
		MinRotationBytes:      1 << 16,
		ForceRotationHours:    6,
	}, zerolog.Nop(), nil)
	p := New(tokens, limiter, masker, walMgr, dedupe.New(), reg, config.NewStore(&config.Config{}))

	const maxAttempts = 50
	hitSoft := false
	for i := 0; i < maxAttempts; i++ {
		_, appErr := doIngest(p, "tok-1", "", validBody("api", "hello world"), time.Now())
		if appErr == nil {
			continue
		}
		if appErr.Kind == "QUOTA_SOFT" {
			hitSoft = true
			break
		}
		t.Fatalf("unexpected error on attempt %d: %v", i, appErr)
	}
	if !hitSoft {
		t.Fatalf("expected QUOTA_SOFT within %d appends against a %d byte quota", maxAttempts, 2000)
	}
}

func TestIngestReplaysDedupedResult(t *testing.T) {
	p, _ := newTestPipeline(t, []config.APIKeyConfig{{Token: "tok-1", Name: "team-a"}}, config.MaskingConfig{})
	body := validBody("api", "hello")
	first, appErr := doIngest(p, "tok-1", "req-1", body, time.Now())
	if appErr != nil {
		t.Fatalf("unexpected error: %v", appErr)
	}
	second, appErr := doIngest(p, "tok-1", "req-1", []byte(`{"entries":[]}`), time.Now())
	if appErr != nil {
		t.Fatalf("unexpected error on replay: %v", appErr)
	}
	if second != first {
		t.Fatalf("expected the deduped request to replay the original result %+v, got %+v", first, second)
	}
}
