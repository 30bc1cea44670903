package wal

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/metrics"
	"github.com/DonTee-Why/logstack/internal/model"
)

// SegmentHandle identifies one sealed (or, transiently, active) segment
// file on disk. Token holds the tenant id (the hex token hash), never
// the raw bearer token. Created is the segment's creation instant
// (from its header), used to enforce the tenant's WAL age quota
// without needing per-record timestamps.
type SegmentHandle struct {
	Token   string
	Seq     uint64
	Path    string
	Size    int64
	Created time.Time
}

// Ack is returned by Append on durable success.
type Ack struct {
	SegmentSeq  uint64
	FirstOffset int
	Count       int
}

// QuotaState is returned by QuotaState.
type QuotaState struct {
	Bytes int64
	Age   time.Duration
	Ratio float64
}

// AppendOutcome distinguishes durable success from the two
// backpressure kinds callers must turn into distinct 429s.
type AppendOutcome int

const (
	OutcomeOK AppendOutcome = iota
	OutcomeQuotaSoft
	OutcomeQuotaHard
)

// tenantState is the mutable, per-tenant record the manager keeps in
// memory. All access goes through the per-tenant mutex: writers
// serialize on it, and the forwarder only ever reads sealed segments,
// taking the mutex just long enough to list or delete them.
type tenantState struct {
	mu sync.Mutex

	token     string
	tokenHash uint64
	dir       string

	activeSeq     uint64
	activeFile    *os.File
	activeWriter  *bufio.Writer
	activeCreated time.Time
	activeWrite   time.Time
	activeSize    int64
	activeCount   int

	sealed           []SegmentHandle
	bytesOnDisk      int64
	oldestRecordTime time.Time
	nextSeq          uint64
}

// Manager is the WAL manager: per-tenant segment directories, writes,
// rotation, quota, checksum, and crash recovery.
type Manager struct {
	root string
	cfg  config.WALConfig
	log  zerolog.Logger

	diskFreeRatio func() (float64, error)
	onSeal        func(token string)
	metrics       *metrics.Registry

	// tenants is keyed by the tenant id (tokenSafeName(token), the hex
	// token hash), never by the raw bearer token: disk only ever stores
	// the hash, so this is the one identity a recovered segment set and
	// a live request can both resolve to without exchanging secrets.
	mu      sync.RWMutex
	tenants map[string]*tenantState

	quotaEvicted map[string]int64
	statsMu      sync.Mutex
}

// New builds a Manager rooted at cfg.RootPath. diskFreeRatio reports
// the fraction of free disk space on the WAL volume, used for hard
// quota enforcement; pass nil to always report 1.0 (used by tests).
func New(cfg config.WALConfig, log zerolog.Logger, diskFreeRatio func() (float64, error)) *Manager {
	if diskFreeRatio == nil {
		diskFreeRatio = func() (float64, error) { return 1.0, nil }
	}
	return &Manager{
		root:          cfg.RootPath,
		cfg:           cfg,
		log:           log,
		diskFreeRatio: diskFreeRatio,
		tenants:       make(map[string]*tenantState),
		quotaEvicted:  make(map[string]int64),
	}
}

// OnSeal registers a callback invoked (outside any lock) whenever a
// segment is sealed, so the forwarder can wake a parked tenant loop.
func (m *Manager) OnSeal(fn func(token string)) { m.onSeal = fn }

// SetMetrics attaches a metrics registry; segment lifecycle and quota
// events are counted/gauged through it once set.
func (m *Manager) SetMetrics(reg *metrics.Registry) { m.metrics = reg }

// noteCorrupt counts a segment discarded for genuine corruption (an
// unreadable header, or a magic, version or token-hash mismatch). A
// torn tail from an unclean shutdown is not corruption and must never
// call this.
func (m *Manager) noteCorrupt(token string) {
	if m.metrics != nil {
		m.metrics.IncCounter("segments_corrupt_total", map[string]string{"token": token}, 1)
	}
}

func (m *Manager) tenantDir(id string) string {
	return filepath.Join(m.root, id)
}

// tenant resolves the raw bearer token to its tenant state, creating
// the on-disk directory on first use. This is the only entry point
// that ever sees the raw token; everywhere else in the manager (and in
// the forwarder and admin surface) identifies a tenant by id, the hex
// token hash also used as its directory name.
func (m *Manager) tenant(token string) (*tenantState, error) {
	id := tokenSafeName(token)
	m.mu.RLock()
	ts, ok := m.tenants[id]
	m.mu.RUnlock()
	if ok {
		return ts, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.tenants[id]; ok {
		return ts, nil
	}

	dir := m.tenantDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir tenant dir: %w", err)
	}
	ts = &tenantState{
		token:     id,
		tokenHash: tokenHash64(token),
		dir:       dir,
		nextSeq:   1,
	}
	m.tenants[id] = ts
	return ts, nil
}

// tenantByID looks up tenant state by id (as returned by ListTenants
// or embedded in a SegmentHandle), without needing the raw token. It
// never creates a tenant: an unknown id is an error, since ids only
// ever come from a manager that has already seen that tenant.
func (m *Manager) tenantByID(id string) (*tenantState, error) {
	m.mu.RLock()
	ts, ok := m.tenants[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("wal: unknown tenant %q", id)
	}
	return ts, nil
}

// Append synchronously writes records to token's active segment,
// rotating first if needed, and returns only after the write and the
// segment's updated tail have been fsync'd.
func (m *Manager) Append(token string, records []model.NormalizedRecord) (Ack, AppendOutcome, error) {
	if len(records) == 0 {
		return Ack{}, OutcomeOK, fmt.Errorf("wal: empty record set")
	}
	start := time.Now()
	defer func() {
		if m.metrics != nil {
			m.metrics.ObserveHistogram("wal_append_duration_seconds", nil, time.Since(start).Seconds())
		}
	}()

	ts, err := m.tenant(token)
	if err != nil {
		return Ack{}, OutcomeOK, err
	}

	payloads := make([][]byte, len(records))
	writeSize := 0
	for i, rec := range records {
		p, err := encodeRecord(rec)
		if err != nil {
			return Ack{}, OutcomeOK, fmt.Errorf("wal: encode record: %w", err)
		}
		payloads[i] = p
		writeSize += 8 + len(p)
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	outcome, err := m.checkQuota(ts, int64(writeSize))
	if err != nil {
		return Ack{}, outcome, err
	}
	if outcome != OutcomeOK {
		return Ack{}, outcome, nil
	}

	if err := m.ensureActive(ts); err != nil {
		return Ack{}, OutcomeOK, err
	}
	if ts.activeSize+int64(writeSize) > m.cfg.SegmentMaxBytes {
		if err := m.rotateLocked(ts); err != nil {
			return Ack{}, OutcomeOK, err
		}
		if err := m.ensureActive(ts); err != nil {
			return Ack{}, OutcomeOK, err
		}
	}

	firstOffset := ts.activeCount
	for _, p := range payloads {
		n, err := writeFrame(ts.activeWriter, p)
		if err != nil {
			return Ack{}, OutcomeOK, fmt.Errorf("wal: write frame: %w", err)
		}
		ts.activeSize += int64(n)
	}
	if err := ts.activeWriter.Flush(); err != nil {
		return Ack{}, OutcomeOK, fmt.Errorf("wal: flush: %w", err)
	}
	if err := ts.activeFile.Sync(); err != nil {
		return Ack{}, OutcomeOK, fmt.Errorf("wal: fsync: %w", err)
	}

	ts.activeCount += len(records)
	ts.activeWrite = time.Now()
	ts.bytesOnDisk += int64(writeSize)
	if ts.oldestRecordTime.IsZero() {
		ts.oldestRecordTime = records[0].IngestTime
	}

	seq := ts.activeSeq
	if m.evaluateRotation(ts) {
		if err := m.rotateLocked(ts); err != nil {
			m.log.Warn().Err(err).Str("token_hash", tokenSafeName(token)).Msg("wal: rotation after append failed")
		}
	}

	return Ack{SegmentSeq: seq, FirstOffset: firstOffset, Count: len(records)}, OutcomeOK, nil
}

// checkQuota implements quota enforcement, evaluated before the
// write. Hard quota (disk_free_ratio too low) is checked globally and
// fails the write for every tenant, without evicting anything; the
// age quota (oldest sealed segment older than
// token_wal_quota_age_hours) evicts just the segments that have aged
// out; soft quota (this tenant's post-write bytes above 80% of its
// byte budget) fails only this tenant's request, except that at or
// above 100% the oldest sealed segments are evicted and the write
// goes ahead.
func (m *Manager) checkQuota(ts *tenantState, writeSize int64) (AppendOutcome, error) {
	ratio, err := m.diskFreeRatio()
	if err != nil {
		return OutcomeOK, fmt.Errorf("wal: disk free ratio: %w", err)
	}
	if m.metrics != nil {
		m.metrics.SetGauge("disk_free_ratio", nil, ratio)
	}
	if ratio < m.cfg.DiskFreeMinRatio {
		return OutcomeQuotaHard, nil
	}

	if m.cfg.TokenWALQuotaAgeHours > 0 {
		maxAge := time.Duration(m.cfg.TokenWALQuotaAgeHours) * time.Hour
		m.evictAgedSealedLocked(ts, maxAge)
	}

	postWrite := ts.bytesOnDisk + writeSize
	if float64(postWrite) > 0.8*float64(m.cfg.TokenWALQuotaBytes) {
		if postWrite >= m.cfg.TokenWALQuotaBytes {
			m.evictOldestSealedLocked(ts)
		} else {
			return OutcomeQuotaSoft, nil
		}
	}
	return OutcomeOK, nil
}

// removeOldestSealedLocked deletes the oldest sealed segment (index 0)
// and updates bookkeeping. Returns false if there was nothing to
// remove or the removal failed.
func (m *Manager) removeOldestSealedLocked(ts *tenantState) bool {
	if len(ts.sealed) == 0 {
		return false
	}
	oldest := ts.sealed[0]
	if err := os.Remove(oldest.Path); err != nil && !os.IsNotExist(err) {
		m.log.Warn().Err(err).Str("path", oldest.Path).Msg("wal: quota eviction remove failed")
		return false
	}
	ts.bytesOnDisk -= oldest.Size
	ts.sealed = ts.sealed[1:]
	m.statsMu.Lock()
	m.quotaEvicted[ts.token]++
	m.statsMu.Unlock()
	if m.metrics != nil {
		m.metrics.IncCounter("quota_evicted_total", map[string]string{"token": ts.token}, 1)
	}
	return true
}

// evictOldestSealedLocked deletes the oldest sealed segments until the
// tenant is back under its byte quota; this is one of the two paths by
// which unforwarded data is lost.
func (m *Manager) evictOldestSealedLocked(ts *tenantState) {
	for ts.bytesOnDisk >= m.cfg.TokenWALQuotaBytes && len(ts.sealed) > 0 {
		if !m.removeOldestSealedLocked(ts) {
			break
		}
	}
	if len(ts.sealed) > 0 {
		ts.oldestRecordTime = time.Time{} // unknown after eviction; refreshed on next read
	}
}

// evictAgedSealedLocked deletes sealed segments, oldest first, as long
// as the oldest remaining one was created more than maxAge ago; this
// is the other path by which unforwarded data is lost.
func (m *Manager) evictAgedSealedLocked(ts *tenantState, maxAge time.Duration) {
	now := time.Now()
	for len(ts.sealed) > 0 && now.Sub(ts.sealed[0].Created) > maxAge {
		if !m.removeOldestSealedLocked(ts) {
			break
		}
	}
	if len(ts.sealed) > 0 {
		ts.oldestRecordTime = time.Time{}
	}
}

// ensureActive lazily creates the active segment file if none is open.
func (m *Manager) ensureActive(ts *tenantState) error {
	if ts.activeFile != nil {
		return nil
	}
	seq := ts.nextSeq
	path := segmentPath(ts.dir, seq)
	f, err := openSegmentFile(path)
	if err != nil {
		return fmt.Errorf("wal: open segment: %w", err)
	}
	header := segmentHeader{
		Magic:         headerMagic,
		Version:       headerVersion,
		TokenHash:     ts.tokenHash,
		CreatedUnixMs: uint64(time.Now().UnixMilli()),
	}
	if _, err := f.Write(header.encode()); err != nil {
		f.Close()
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("wal: fsync header: %w", err)
	}
	ts.activeSeq = seq
	ts.activeFile = f
	ts.activeWriter = bufio.NewWriter(f)
	ts.activeCreated = time.Now()
	ts.activeWrite = ts.activeCreated
	ts.activeSize = headerSize
	ts.activeCount = 0
	ts.nextSeq = seq + 1
	return nil
}

// evaluateRotation runs the adaptive rotation decision tree against
// the current active segment.
func (m *Manager) evaluateRotation(ts *tenantState) bool {
	if ts.activeFile == nil {
		return false
	}
	now := time.Now()
	return shouldRotate(rotationInput{
		size:             ts.activeSize,
		age:              now.Sub(ts.activeCreated),
		timeSinceWrite:   now.Sub(ts.activeWrite),
		segmentMaxBytes:  m.cfg.SegmentMaxBytes,
		minRotationBytes: m.cfg.MinRotationBytes,
		idleThreshold:    time.Duration(m.cfg.IdleThresholdMinutes) * time.Minute,
		activeRotateAge:  time.Duration(m.cfg.RotationTimeActiveMinutes) * time.Minute,
		idleRotateAge:    time.Duration(m.cfg.RotationTimeIdleHours) * time.Hour,
		forceRotateAge:   time.Duration(m.cfg.ForceRotationHours) * time.Hour,
	})
}

// rotateLocked seals the active segment (writes the optional rotation
// sentinel, flushes, fsyncs, closes) and appends it to the sealed
// list. Caller must hold ts.mu.
func (m *Manager) rotateLocked(ts *tenantState) error {
	if ts.activeFile == nil {
		return nil
	}
	if _, err := writeRotationSentinel(ts.activeWriter); err != nil {
		return fmt.Errorf("wal: write rotation sentinel: %w", err)
	}
	if err := ts.activeWriter.Flush(); err != nil {
		return fmt.Errorf("wal: flush on rotate: %w", err)
	}
	if err := ts.activeFile.Sync(); err != nil {
		return fmt.Errorf("wal: fsync on rotate: %w", err)
	}
	size := ts.activeSize + 8
	path := ts.activeFile.Name()
	if err := ts.activeFile.Close(); err != nil {
		return fmt.Errorf("wal: close on rotate: %w", err)
	}

	handle := SegmentHandle{Token: ts.token, Seq: ts.activeSeq, Path: path, Size: size, Created: ts.activeCreated}
	ts.sealed = append(ts.sealed, handle)

	ts.activeFile = nil
	ts.activeWriter = nil
	ts.activeSize = 0
	ts.activeCount = 0

	if m.metrics != nil {
		m.metrics.IncCounter("wal_segments_created_total", map[string]string{"token": ts.token, "reason": "rotate"}, 1)
		m.metrics.ObserveHistogram("segment_size_bytes", nil, float64(size))
		m.metrics.SetGauge("wal_segments_active", map[string]string{"token": ts.token}, 0)
		m.metrics.SetGauge("wal_disk_usage_bytes", map[string]string{"token": ts.token}, float64(ts.bytesOnDisk))
	}

	token := ts.token
	if m.onSeal != nil {
		go m.onSeal(token)
	}
	return nil
}

// Seal forces rotation of the tenant id's active segment if it is
// non-empty, or unconditionally when force is true.
func (m *Manager) Seal(id string, force bool) (*SegmentHandle, error) {
	ts, err := m.tenantByID(id)
	if err != nil {
		return nil, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.activeFile == nil {
		return nil, nil
	}
	if ts.activeSize <= headerSize && !force {
		return nil, nil
	}
	if err := m.rotateLocked(ts); err != nil {
		return nil, err
	}
	h := ts.sealed[len(ts.sealed)-1]
	return &h, nil
}

// ListSealed returns the tenant id's sealed segments, oldest first.
func (m *Manager) ListSealed(id string) []SegmentHandle {
	ts, err := m.tenantByID(id)
	if err != nil {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]SegmentHandle, len(ts.sealed))
	copy(out, ts.sealed)
	return out
}

// ListTenants returns every tenant id currently known to the manager
// (for the forwarder's round-robin scheduler and admin status).
func (m *Manager) ListTenants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.tenants))
	for tok := range m.tenants {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Delete removes a sealed segment's file and its bookkeeping entry.
// Idempotent: removing an already-gone segment is not an error.
func (m *Manager) Delete(handle SegmentHandle) error {
	ts, err := m.tenantByID(handle.Token)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if err := os.Remove(handle.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: delete segment: %w", err)
	}
	for i, h := range ts.sealed {
		if h.Seq == handle.Seq {
			ts.sealed = append(ts.sealed[:i], ts.sealed[i+1:]...)
			ts.bytesOnDisk -= h.Size
			break
		}
	}
	if ts.bytesOnDisk < 0 {
		ts.bytesOnDisk = 0
	}
	return nil
}

// QuotaState reports the tenant id's current byte usage, oldest-record
// age, and usage ratio against its configured quota.
func (m *Manager) QuotaState(id string) QuotaState {
	ts, err := m.tenantByID(id)
	if err != nil {
		return QuotaState{}
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()

	var age time.Duration
	if !ts.oldestRecordTime.IsZero() {
		age = time.Since(ts.oldestRecordTime)
	}
	ratio := float64(0)
	if m.cfg.TokenWALQuotaBytes > 0 {
		ratio = float64(ts.bytesOnDisk) / float64(m.cfg.TokenWALQuotaBytes)
	}
	return QuotaState{Bytes: ts.bytesOnDisk, Age: age, Ratio: ratio}
}

// QuotaEvictedCount reports how many sealed segments have been evicted
// for the tenant id by the byte or age quota (quota_evicted_total).
func (m *Manager) QuotaEvictedCount(token string) int64 {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.quotaEvicted[token]
}

func segmentPath(dir string, seq uint64) string {
	return filepath.Join(dir, fmt.Sprintf("segment_%010d.wal", seq))
}

// parseSegmentSeq extracts the sequence number from a segment_%010d.wal
// filename, used by Recover to rebuild nextSeq.
func parseSegmentSeq(name string) (uint64, bool) {
	if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".wal") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".wal")
	seq, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}
