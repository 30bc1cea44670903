package sink

import (
	"encoding/json"
	"strconv"

	"github.com/DonTee-Why/logstack/internal/model"
)

// Batcher accumulates NormalizedRecords into Loki-shaped pushes,
// coalescing records into streams keyed by exact label-set equality
// and flushing whenever the configured per-push limits would
// otherwise be exceeded.
type Batcher struct {
	maxValues int
	maxBytes  int

	streams   map[string]*Stream
	order     []string
	valueN    int
	byteN     int
}

// NewBatcher builds a Batcher enforcing maxValues total log lines and
// maxBytes estimated payload size per flushed Push.
func NewBatcher(maxValues, maxBytes int) *Batcher {
	return &Batcher{
		maxValues: maxValues,
		maxBytes:  maxBytes,
		streams:   make(map[string]*Stream),
	}
}

// Add appends one record, returning a completed Push if adding it
// would exceed a limit — in which case the record is buffered into the
// (now-empty) next batch instead of being dropped.
func (b *Batcher) Add(rec model.NormalizedRecord) (Push, bool) {
	line, err := json.Marshal(rec.Line)
	if err != nil {
		line = []byte(`{}`)
	}
	// Uses the server's receipt time rather than the entry's own
	// client-supplied timestamp: ingest_time is monotonically
	// non-decreasing across a tenant's batches, which keeps values
	// within a stream in ascending order without having to sort or
	// reject out-of-order client timestamps.
	ts := strconv.FormatInt(rec.IngestTime.UnixNano(), 10)
	key := StreamKey(rec.Labels)

	entryBytes := len(line) + len(ts) + 8
	var flushed Push
	didFlush := false
	if b.valueN > 0 && (b.valueN+1 > b.maxValues || b.byteN+entryBytes > b.maxBytes) {
		flushed = b.drain()
		didFlush = true
	}

	s, ok := b.streams[key]
	if !ok {
		s = &Stream{Labels: rec.Labels}
		b.streams[key] = s
		b.order = append(b.order, key)
	}
	s.Values = append(s.Values, [2]string{ts, string(line)})
	b.valueN++
	b.byteN += entryBytes

	return flushed, didFlush
}

// Flush returns whatever is currently buffered as a final Push, or
// (Push{}, false) if nothing is pending.
func (b *Batcher) Flush() (Push, bool) {
	if b.valueN == 0 {
		return Push{}, false
	}
	return b.drain(), true
}

func (b *Batcher) drain() Push {
	streams := make([]Stream, 0, len(b.order))
	for _, key := range b.order {
		streams = append(streams, *b.streams[key])
	}
	b.streams = make(map[string]*Stream)
	b.order = nil
	b.valueN = 0
	b.byteN = 0
	return Push{Streams: streams}
}
