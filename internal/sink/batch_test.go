package sink

import (
	"testing"
	"time"

	"github.com/DonTee-Why/logstack/internal/jsonval"
	"github.com/DonTee-Why/logstack/internal/model"
)

func batchRecord(labels map[string]string, msg string) model.NormalizedRecord {
	line := jsonval.NewObject()
	line.Set("message", jsonval.String(msg))
	return model.NormalizedRecord{
		Labels:     labels,
		Line:       line,
		IngestTime: time.Unix(1700000000, 0).UTC(),
	}
}

func TestBatcherCoalescesSameLabelsIntoOneStream(t *testing.T) {
	b := NewBatcher(100, 1<<20)
	labels := map[string]string{"service": "api", "env": "prod"}
	b.Add(batchRecord(labels, "one"))
	b.Add(batchRecord(labels, "two"))

	push, ok := b.Flush()
	if !ok {
		t.Fatal("expected a pending flush")
	}
	if len(push.Streams) != 1 {
		t.Fatalf("expected records with identical labels to coalesce into 1 stream, got %d", len(push.Streams))
	}
	if len(push.Streams[0].Values) != 2 {
		t.Fatalf("expected 2 values in the stream, got %d", len(push.Streams[0].Values))
	}
}

func TestBatcherSeparatesDistinctLabelSets(t *testing.T) {
	b := NewBatcher(100, 1<<20)
	b.Add(batchRecord(map[string]string{"service": "api"}, "one"))
	b.Add(batchRecord(map[string]string{"service": "worker"}, "two"))

	push, ok := b.Flush()
	if !ok {
		t.Fatal("expected a pending flush")
	}
	if len(push.Streams) != 2 {
		t.Fatalf("expected 2 distinct streams, got %d", len(push.Streams))
	}
}

func TestBatcherFlushesBeforeExceedingMaxValues(t *testing.T) {
	b := NewBatcher(2, 1<<20)
	labels := map[string]string{"service": "api"}

	if _, flushed := b.Add(batchRecord(labels, "one")); flushed {
		t.Fatal("did not expect a flush on the first record")
	}
	if _, flushed := b.Add(batchRecord(labels, "two")); flushed {
		t.Fatal("did not expect a flush at exactly the limit")
	}
	push, flushed := b.Add(batchRecord(labels, "three"))
	if !flushed {
		t.Fatal("expected the third record to trigger a flush of the first two")
	}
	if len(push.Streams) != 1 || len(push.Streams[0].Values) != 2 {
		t.Fatalf("expected the flushed push to contain exactly the first 2 records, got %+v", push)
	}

	// The triggering record must survive into the next batch, not be dropped.
	final, ok := b.Flush()
	if !ok {
		t.Fatal("expected the triggering record to be buffered into the next batch")
	}
	if len(final.Streams) != 1 || len(final.Streams[0].Values) != 1 {
		t.Fatalf("expected exactly 1 buffered record after the flush, got %+v", final)
	}
}

func TestBatcherFlushesBeforeExceedingMaxBytes(t *testing.T) {
	b := NewBatcher(1000, 40)
	labels := map[string]string{"service": "api"}

	b.Add(batchRecord(labels, "short"))
	push, flushed := b.Add(batchRecord(labels, "a much longer message than the first one"))
	if !flushed {
		t.Fatal("expected a byte-size triggered flush")
	}
	if len(push.Streams[0].Values) != 1 {
		t.Fatalf("expected only the first record in the byte-triggered flush, got %+v", push)
	}
}

func TestBatcherFlushOnEmptyReturnsFalse(t *testing.T) {
	b := NewBatcher(10, 1<<20)
	if _, ok := b.Flush(); ok {
		t.Fatal("expected Flush on an empty batcher to report nothing pending")
	}
}

func TestBatcherResetsStateAfterDrain(t *testing.T) {
	b := NewBatcher(10, 1<<20)
	b.Add(batchRecord(map[string]string{"service": "api"}, "one"))
	b.Flush()
	if _, ok := b.Flush(); ok {
		t.Fatal("expected the batcher to be empty immediately after a flush")
	}
	b.Add(batchRecord(map[string]string{"service": "api"}, "two"))
	push, ok := b.Flush()
	if !ok || len(push.Streams) != 1 || len(push.Streams[0].Values) != 1 {
		t.Fatalf("expected a fresh single-record batch, got ok=%v push=%+v", ok, push)
	}
}
