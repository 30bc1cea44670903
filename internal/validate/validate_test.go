package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/DonTee-Why/logstack/internal/apperr"
	"github.com/DonTee-Why/logstack/internal/model"
)

func validEntry() model.LogEntry {
	return model.LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Level:     "info",
		Message:   "hello world",
		Service:   "checkout",
		Env:       "prod",
	}
}

func kindOf(t *testing.T, err error) apperr.Kind {
	t.Helper()
	ae, ok := err.(*apperr.Error)
	if !ok {
		t.Fatalf("expected *apperr.Error, got %T (%v)", err, err)
	}
	return ae.Kind
}

func TestParseBatchRejectsOversizedBody(t *testing.T) {
	body := []byte(strings.Repeat("a", model.MaxBatchBytes+1))
	_, err := ParseBatch(body)
	if err == nil {
		t.Fatal("expected error for oversized body")
	}
	if kindOf(t, err) != apperr.KindTooLarge {
		t.Fatalf("expected TOO_LARGE, got %v", err)
	}
}

func TestParseBatchRejectsInvalidJSON(t *testing.T) {
	_, err := ParseBatch([]byte("not json"))
	if err == nil || kindOf(t, err) != apperr.KindSchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID, got %v", err)
	}
}

func TestParseBatchRejectsEmptyEntries(t *testing.T) {
	_, err := ParseBatch([]byte(`{"entries":[]}`))
	if err == nil || kindOf(t, err) != apperr.KindSchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID for empty entries, got %v", err)
	}
}

func TestNormalizeHappyPath(t *testing.T) {
	batch := model.IngestBatch{Entries: []model.LogEntry{validEntry()}}
	recs, err := Normalize(batch, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}
	rec := recs[0]
	if rec.Labels["service"] != "checkout" || rec.Labels["env"] != "prod" || rec.Labels["level"] != "INFO" {
		t.Fatalf("unexpected labels: %+v", rec.Labels)
	}
	msg, ok := rec.Line.Obj["message"].IsString()
	if !ok || msg != "hello world" {
		t.Fatalf("unexpected message field: %+v", rec.Line)
	}
}

func TestNormalizeRejectsUnknownLevel(t *testing.T) {
	e := validEntry()
	e.Level = "VERBOSE"
	_, err := Normalize(model.IngestBatch{Entries: []model.LogEntry{e}}, time.Now().UTC())
	if err == nil || kindOf(t, err) != apperr.KindSchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID for unknown level, got %v", err)
	}
}

func TestNormalizeRejectsFutureTimestamp(t *testing.T) {
	e := validEntry()
	e.Timestamp = time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339)
	_, err := Normalize(model.IngestBatch{Entries: []model.LogEntry{e}}, time.Now().UTC())
	if err == nil || kindOf(t, err) != apperr.KindSchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID for future timestamp, got %v", err)
	}
}

func TestNormalizeRejectsStaleTimestamp(t *testing.T) {
	e := validEntry()
	e.Timestamp = time.Now().UTC().Add(-30 * 24 * time.Hour).Format(time.RFC3339)
	_, err := Normalize(model.IngestBatch{Entries: []model.LogEntry{e}}, time.Now().UTC())
	if err == nil || kindOf(t, err) != apperr.KindSchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID for stale timestamp, got %v", err)
	}
}

func TestNormalizeRejectsDisallowedLabel(t *testing.T) {
	e := validEntry()
	e.Labels = map[string]string{"secret": "x"}
	_, err := Normalize(model.IngestBatch{Entries: []model.LogEntry{e}}, time.Now().UTC())
	if err == nil || kindOf(t, err) != apperr.KindSchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID for disallowed label, got %v", err)
	}
}

func TestNormalizeRejectsOversizedMessage(t *testing.T) {
	e := validEntry()
	e.Message = strings.Repeat("x", model.MaxMessageBytes+1)
	_, err := Normalize(model.IngestBatch{Entries: []model.LogEntry{e}}, time.Now().UTC())
	if err == nil || kindOf(t, err) != apperr.KindSchemaInvalid {
		t.Fatalf("expected SCHEMA_INVALID for oversized message, got %v", err)
	}
}

func TestNormalizeIncludesMetadataOnlyWhenPresent(t *testing.T) {
	e := validEntry()
	recs, err := Normalize(model.IngestBatch{Entries: []model.LogEntry{e}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := recs[0].Line.Obj["metadata"]; ok {
		t.Fatalf("expected no metadata key when entry has none")
	}

	e.Metadata = map[string]any{"k": "v"}
	recs, err = Normalize(model.IngestBatch{Entries: []model.LogEntry{e}}, time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := recs[0].Line.Obj["metadata"]; !ok {
		t.Fatalf("expected metadata key when entry has metadata")
	}
}
