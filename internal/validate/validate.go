// Package validate implements the validator & normalizer: schema
// enforcement, size caps, label allowlisting, and building the
// canonical NormalizedRecord the WAL stores.
package validate

import (
	"encoding/json"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/DonTee-Why/logstack/internal/apperr"
	"github.com/DonTee-Why/logstack/internal/jsonval"
	"github.com/DonTee-Why/logstack/internal/model"
)

// identPattern matches service/env: [A-Za-z0-9._-]+
var identPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ParseBatch decodes and size-checks the raw request body before any
// per-entry validation runs (TOO_LARGE is checked ahead of
// SCHEMA_INVALID so a huge malformed body still gets 413).
func ParseBatch(body []byte) (model.IngestBatch, error) {
	if len(body) > model.MaxBatchBytes {
		return model.IngestBatch{}, apperr.New(apperr.KindTooLarge, "batch exceeds 1 MiB")
	}
	var batch model.IngestBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return model.IngestBatch{}, apperr.Newf(apperr.KindSchemaInvalid, "invalid JSON: %v", err)
	}
	if len(batch.Entries) == 0 {
		return model.IngestBatch{}, apperr.New(apperr.KindSchemaInvalid, "entries must be non-empty")
	}
	if len(batch.Entries) > model.MaxBatchEntries {
		return model.IngestBatch{}, apperr.New(apperr.KindTooLarge, "batch exceeds 500 entries")
	}
	return batch, nil
}

// Normalize validates every entry in batch against the entry schema
// and produces the ordered NormalizedRecord slice the WAL will append.
// ingestTime is stamped once for the whole batch, at the receipt
// boundary, not per record.
func Normalize(batch model.IngestBatch, ingestTime time.Time) ([]model.NormalizedRecord, error) {
	records := make([]model.NormalizedRecord, 0, len(batch.Entries))
	for i, entry := range batch.Entries {
		rec, err := normalizeOne(entry, ingestTime)
		if err != nil {
			msg := err.Error()
			if ae, ok := err.(*apperr.Error); ok {
				msg = ae.Message
			}
			return nil, apperr.Newf(apperr.KindSchemaInvalid, "entry %d: %s", i, msg)
		}
		records = append(records, rec)
	}
	return records, nil
}

func normalizeOne(e model.LogEntry, ingestTime time.Time) (model.NormalizedRecord, error) {
	ts, err := time.Parse(time.RFC3339, e.Timestamp)
	if err != nil {
		return model.NormalizedRecord{}, apperr.Newf(apperr.KindSchemaInvalid, "timestamp: %v", err)
	}
	now := ingestTime
	if ts.After(now.Add(model.FutureSkew)) {
		return model.NormalizedRecord{}, apperr.New(apperr.KindSchemaInvalid, "timestamp too far in the future")
	}
	if ts.Before(now.Add(-model.PastSkew)) {
		return model.NormalizedRecord{}, apperr.New(apperr.KindSchemaInvalid, "timestamp too far in the past")
	}

	level, ok := canonicalLevel(e.Level)
	if !ok {
		return model.NormalizedRecord{}, apperr.Newf(apperr.KindSchemaInvalid, "unknown level %q", e.Level)
	}

	if e.Message == "" || len(e.Message) > model.MaxMessageBytes || !utf8.ValidString(e.Message) {
		return model.NormalizedRecord{}, apperr.New(apperr.KindSchemaInvalid, "invalid message")
	}
	if !validIdent(e.Service, model.MaxServiceLen) {
		return model.NormalizedRecord{}, apperr.New(apperr.KindSchemaInvalid, "invalid service")
	}
	if !validIdent(e.Env, model.MaxEnvLen) {
		return model.NormalizedRecord{}, apperr.New(apperr.KindSchemaInvalid, "invalid env")
	}
	if len(e.TraceID) > model.MaxOpaqueIDLen || len(e.SpanID) > model.MaxOpaqueIDLen {
		return model.NormalizedRecord{}, apperr.New(apperr.KindSchemaInvalid, "trace_id/span_id too long")
	}
	if len(e.Labels) > model.MaxLabelKeys {
		return model.NormalizedRecord{}, apperr.New(apperr.KindSchemaInvalid, "too many labels")
	}
	for k, v := range e.Labels {
		if _, allowed := model.AllowedLabelKeys[k]; !allowed {
			return model.NormalizedRecord{}, apperr.Newf(apperr.KindSchemaInvalid, "label %q not allowed", k)
		}
		if len(v) > model.MaxLabelValueLen {
			return model.NormalizedRecord{}, apperr.Newf(apperr.KindSchemaInvalid, "label %q value too long", k)
		}
	}

	labels := make(map[string]string, len(e.Labels)+3)
	for k, v := range e.Labels {
		labels[k] = v
	}
	labels["service"] = e.Service
	labels["env"] = e.Env
	labels["level"] = level

	line := jsonval.NewObject()
	line.Set("timestamp", jsonval.String(e.Timestamp))
	line.Set("message", jsonval.String(e.Message))
	if e.TraceID != "" {
		line.Set("trace_id", jsonval.String(e.TraceID))
	}
	if e.SpanID != "" {
		line.Set("span_id", jsonval.String(e.SpanID))
	}
	if len(e.Metadata) > 0 {
		line.Set("metadata", jsonval.FromAny(e.Metadata))
	}

	return model.NormalizedRecord{
		Labels:     labels,
		Line:       line,
		IngestTime: ingestTime,
	}, nil
}

func canonicalLevel(level string) (string, bool) {
	upper := toUpper(level)
	_, ok := model.Levels[upper]
	return upper, ok
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

func validIdent(s string, maxLen int) bool {
	return s != "" && len(s) <= maxLen && identPattern.MatchString(s)
}
