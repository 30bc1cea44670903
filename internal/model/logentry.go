// Package model holds the wire and normalized shapes that flow through
// the ingestion pipeline: client-supplied LogEntry/IngestBatch, and the
// NormalizedRecord written to the WAL.
package model

import (
	"time"

	"github.com/DonTee-Why/logstack/internal/jsonval"
)

// AllowedLabelKeys is the set of label keys a client is allowed to set.
var AllowedLabelKeys = map[string]struct{}{
	"service":        {},
	"env":            {},
	"level":          {},
	"schema_version": {},
	"region":         {},
	"tenant":         {},
}

// Levels is the closed set of accepted log levels.
var Levels = map[string]struct{}{
	"DEBUG": {}, "INFO": {}, "WARN": {}, "ERROR": {}, "FATAL": {},
}

const (
	MaxMessageBytes  = 32 * 1024
	MaxServiceLen    = 64
	MaxEnvLen        = 64
	MaxLabelValueLen = 64
	MaxLabelKeys     = 6
	MaxOpaqueIDLen   = 128

	MaxBatchEntries = 500
	MaxBatchBytes   = 1 << 20 // 1 MiB

	FutureSkew = 24 * time.Hour
	PastSkew   = 14 * 24 * time.Hour
)

// LogEntry is a single client-supplied entry, as decoded from JSON
// before validation and normalization.
type LogEntry struct {
	Timestamp string            `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Service   string            `json:"service"`
	Env       string            `json:"env"`
	Labels    map[string]string `json:"labels,omitempty"`
	TraceID   string            `json:"trace_id,omitempty"`
	SpanID    string            `json:"span_id,omitempty"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// IngestBatch is the body of POST /v1/logs:ingest.
type IngestBatch struct {
	Entries []LogEntry `json:"entries"`
}

// NormalizedRecord is what gets written to the WAL: extracted labels,
// a compact masked JSON line, and the server's receipt instant.
type NormalizedRecord struct {
	Labels     map[string]string `json:"labels"`
	Line       jsonval.Value     `json:"line"`
	IngestTime time.Time         `json:"ingest_time"`
}

// LineFields is the canonical shape of NormalizedRecord.Line before
// masking is applied and the tree is re-serialized with sorted keys.
type LineFields struct {
	Timestamp string         `json:"timestamp"`
	Message   string         `json:"message"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
