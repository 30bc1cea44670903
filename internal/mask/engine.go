// Package mask implements the masking engine: baseline + per-token
// key masks and partial rules applied to a NormalizedRecord's message
// and metadata before it is written to the WAL.
package mask

import (
	"regexp"
	"strings"

	"github.com/DonTee-Why/logstack/internal/config"
	"github.com/DonTee-Why/logstack/internal/jsonval"
)

const fullMaskLiteral = "****"

// emailPattern implements the partial-email rule:
// ^([^@])([^@]*)([^@])(@.*)$ → $1 + "*****" + $3 + $4
var emailPattern = regexp.MustCompile(`^([^@])([^@]*)([^@])(@.*)$`)

// Stats reports what a single Apply call did, for metrics.
type Stats struct {
	KeysMasked int
	FellBack   bool
}

// Engine applies masking.baseline_keys plus a token's extra_mask_keys
// and masking.partial_rules to a record's message and metadata.
type Engine struct {
	baseline map[string]struct{}
	partial  map[string]config.PartialRule // lowercased key -> rule
	onError  func()
}

// New builds an Engine from the masking config. onError is called
// whenever override evaluation falls back to baseline-only, so callers
// can increment masking_errors_total.
func New(cfg config.MaskingConfig, onError func()) *Engine {
	baseline := make(map[string]struct{}, len(cfg.BaselineKeys))
	for _, k := range cfg.BaselineKeys {
		baseline[strings.ToLower(k)] = struct{}{}
	}
	partial := make(map[string]config.PartialRule, len(cfg.PartialRules))
	for k, rule := range cfg.PartialRules {
		partial[strings.ToLower(k)] = rule
	}
	if onError == nil {
		onError = func() {}
	}
	return &Engine{baseline: baseline, partial: partial, onError: onError}
}

// Apply masks message (as a string leaf) and metadata (an object tree)
// in place, given the extra keys granted by the requesting token's
// overrides. It never drops the record: if extraKeys is malformed in a
// way that would panic, the caller should catch it and re-invoke with
// nil extraKeys (baseline-only fallback).
func (e *Engine) Apply(message *jsonval.Value, metadata *jsonval.Value, extraKeys []string) (stats Stats) {
	keySet := e.effectiveKeySet(extraKeys)

	// message is a single string leaf field in NormalizedRecord.Line,
	// not itself a keyed object, so it is only masked if the schema
	// ever nests structured content in it; today masking targets object
	// keys, and message is walked only when it decodes as an object
	// (defensive: most callers pass a KindString message here, which
	// Walk is a no-op on).
	message.Walk(func(key string, val *jsonval.Value) {
		if _, ok := keySet[strings.ToLower(key)]; ok {
			e.maskValue(strings.ToLower(key), val)
			stats.KeysMasked++
		}
	})

	metadata.Walk(func(key string, val *jsonval.Value) {
		if _, ok := keySet[strings.ToLower(key)]; ok {
			e.maskValue(strings.ToLower(key), val)
			stats.KeysMasked++
		}
	})

	return stats
}

func (e *Engine) effectiveKeySet(extraKeys []string) map[string]struct{} {
	set := make(map[string]struct{}, len(e.baseline)+len(extraKeys))
	for k := range e.baseline {
		set[k] = struct{}{}
	}
	for _, k := range extraKeys {
		set[strings.ToLower(k)] = struct{}{}
	}
	return set
}

// maskValue rewrites val according to the partial rule registered for
// key, falling back to Full for non-string values or keys with no
// partial rule.
func (e *Engine) maskValue(lowerKey string, val *jsonval.Value) {
	rule, hasRule := e.partial[lowerKey]
	if !hasRule {
		*val = jsonval.String(fullMaskLiteral)
		return
	}

	s, isString := val.IsString()
	if !isString {
		*val = jsonval.String(fullMaskLiteral)
		return
	}

	switch {
	case rule.MaskEmail:
		if m := emailPattern.FindStringSubmatch(s); m != nil {
			*val = jsonval.String(m[1] + "*****" + m[3] + m[4])
			return
		}
		*val = jsonval.String(fullMaskLiteral)
	case rule.KeepPrefix > 0:
		n := rule.KeepPrefix
		if n > len(s) {
			n = len(s)
		}
		*val = jsonval.String(s[:n] + fullMaskLiteral)
	default:
		*val = jsonval.String(fullMaskLiteral)
	}
}

// ApplySafe wraps Apply with a panic guard: if masking with the
// token's overrides panics for any reason, it re-applies baseline-only
// masking and reports FellBack, so a malformed override configuration
// degrades gracefully instead of dropping the record.
func (e *Engine) ApplySafe(message *jsonval.Value, metadata *jsonval.Value, extraKeys []string) (stats Stats) {
	defer func() {
		if r := recover(); r != nil {
			e.onError()
			stats = e.Apply(message, metadata, nil)
			stats.FellBack = true
		}
	}()
	return e.Apply(message, metadata, extraKeys)
}
