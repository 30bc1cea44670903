// Package health composes the readiness probes: sink freshness, disk
// free ratio, WAL recovery state, and forwarder liveness.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/DonTee-Why/logstack/internal/diskstat"
)

// ProbeResult is one named probe's pass/fail state, returned in the
// readyz body when unhealthy.
type ProbeResult struct {
	Name string `json:"name"`
	OK   bool   `json:"ok"`
	Note string `json:"note,omitempty"`
}

// SinkProber reports whether the downstream sink answered its
// readiness endpoint within the freshness window.
type SinkProber interface {
	Ready(ctx context.Context) bool
}

// Checker composes the four readiness probes into one all-or-nothing
// decision.
type Checker struct {
	sink          SinkProber
	walRoot       string
	minFreeRatio  float64
	sinkFreshness time.Duration

	mu               sync.Mutex
	lastSinkOK       time.Time
	lastRecoverOK    bool
	lastForwarderRun time.Time
}

// New builds a Checker. minFreeRatio is the global disk-free-ratio
// floor (default 0.20); sinkFreshness bounds how old a sink probe may
// be before readiness stops trusting it (default 60s).
func New(sink SinkProber, walRoot string, minFreeRatio float64, sinkFreshness time.Duration) *Checker {
	return &Checker{
		sink:          sink,
		walRoot:       walRoot,
		minFreeRatio:  minFreeRatio,
		sinkFreshness: sinkFreshness,
	}
}

// NoteRecovered records the outcome of the most recent WAL Recover()
// call.
func (c *Checker) NoteRecovered(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRecoverOK = ok
}

// NoteForwarderProgress records that the forwarder made progress (or
// was deliberately idle) at t.
func (c *Checker) NoteForwarderProgress(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastForwarderRun = t
}

// PollSink refreshes the sink-freshness probe; intended to run on a
// periodic ticker rather than inline on every readyz request, so a
// slow sink cannot slow down readiness checks.
func (c *Checker) PollSink(ctx context.Context) {
	ok := c.sink.Ready(ctx)
	if ok {
		c.mu.Lock()
		c.lastSinkOK = time.Now()
		c.mu.Unlock()
	}
}

// Check evaluates every probe and returns the failing ones (empty
// slice means ready).
func (c *Checker) Check() []ProbeResult {
	c.mu.Lock()
	sinkAge := time.Since(c.lastSinkOK)
	recoverOK := c.lastRecoverOK
	forwarderAge := time.Since(c.lastForwarderRun)
	c.mu.Unlock()

	var failing []ProbeResult

	if sinkAge > c.sinkFreshness {
		failing = append(failing, ProbeResult{Name: "sink_ready", OK: false, Note: "no successful sink probe within freshness window"})
	}

	ratio, err := diskstat.FreeRatio(c.walRoot)
	if err != nil {
		failing = append(failing, ProbeResult{Name: "disk_free_ratio", OK: false, Note: err.Error()})
	} else if ratio < c.minFreeRatio {
		failing = append(failing, ProbeResult{Name: "disk_free_ratio", OK: false, Note: "below minimum free ratio"})
	}

	if !recoverOK {
		failing = append(failing, ProbeResult{Name: "wal_recover", OK: false, Note: "last recovery did not succeed"})
	}

	if forwarderAge > c.sinkFreshness {
		failing = append(failing, ProbeResult{Name: "forwarder_progress", OK: false, Note: "no forwarder activity within freshness window"})
	}

	return failing
}
