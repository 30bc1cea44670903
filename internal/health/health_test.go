package health

import (
	"context"
	"testing"
	"time"
)

type fakeSinkProber struct {
	ready bool
}

func (f *fakeSinkProber) Ready(ctx context.Context) bool { return f.ready }

func TestCheckPassesWhenAllProbesAreFresh(t *testing.T) {
	sink := &fakeSinkProber{ready: true}
	c := New(sink, t.TempDir(), 0.0, time.Minute)
	c.PollSink(context.Background())
	c.NoteRecovered(true)
	c.NoteForwarderProgress(time.Now())

	if failing := c.Check(); len(failing) != 0 {
		t.Fatalf("expected no failing probes, got %+v", failing)
	}
}

func TestCheckFailsSinkProbeWhenStale(t *testing.T) {
	c := New(&fakeSinkProber{ready: true}, t.TempDir(), 0.0, time.Millisecond)
	c.PollSink(context.Background())
	c.NoteRecovered(true)
	c.NoteForwarderProgress(time.Now())
	time.Sleep(5 * time.Millisecond)

	failing := c.Check()
	if !containsProbe(failing, "sink_ready") {
		t.Fatalf("expected sink_ready to fail once stale, got %+v", failing)
	}
}

func TestCheckFailsWhenSinkNeverProbedSuccessfully(t *testing.T) {
	c := New(&fakeSinkProber{ready: false}, t.TempDir(), 0.0, time.Minute)
	c.PollSink(context.Background())
	c.NoteRecovered(true)
	c.NoteForwarderProgress(time.Now())

	failing := c.Check()
	if !containsProbe(failing, "sink_ready") {
		t.Fatalf("expected sink_ready to fail when the sink never answered ready, got %+v", failing)
	}
}

func TestCheckFailsWalRecoverProbeWhenRecoveryFailed(t *testing.T) {
	c := New(&fakeSinkProber{ready: true}, t.TempDir(), 0.0, time.Minute)
	c.PollSink(context.Background())
	c.NoteRecovered(false)
	c.NoteForwarderProgress(time.Now())

	failing := c.Check()
	if !containsProbe(failing, "wal_recover") {
		t.Fatalf("expected wal_recover to fail, got %+v", failing)
	}
}

func TestCheckFailsForwarderProgressProbeWhenStale(t *testing.T) {
	c := New(&fakeSinkProber{ready: true}, t.TempDir(), 0.0, time.Millisecond)
	c.PollSink(context.Background())
	c.NoteRecovered(true)
	c.NoteForwarderProgress(time.Now())
	time.Sleep(5 * time.Millisecond)

	failing := c.Check()
	if !containsProbe(failing, "forwarder_progress") {
		t.Fatalf("expected forwarder_progress to fail once stale, got %+v", failing)
	}
}

func TestCheckFailsDiskFreeRatioProbeWhenBelowMinimum(t *testing.T) {
	c := New(&fakeSinkProber{ready: true}, t.TempDir(), 1.1, time.Minute) // impossible ratio
	c.PollSink(context.Background())
	c.NoteRecovered(true)
	c.NoteForwarderProgress(time.Now())

	failing := c.Check()
	if !containsProbe(failing, "disk_free_ratio") {
		t.Fatalf("expected disk_free_ratio to fail, got %+v", failing)
	}
}

func containsProbe(results []ProbeResult, name string) bool {
	for _, r := range results {
		if r.Name == name {
			return true
		}
	}
	return false
}
