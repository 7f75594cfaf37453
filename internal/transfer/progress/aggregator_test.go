package progress

import (
	"testing"
	"time"

	"github.com/gurveeer/TG-DL-BOT/internal/eventbus"
)

// collectBus records published events synchronously.
type collectBus struct {
	events []eventbus.Event
}

func (b *collectBus) Publish(e eventbus.Event) { b.events = append(b.events, e) }
func (b *collectBus) Subscribe(int, ...eventbus.Topic) (<-chan eventbus.Event, func()) {
	return nil, func() {}
}

// fixedClock lets tests step time explicitly.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time          { return c.t }
func (c *fixedClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestAggregator(cfg Config) (*Aggregator, *collectBus, *fixedClock) {
	bus := &collectBus{}
	clk := &fixedClock{t: time.Unix(1700000000, 0)}
	a := New(cfg, bus)
	a.now = clk.now
	return a, bus, clk
}

func TestReportThrottlesEmissions(t *testing.T) {
	t.Parallel()
	a, bus, clk := newTestAggregator(Config{MinInterval: time.Second})
	a.Start("t1", "b1", PhaseDownload, 1000)

	clk.advance(100 * time.Millisecond)
	a.Report("t1", 100, 1000)
	clk.advance(100 * time.Millisecond)
	a.Report("t1", 200, 1000) // within MinInterval, suppressed
	clk.advance(time.Second)
	a.Report("t1", 300, 1000)

	if len(bus.events) != 2 {
		t.Fatalf("emissions = %d, want 2", len(bus.events))
	}
	last := bus.events[1].Data.(Snapshot)
	if last.BytesDone != 300 {
		t.Fatalf("BytesDone = %d, want 300", last.BytesDone)
	}
}

func TestReportAlwaysEmitsCompletion(t *testing.T) {
	t.Parallel()
	a, bus, clk := newTestAggregator(Config{MinInterval: time.Minute})
	a.Start("t1", "b1", PhaseUpload, 1000)

	clk.advance(time.Second)
	a.Report("t1", 500, 1000)
	clk.advance(10 * time.Millisecond)
	a.Report("t1", 1000, 1000) // completion bypasses the throttle

	if len(bus.events) != 2 {
		t.Fatalf("emissions = %d, want 2 (progress + completion)", len(bus.events))
	}
	snap := bus.events[1].Data.(Snapshot)
	if snap.Percent() != 100 {
		t.Fatalf("Percent = %d, want 100", snap.Percent())
	}
	if snap.Phase != PhaseUpload {
		t.Fatalf("Phase = %s, want upload", snap.Phase)
	}
}

func TestReportClampsMonotonic(t *testing.T) {
	t.Parallel()
	a, bus, clk := newTestAggregator(Config{MinInterval: time.Millisecond})
	a.Start("t1", "b1", PhaseDownload, 1000)

	clk.advance(time.Second)
	a.Report("t1", 600, 1000)
	clk.advance(time.Second)
	a.Report("t1", 400, 1000) // stale callback

	last := bus.events[len(bus.events)-1].Data.(Snapshot)
	if last.BytesDone != 600 {
		t.Fatalf("BytesDone = %d, progress moved backwards", last.BytesDone)
	}
}

func TestReportComputesSpeedAndETA(t *testing.T) {
	t.Parallel()
	a, bus, clk := newTestAggregator(Config{MinInterval: time.Millisecond, SmoothingFactor: 1})
	a.Start("t1", "b1", PhaseDownload, 10_000)

	clk.advance(time.Second)
	a.Report("t1", 1000, 10_000) // 1000 B/s

	snap := bus.events[0].Data.(Snapshot)
	if snap.SmoothedSpeed != 1000 {
		t.Fatalf("SmoothedSpeed = %v, want 1000", snap.SmoothedSpeed)
	}
	// 9000 bytes left at 1000 B/s.
	if snap.ETA != 9*time.Second {
		t.Fatalf("ETA = %v, want 9s", snap.ETA)
	}
}

func TestPhaseRestartResetsCounters(t *testing.T) {
	t.Parallel()
	a, bus, clk := newTestAggregator(Config{MinInterval: time.Millisecond})
	a.Start("t1", "b1", PhaseDownload, 1000)
	clk.advance(time.Second)
	a.Report("t1", 1000, 1000)

	a.Start("t1", "b1", PhaseUpload, 1000)
	clk.advance(time.Second)
	a.Report("t1", 100, 1000)

	last := bus.events[len(bus.events)-1].Data.(Snapshot)
	if last.Phase != PhaseUpload || last.BytesDone != 100 {
		t.Fatalf("after phase restart got %s/%d, want upload/100", last.Phase, last.BytesDone)
	}
}

func TestReportAfterFinishIsNoop(t *testing.T) {
	t.Parallel()
	a, bus, clk := newTestAggregator(Config{MinInterval: time.Millisecond})
	a.Start("t1", "b1", PhaseDownload, 1000)
	a.Finish("t1")
	clk.advance(time.Second)
	a.Report("t1", 500, 1000)

	if len(bus.events) != 0 {
		t.Fatalf("emissions after Finish = %d, want 0", len(bus.events))
	}
}

func TestPercentUnknownTotal(t *testing.T) {
	t.Parallel()
	if got := (Snapshot{BytesDone: 10}).Percent(); got != -1 {
		t.Fatalf("Percent with unknown total = %d, want -1", got)
	}
}
