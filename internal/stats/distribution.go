// Package stats summarises transfer-time distributions for logs and the
// baseline report.
package stats

import (
	"log/slog"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// Resolution is the unit recorded in the histogram.
const Resolution = time.Millisecond

// MaxValue is the largest recordable duration. Larger values are clamped.
const MaxValue = time.Hour

// Distribution is a thread-safe histogram of durations.
type Distribution struct {
	mu   sync.Mutex
	hist *hdrhistogram.Histogram
}

// NewDistribution returns an empty distribution covering 1ms to 1h at
// three significant figures.
func NewDistribution() *Distribution {
	return &Distribution{
		hist: hdrhistogram.New(1, int64(MaxValue/Resolution), 3),
	}
}

// Record adds one sample. Sub-millisecond samples count as 1ms.
func (d *Distribution) Record(v time.Duration) {
	n := int64(v / Resolution)
	n = min(max(n, 1), int64(MaxValue/Resolution))

	d.mu.Lock()
	defer d.mu.Unlock()
	// In range by construction.
	_ = d.hist.RecordValue(n)
}

// Merge adds every sample of o.
func (d *Distribution) Merge(o *Distribution) {
	o.mu.Lock()
	snap := hdrhistogram.Import(o.hist.Export())
	o.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.hist.Merge(snap)
}

// Reset discards all samples.
func (d *Distribution) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hist.Reset()
}

// Summary is a point-in-time view of a Distribution.
type Summary struct {
	Count  int64
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration
	StdDev time.Duration
	P50    time.Duration
	P90    time.Duration
	P99    time.Duration
}

// Summary computes the current summary.
func (d *Distribution) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()

	h := d.hist
	if h.TotalCount() == 0 {
		return Summary{}
	}
	unit := func(v int64) time.Duration { return time.Duration(v) * Resolution }
	float := func(v float64) time.Duration { return time.Duration(v * float64(Resolution)) }
	return Summary{
		Count:  h.TotalCount(),
		Min:    unit(h.Min()),
		Max:    unit(h.Max()),
		Mean:   float(h.Mean()),
		StdDev: float(h.StdDev()),
		P50:    unit(h.ValueAtQuantile(50)),
		P90:    unit(h.ValueAtQuantile(90)),
		P99:    unit(h.ValueAtQuantile(99)),
	}
}

// LogValue implements slog.LogValuer.
func (s Summary) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int64("count", s.Count),
		slog.Duration("min", s.Min),
		slog.Duration("p50", s.P50),
		slog.Duration("p90", s.P90),
		slog.Duration("p99", s.P99),
		slog.Duration("max", s.Max),
		slog.Duration("mean", s.Mean),
		slog.Duration("stddev", s.StdDev),
	)
}
