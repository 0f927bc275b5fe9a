package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type OpStats struct {
	Op      string  `json:"op"`
	Samples int     `json:"samples"`
	LastMS  float64 `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
	P50MS   float64 `json:"p50_ms"`
	P95MS   float64 `json:"p95_ms"`
	MaxMS   float64 `json:"max_ms"`
}

type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
}

type OpSnapshot struct {
	GeneratedAt time.Time      `json:"generated_at"`
	WindowSize  int            `json:"window_size"`
	Ops         []OpStats      `json:"ops"`
	Outcomes    []OutcomeCount `json:"outcomes,omitempty"`
}

// OpWindow keeps a fixed ring of recent latencies per operation.
type OpWindow struct {
	mu       sync.RWMutex
	size     int
	rings    map[string]*latencyRing
	outcomes map[string]int
}

type latencyRing struct {
	values []float64
	next   int
	filled bool
	last   float64
}

func (r *latencyRing) samples() []float64 {
	n := r.next
	if r.filled {
		n = len(r.values)
	}
	out := make([]float64, n)
	copy(out, r.values[:n])
	return out
}

func NewOpWindow(size int) *OpWindow {
	if size <= 0 {
		size = 256
	}
	return &OpWindow{
		size:     size,
		rings:    make(map[string]*latencyRing),
		outcomes: make(map[string]int),
	}
}

func (w *OpWindow) Observe(op string, ms float64) {
	if w == nil || op == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.rings[op]
	if !ok {
		r = &latencyRing{values: make([]float64, w.size)}
		w.rings[op] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next = (r.next + 1) % len(r.values)
	if r.next == 0 {
		r.filled = true
	}
}

func (w *OpWindow) ObserveOutcome(outcome string) {
	if w == nil {
		return
	}
	outcome = strings.TrimSpace(outcome)
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outcomes[outcome]++
}

func (w *OpWindow) Snapshot() OpSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.rings))
	for op := range w.rings {
		names = append(names, op)
	}
	sort.Strings(names)

	ops := make([]OpStats, 0, len(names))
	for _, op := range names {
		samples := w.rings[op].samples()
		if len(samples) == 0 {
			continue
		}
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		ops = append(ops, OpStats{
			Op:      op,
			Samples: len(samples),
			LastMS:  round2(w.rings[op].last),
			AvgMS:   round2(sum / float64(len(samples))),
			P50MS:   round2(quantile(samples, 0.50)),
			P95MS:   round2(quantile(samples, 0.95)),
			MaxMS:   round2(samples[len(samples)-1]),
		})
	}

	outcomes := make([]OutcomeCount, 0, len(w.outcomes))
	for name, count := range w.outcomes {
		outcomes = append(outcomes, OutcomeCount{Outcome: name, Count: count})
	}
	sort.Slice(outcomes, func(i, j int) bool { return outcomes[i].Outcome < outcomes[j].Outcome })

	return OpSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Ops:         ops,
		Outcomes:    outcomes,
	}
}

// quantile interpolates linearly between the closest ranks of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo, hi := int(math.Floor(idx)), int(math.Ceil(idx))
	frac := idx - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
