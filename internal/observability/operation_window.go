package observability

import (
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

type OperationStats struct {
	Operation   string  `json:"operation"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	P99MS       float64 `json:"p99_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type OperationIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time            `json:"generated_at"`
	WindowSize  int                  `json:"window_size"`
	Operations  []OperationStats     `json:"operations"`
	Indicators  []OperationIndicator `json:"indicators,omitempty"`
}

// operationWindow keeps the last maxSamples latencies per coordinator
// operation, plus counters for retry and fallback indicators.
type operationWindow struct {
	mu         sync.RWMutex
	maxSamples int
	ops        map[string]*ring
	indicators map[string]int
}

// ring is a fixed-size circular sample buffer.
type ring struct {
	buf  []float64
	pos  int
	full bool
	last float64
}

func (r *ring) add(v float64) {
	r.buf[r.pos] = v
	r.last = v
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

// sorted returns a sorted copy of the retained samples.
func (r *ring) sorted() []float64 {
	n := r.pos
	if r.full {
		n = len(r.buf)
	}
	out := slices.Clone(r.buf[:n])
	slices.Sort(out)
	return out
}

func newOperationWindow(maxSamples int) *operationWindow {
	if maxSamples <= 0 {
		maxSamples = 256
	}
	return &operationWindow{
		maxSamples: maxSamples,
		ops:        make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *operationWindow) Observe(op string, ms float64) {
	if op == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r := w.ops[op]
	if r == nil {
		r = &ring{buf: make([]float64, w.maxSamples)}
		w.ops[op] = r
	}
	r.add(ms)
}

func (w *operationWindow) Snapshot() LatencySnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.maxSamples,
		Operations:  make([]OperationStats, 0, len(w.ops)),
	}
	for _, op := range slices.Sorted(maps.Keys(w.ops)) {
		if stats, ok := statsFor(op, w.ops[op]); ok {
			snap.Operations = append(snap.Operations, stats)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(w.indicators)) {
		if count := w.indicators[name]; count > 0 {
			snap.Indicators = append(snap.Indicators, OperationIndicator{Name: name, Count: count})
		}
	}
	return snap
}

func statsFor(op string, r *ring) (OperationStats, bool) {
	samples := r.sorted()
	if len(samples) == 0 {
		return OperationStats{}, false
	}
	var sum float64
	for _, v := range samples {
		sum += v
	}
	return OperationStats{
		Operation:   op,
		Samples:     len(samples),
		LastMS:      round2(r.last),
		AvgMS:       round2(sum / float64(len(samples))),
		P50MS:       round2(nearestRank(samples, 0.50)),
		P95MS:       round2(nearestRank(samples, 0.95)),
		P99MS:       round2(nearestRank(samples, 0.99)),
		TargetP95MS: operationTargetP95MS(op),
	}, true
}

func (w *operationWindow) ObserveIndicator(name string) {
	if w == nil {
		return
	}
	if name = strings.TrimSpace(name); name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

func (w *operationWindow) Reset() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.ops)
	clear(w.indicators)
}

// nearestRank returns the q-quantile of sorted using the nearest-rank method.
func nearestRank(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// operationTargetP95MS includes the worst-case internal retry budget of each
// operation (fetch retries, voice fallback, quota window).
func operationTargetP95MS(op string) float64 {
	switch op {
	case "search":
		return 800
	case "join_by_id", "join_by_code":
		return 2000
	case "create":
		return 2500
	case "leave":
		return 500
	case "refresh", "fetch":
		return 1500
	case "set_attributes", "set_member_attributes", "kick":
		return 600
	default:
		return 0
	}
}
