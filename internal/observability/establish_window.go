package observability

import (
	"cmp"
	"context"
	"math"
	"slices"
	"sync"
	"time"
)

// Credential mint outcomes, shared by the Prometheus counter and the
// establishment window.
const (
	OutcomeMinted      = "minted"
	OutcomeFailed      = "failed"
	OutcomeRateLimited = "rate_limited"
)

// TransportUnattributed labels samples recorded outside a transport-scoped
// request, such as CLI-driven mints.
const TransportUnattributed = "unattributed"

type transportCtxKey struct{}

// WithTransport tags ctx with the transport establishing a session so that
// stage samples and mint outcomes recorded further down are attributed to it.
func WithTransport(ctx context.Context, transport string) context.Context {
	return context.WithValue(ctx, transportCtxKey{}, transport)
}

func TransportFrom(ctx context.Context) string {
	if ctx != nil {
		if t, ok := ctx.Value(transportCtxKey{}).(string); ok && t != "" {
			return t
		}
	}
	return TransportUnattributed
}

type StageLatency struct {
	Transport  string  `json:"transport"`
	Stage      string  `json:"stage"`
	Samples    int     `json:"samples"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	P99MS      float64 `json:"p99_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget"`
}

type TransportOutcomes struct {
	Transport   string `json:"transport"`
	Minted      int    `json:"minted"`
	Failed      int    `json:"failed"`
	RateLimited int    `json:"rate_limited"`
}

// EstablishSnapshot is the body of GET /v1/perf/latency.
type EstablishSnapshot struct {
	GeneratedAt time.Time           `json:"generated_at"`
	WindowSize  int                 `json:"window_size"`
	Stages      []StageLatency      `json:"stages"`
	Outcomes    []TransportOutcomes `json:"outcomes"`
}

type sampleKey struct {
	transport string
	stage     string
}

// establishWindow keeps the most recent samples per (transport, stage), oldest
// first, plus cumulative mint outcomes per transport.
type establishWindow struct {
	mu       sync.Mutex
	size     int
	samples  map[sampleKey][]float64
	outcomes map[string]*TransportOutcomes
}

func newEstablishWindow(size int) *establishWindow {
	if size <= 0 {
		size = 256
	}
	return &establishWindow{
		size:     size,
		samples:  make(map[sampleKey][]float64),
		outcomes: make(map[string]*TransportOutcomes),
	}
}

func (w *establishWindow) observe(transport, stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	k := sampleKey{transport: transport, stage: stage}
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.samples[k]
	if len(s) == w.size {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	w.samples[k] = append(s, ms)
}

func (w *establishWindow) recordOutcome(transport, outcome string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	o, ok := w.outcomes[transport]
	if !ok {
		o = &TransportOutcomes{Transport: transport}
		w.outcomes[transport] = o
	}
	switch outcome {
	case OutcomeMinted:
		o.Minted++
	case OutcomeFailed:
		o.Failed++
	case OutcomeRateLimited:
		o.RateLimited++
	}
}

func (w *establishWindow) snapshot() EstablishSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := EstablishSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]StageLatency, 0, len(w.samples)),
		Outcomes:    make([]TransportOutcomes, 0, len(w.outcomes)),
	}
	for k, s := range w.samples {
		if len(s) == 0 {
			continue
		}
		sorted := slices.Clone(s)
		slices.Sort(sorted)
		budget := stageBudgetMS(k.stage)
		over := 0
		if budget > 0 {
			for _, v := range sorted {
				if v > budget {
					over++
				}
			}
		}
		snap.Stages = append(snap.Stages, StageLatency{
			Transport:  k.transport,
			Stage:      k.stage,
			Samples:    len(sorted),
			P50MS:      nearestRank(sorted, 0.50),
			P95MS:      nearestRank(sorted, 0.95),
			P99MS:      nearestRank(sorted, 0.99),
			MaxMS:      sorted[len(sorted)-1],
			BudgetMS:   budget,
			OverBudget: over,
		})
	}
	slices.SortFunc(snap.Stages, func(a, b StageLatency) int {
		return cmp.Or(cmp.Compare(a.Transport, b.Transport), cmp.Compare(a.Stage, b.Stage))
	})
	for _, o := range w.outcomes {
		snap.Outcomes = append(snap.Outcomes, *o)
	}
	slices.SortFunc(snap.Outcomes, func(a, b TransportOutcomes) int {
		return cmp.Compare(a.Transport, b.Transport)
	})
	return snap
}

// nearestRank returns the smallest sample with at least q of the window at or
// below it.
func nearestRank(sorted []float64, q float64) float64 {
	rank := int(math.Ceil(q * float64(len(sorted))))
	rank = min(max(rank, 1), len(sorted))
	return sorted[rank-1]
}

// stageBudgetMS is the latency a stage should stay under for a session to be
// usable within the client's establishment timeout.
func stageBudgetMS(stage string) float64 {
	switch stage {
	case StageCredentialMint:
		return 1500
	case StageUpstreamDial:
		return 1200
	case StageSDPExchange:
		return 2500
	case StageVisionCall:
		return 6000
	default:
		return 0
	}
}
