package monitoring

import (
	"fmt"
	"sort"
	"sync"

	"github.com/23skdu/longbow-moe/internal/moe"
)

// LayerLoad is the routed assignment count per expert for one MoE layer.
// Imbalance is the busiest expert's count over the mean; 1 is perfectly even.
type LayerLoad struct {
	Layer     int     `json:"layer"`
	Counts    []int64 `json:"counts"`
	Imbalance float64 `json:"imbalance"`
}

// ExpertLoad tallies routing decisions across requests. It is a moe.Observer.
type ExpertLoad struct {
	mu         sync.Mutex
	numExperts int
	counts     map[int][]int64
}

func NewExpertLoad(numExperts int) *ExpertLoad {
	return &ExpertLoad{numExperts: numExperts, counts: make(map[int][]int64)}
}

func (l *ExpertLoad) ObserveRouting(layer int, sel *moe.Selection, _ *moe.Plan) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.counts[layer]
	if !ok {
		c = make([]int64, l.numExperts)
		l.counts[layer] = c
	}
	for _, e := range sel.Indices {
		if e >= 0 && int(e) < len(c) {
			c[e]++
		}
	}
}

// Snapshot returns per-layer loads ordered by layer.
func (l *ExpertLoad) Snapshot() []LayerLoad {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]LayerLoad, 0, len(l.counts))
	for layer, c := range l.counts {
		out = append(out, LayerLoad{
			Layer:     layer,
			Counts:    append([]int64(nil), c...),
			Imbalance: imbalance(c),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Layer < out[j].Layer })
	return out
}

func (l *ExpertLoad) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.counts = make(map[int][]int64)
}

func imbalance(counts []int64) float64 {
	var total, peak int64
	for _, c := range counts {
		total += c
		peak = max(peak, c)
	}
	if total == 0 {
		return 0
	}
	mean := float64(total) / float64(len(counts))
	return float64(peak) / mean
}

// SetExpertLoad attaches routing load to the detailed status.
func (hm *HealthMonitor) SetExpertLoad(load *ExpertLoad) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.expertLoad = load
}

// CheckExpertBalance raises a warning for each layer whose busiest expert
// carries more than threshold times the mean load.
func (hm *HealthMonitor) CheckExpertBalance(threshold float64) {
	hm.mu.RLock()
	load := hm.expertLoad
	hm.mu.RUnlock()
	if load == nil {
		return
	}
	for _, l := range load.Snapshot() {
		if l.Imbalance > threshold {
			hm.AddAlert("warning", "routing",
				fmt.Sprintf("Layer %d expert load imbalance %.2f", l.Layer, l.Imbalance))
		}
	}
}
