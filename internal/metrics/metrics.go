package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var totalTokens atomic.Int64

var (
	InferenceTokensTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_moe_inference_tokens_total",
		Help: "The total number of tokens processed by forward passes",
	})

	InferenceDuration = promauto.NewSummary(prometheus.SummaryOpts{
		Name: "longbow_moe_inference_duration_seconds",
		Help: "Duration of forward passes",
	})

	ForwardPasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_moe_forward_passes_total",
		Help: "Forward passes by serving entry point",
	}, []string{"entry"})

	HostMemoryAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_moe_host_tensor_bytes",
		Help: "Current bytes held by pooled host tensors",
	})

	KernelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_moe_kernel_duration_seconds",
		Help:    "Histogram of kernel execution times",
		Buckets: prometheus.DefBuckets,
	}, []string{"kernel"})

	// KV cache
	KVCacheCapacityBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_moe_kv_cache_capacity_bytes",
		Help: "Total capacity of the KV cache in bytes",
	})

	KVCacheUsedBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_moe_kv_cache_used_bytes",
		Help: "Bytes of KV cache pages currently assigned to sequences",
	})

	KVCacheSequences = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_moe_kv_cache_sequences",
		Help: "Number of live sequences in the KV cache",
	})

	KVCacheOutOfBlocks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_moe_kv_cache_out_of_blocks_total",
		Help: "Count of page allocations that failed for lack of free blocks",
	})

	// MOE
	MOELayerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "longbow_moe_layer_latency_seconds",
		Help:    "MOE block forward pass latency",
		Buckets: prometheus.DefBuckets,
	})

	MOERoutingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "longbow_moe_routing_latency_seconds",
		Help:    "MOE gating and dispatch planning latency",
		Buckets: prometheus.DefBuckets,
	})

	MOEExpertSelection = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_moe_expert_selection_total",
		Help: "Total number of times an expert was selected",
	}, []string{"layer", "expert_id"})

	MOEExpertUtilization = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "longbow_moe_expert_utilization",
		Help: "Fraction of all assignments in a layer that went to an expert",
	}, []string{"layer", "expert_id"})

	MOETokensPerExpert = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "longbow_moe_tokens_per_expert",
		Help:    "Rows dispatched to a single expert in one forward pass",
		Buckets: []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	MOEEmptyExperts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_moe_empty_experts_total",
		Help: "Experts that received no tokens in a forward pass",
	}, []string{"layer"})

	MOEStrategy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_moe_routing_strategy_total",
		Help: "Routing strategy chosen per MOE block call",
	}, []string{"strategy"})

	MOERoutingViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_moe_routing_violations_total",
		Help: "Routing invariant violations detected",
	}, []string{"kind"})
)

func RecordInference(tokens int, duration time.Duration) {
	InferenceTokensTotal.Add(float64(tokens))
	totalTokens.Add(int64(tokens))
	InferenceDuration.Observe(duration.Seconds())
}

// TotalTokens returns the number of tokens recorded by RecordInference.
func TotalTokens() int64 {
	return totalTokens.Load()
}

func RecordForward(entry string) {
	ForwardPasses.WithLabelValues(entry).Inc()
}

func RecordHostMemory(bytes int64) {
	HostMemoryAllocated.Set(float64(bytes))
}

func RecordKernelDuration(name string, duration time.Duration) {
	KernelDuration.WithLabelValues(name).Observe(duration.Seconds())
}

func RecordKVCacheStats(capacity, used int64) {
	KVCacheCapacityBytes.Set(float64(capacity))
	KVCacheUsedBytes.Set(float64(used))
}

// RecordMOELayerLatency records the latency of an MOE layer forward pass
func RecordMOELayerLatency(duration time.Duration) {
	MOELayerLatency.Observe(duration.Seconds())
}

// RecordMOERoutingLatency records the latency of MOE expert routing
func RecordMOERoutingLatency(duration time.Duration) {
	MOERoutingLatency.Observe(duration.Seconds())
}

func RecordMOEStrategy(name string) {
	MOEStrategy.WithLabelValues(name).Inc()
}

func RecordMOEViolation(kind string) {
	MOERoutingViolations.WithLabelValues(kind).Inc()
}

var moeExpertCounts sync.Map // map[string]*atomic.Int64
var moeLayerTotals sync.Map  // map[int]*atomic.Int64

// RecordMOEExpertSelection records which experts were selected for a layer
func RecordMOEExpertSelection(layerIdx int, expertIndices []int32) {
	if len(expertIndices) == 0 {
		return
	}
	layerStr := fmt.Sprintf("%d", layerIdx)

	totalAny, _ := moeLayerTotals.LoadOrStore(layerIdx, &atomic.Int64{})
	layerTotal := totalAny.(*atomic.Int64).Add(int64(len(expertIndices)))

	for _, expertID := range expertIndices {
		expertStr := fmt.Sprintf("%d", expertID)
		MOEExpertSelection.WithLabelValues(layerStr, expertStr).Inc()

		key := layerStr + ":" + expertStr
		actual, _ := moeExpertCounts.LoadOrStore(key, &atomic.Int64{})
		count := actual.(*atomic.Int64).Add(1)
		MOEExpertUtilization.WithLabelValues(layerStr, expertStr).Set(float64(count) / float64(layerTotal))
	}
}

// RecordMOEDispatch records per-expert batch sizes from an indptr array.
func RecordMOEDispatch(layerIdx int, indptr []int32) {
	empty := 0
	for e := 0; e+1 < len(indptr); e++ {
		n := indptr[e+1] - indptr[e]
		MOETokensPerExpert.Observe(float64(n))
		if n == 0 {
			empty++
		}
	}
	if empty > 0 {
		MOEEmptyExperts.WithLabelValues(fmt.Sprintf("%d", layerIdx)).Add(float64(empty))
	}
}
