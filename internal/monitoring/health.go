package monitoring

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-moe/internal/logger"
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Engine      EngineInfo      `json:"engine"`
	Performance PerformanceInfo `json:"performance"`
	Routing     []LayerLoad     `json:"routing,omitempty"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

// EngineInfo describes the loaded model and its cache.
type EngineInfo struct {
	ModelLoaded     bool    `json:"model_loaded"`
	NumLayers       int     `json:"num_layers"`
	MoELayers       int     `json:"moe_layers"`
	RoutedExperts   int     `json:"routed_experts"`
	SharedExperts   int     `json:"shared_experts"`
	ExpertsPerToken int     `json:"experts_per_token"`
	ContextLength   int     `json:"context_length"`
	KVCacheBlocks   int     `json:"kv_cache_blocks"`
	KVCacheFree     int     `json:"kv_cache_free"`
	KVCacheUsagePct float64 `json:"kv_cache_usage_pct"`
	HostTensorBytes int64   `json:"host_tensor_bytes"`
}

type PerformanceInfo struct {
	Requests        int       `json:"requests"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastInference   time.Time `json:"last_inference"`
}

type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // engine, kvcache, performance
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type PerfPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
}

// HealthMonitor tracks recent inference performance and alerts, and serves
// them next to the Prometheus registry.
type HealthMonitor struct {
	startTime     time.Time
	engineInfo    func() EngineInfo
	mu            sync.RWMutex
	alerts        []Alert
	lastInference time.Time
	perfHistory   []PerfPoint
	expertLoad    *ExpertLoad
}

// NewHealthMonitor creates a monitor. engineInfo may be nil when no model is
// loaded.
func NewHealthMonitor(engineInfo func() EngineInfo) *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		engineInfo:  engineInfo,
		alerts:      make([]Alert, 0),
		perfHistory: make([]PerfPoint, 0),
	}
}

// Register mounts the health, status, alert and metrics endpoints on mux.
func (hm *HealthMonitor) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	mux.Handle("/metrics", promhttp.Handler())
}

// RecordInference records a finished request for performance monitoring.
func (hm *HealthMonitor) RecordInference(tokens int, duration time.Duration) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	now := time.Now()
	hm.lastInference = now

	point := PerfPoint{Timestamp: now, Tokens: tokens, Duration: duration}
	hm.perfHistory = append(hm.perfHistory, point)

	// Keep only last 1000 points
	if len(hm.perfHistory) > 1000 {
		hm.perfHistory = hm.perfHistory[1:]
	}

	hm.checkPerformanceAlerts(point)
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlert(level, component, message)
}

func (hm *HealthMonitor) addAlert(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})

	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}

	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Log.Error("Failed to encode response", "error", err)
	}
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	code := http.StatusOK
	if status.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	writeJSON(w, http.StatusOK, alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"message": "alerts cleared"})
}

// Status computes the current health: critical with any unresolved critical
// alert, degraded with an unresolved error alert or a missing model.
func (hm *HealthMonitor) Status() HealthStatus {
	var engine EngineInfo
	if hm.engineInfo != nil {
		engine = hm.engineInfo()
	}

	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	if !engine.ModelLoaded {
		status = "degraded"
	}
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		} else if alert.Level == "error" {
			status = "degraded"
		}
	}

	var routing []LayerLoad
	if hm.expertLoad != nil {
		routing = hm.expertLoad.Snapshot()
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Engine:      engine,
		Performance: hm.performanceInfo(),
		Routing:     routing,
		Alerts:      append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}

func (hm *HealthMonitor) performanceInfo() PerformanceInfo {
	info := PerformanceInfo{Requests: len(hm.perfHistory), LastInference: hm.lastInference}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var totalTokens int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, point := range hm.perfHistory {
		totalTokens += point.Tokens
		totalDuration += point.Duration
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}
	sort.Float64s(latencies)

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}

	info.AvgLatencyMs = float64(totalDuration.Nanoseconds()) / float64(len(hm.perfHistory)) / 1e6
	info.P95LatencyMs = latencies[p95Index]
	if totalDuration > 0 {
		info.TokensPerSecond = float64(totalTokens) / totalDuration.Seconds()
	}
	return info
}

// Alert checking

func (hm *HealthMonitor) checkPerformanceAlerts(point PerfPoint) {
	if point.Duration <= 0 {
		return
	}
	tokensPerSecond := float64(point.Tokens) / point.Duration.Seconds()
	if point.Tokens > 0 && tokensPerSecond < 1.0 {
		hm.addAlert("warning", "performance",
			fmt.Sprintf("Low throughput: %.2f tokens/sec", tokensPerSecond))
	}

	latencyMs := float64(point.Duration.Nanoseconds()) / 1e6
	if latencyMs > 5000 { // 5 seconds
		hm.addAlert("error", "performance",
			fmt.Sprintf("High latency: %.2f ms", latencyMs))
	}
}

// CheckKVCache raises a warning once usage crosses 90%.
func (hm *HealthMonitor) CheckKVCache(info EngineInfo) {
	if info.KVCacheUsagePct > 90 {
		hm.AddAlert("warning", "kvcache", fmt.Sprintf("KV cache %.1f%% used", info.KVCacheUsagePct))
	}
}
