// Package metrics collects replication counters and latencies and turns them into a report
package metrics

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"replog/internal/replog"
)

// Metrics is a replog.MetricsCollector that keeps everything in memory
type Metrics struct {
	mu sync.RWMutex

	// Time from insert to commit, per insert batch
	commitLatencies []time.Duration
	// AppendEntries round trips, per follower
	appendRTTs map[replog.ParticipantID][]time.Duration
	// Payload bytes per insert batch
	batchBytes []int

	appendEntriesCount atomic.Uint64
	heartbeatCount     atomic.Uint64
	entriesCommitted   atomic.Uint64
	becameLeaderCount  atomic.Uint64
	followingCount     atomic.Uint64
	stepDownCount      atomic.Uint64

	startTime time.Time
}

var _ replog.MetricsCollector = (*Metrics)(nil)

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	return &Metrics{
		commitLatencies: make([]time.Duration, 0, 1024),
		appendRTTs:      make(map[replog.ParticipantID][]time.Duration),
		startTime:       time.Now(),
	}
}

func (m *Metrics) RecordAppendRTT(follower replog.ParticipantID, rtt time.Duration) {
	m.mu.Lock()
	m.appendRTTs[follower] = append(m.appendRTTs[follower], rtt)
	m.mu.Unlock()
}

func (m *Metrics) RecordInsertBatchBytes(bytes int) {
	m.mu.Lock()
	m.batchBytes = append(m.batchBytes, bytes)
	m.mu.Unlock()
}

func (m *Metrics) RecordCommitLatency(latency time.Duration) {
	m.mu.Lock()
	m.commitLatencies = append(m.commitLatencies, latency)
	m.mu.Unlock()
}

func (m *Metrics) RecordAppendEntries() {
	m.appendEntriesCount.Add(1)
}

func (m *Metrics) RecordHeartbeat() {
	m.heartbeatCount.Add(1)
}

func (m *Metrics) RecordCommitted(entries uint64) {
	m.entriesCommitted.Add(entries)
}

func (m *Metrics) RecordBecameLeader() {
	m.becameLeaderCount.Add(1)
}

func (m *Metrics) RecordBeganFollowing() {
	m.followingCount.Add(1)
}

func (m *Metrics) RecordStepDown() {
	m.stepDownCount.Add(1)
}

// LatencyStats contains percentile statistics for latencies
type LatencyStats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min_ms"`
	Max    float64 `json:"max_ms"`
	Mean   float64 `json:"mean_ms"`
	P50    float64 `json:"p50_ms"`
	P95    float64 `json:"p95_ms"`
	P99    float64 `json:"p99_ms"`
	StdDev float64 `json:"stddev_ms"`
}

// computeLatencyStats sorts a copy of durations and computes its statistics in milliseconds
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, len(durations))
	var sum float64
	for i, d := range durations {
		ms := float64(d.Microseconds()) / 1000.0
		sorted[i] = ms
		sum += ms
	}
	sort.Float64s(sorted)

	mean := sum / float64(len(sorted))
	var variance float64
	for _, v := range sorted {
		diff := v - mean
		variance += diff * diff
	}

	return LatencyStats{
		Count:  len(sorted),
		Min:    sorted[0],
		Max:    sorted[len(sorted)-1],
		Mean:   mean,
		P50:    percentile(sorted, 50),
		P95:    percentile(sorted, 95),
		P99:    percentile(sorted, 99),
		StdDev: math.Sqrt(variance / float64(len(sorted))),
	}
}

// percentile calculates the nth percentile from sorted data
func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	if lower == upper {
		return sorted[lower]
	}
	// Linear interpolation
	weight := index - float64(lower)
	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// CommitLatencyStats returns statistics of the insert to commit latency
func (m *Metrics) CommitLatencyStats() LatencyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return computeLatencyStats(m.commitLatencies)
}

// AppendRTTStats returns the round trip statistics of every follower
func (m *Metrics) AppendRTTStats() map[replog.ParticipantID]LatencyStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[replog.ParticipantID]LatencyStats, len(m.appendRTTs))
	for id, rtts := range m.appendRTTs {
		result[id] = computeLatencyStats(rtts)
	}
	return result
}

// BatchStats summarises the insert batch sizes
type BatchStats struct {
	Count      int     `json:"count"`
	TotalBytes int     `json:"total_bytes"`
	MeanBytes  float64 `json:"mean_bytes"`
	MaxBytes   int     `json:"max_bytes"`
}

// InsertBatchStats returns statistics of the insert batch sizes
func (m *Metrics) InsertBatchStats() BatchStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := BatchStats{Count: len(m.batchBytes)}
	for _, b := range m.batchBytes {
		stats.TotalBytes += b
		stats.MaxBytes = max(stats.MaxBytes, b)
	}
	if stats.Count > 0 {
		stats.MeanBytes = float64(stats.TotalBytes) / float64(stats.Count)
	}
	return stats
}

// Throughput returns committed entries per second since the collector was created or reset
func (m *Metrics) Throughput() float64 {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()

	elapsed := time.Since(start).Seconds()
	if elapsed == 0 {
		return 0
	}
	return float64(m.entriesCommitted.Load()) / elapsed
}

// Report contains all collected metrics
type Report struct {
	ClusterSize  int       `json:"cluster_size"`
	TestDuration float64   `json:"duration_seconds"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`

	EntriesCommitted uint64       `json:"entries_committed"`
	ThroughputPerSec float64      `json:"throughput_entries_per_sec"`
	CommitLatency    LatencyStats `json:"commit_latency"`
	InsertBatches    BatchStats   `json:"insert_batches"`

	AppendEntriesCount uint64                                `json:"append_entries_count"`
	HeartbeatCount     uint64                                `json:"heartbeat_count"`
	AppendRTT          map[replog.ParticipantID]LatencyStats `json:"append_rtt"`

	BecameLeaderCount   uint64 `json:"became_leader_count"`
	BeganFollowingCount uint64 `json:"began_following_count"`
	StepDownCount       uint64 `json:"step_down_count"`
}

// GetReport generates a report of everything collected so far
func (m *Metrics) GetReport(clusterSize int) Report {
	m.mu.RLock()
	start := m.startTime
	m.mu.RUnlock()
	end := time.Now()

	return Report{
		ClusterSize:         clusterSize,
		TestDuration:        end.Sub(start).Seconds(),
		StartTime:           start,
		EndTime:             end,
		EntriesCommitted:    m.entriesCommitted.Load(),
		ThroughputPerSec:    m.Throughput(),
		CommitLatency:       m.CommitLatencyStats(),
		InsertBatches:       m.InsertBatchStats(),
		AppendEntriesCount:  m.appendEntriesCount.Load(),
		HeartbeatCount:      m.heartbeatCount.Load(),
		AppendRTT:           m.AppendRTTStats(),
		BecameLeaderCount:   m.becameLeaderCount.Load(),
		BeganFollowingCount: m.followingCount.Load(),
		StepDownCount:       m.stepDownCount.Load(),
	}
}

// Print writes the report in a human-readable format
func (r *Report) Print(w io.Writer) {
	line := strings.Repeat("=", 60)
	fmt.Fprintln(w, line)
	fmt.Fprintln(w, "REPLICATED LOG REPORT")
	fmt.Fprintln(w, line)
	fmt.Fprintf(w, "Cluster Size: %d participants\n", r.ClusterSize)
	fmt.Fprintf(w, "Duration: %.2f seconds\n", r.TestDuration)

	fmt.Fprintf(w, "\nCommitted: %d entries (%.2f entries/sec)\n", r.EntriesCommitted, r.ThroughputPerSec)
	fmt.Fprintf(w, "Insert batches: %d, %d bytes total, %.1f bytes mean, %d bytes max\n",
		r.InsertBatches.Count, r.InsertBatches.TotalBytes, r.InsertBatches.MeanBytes, r.InsertBatches.MaxBytes)
	printLatency(w, "Commit latency (insert to commit)", r.CommitLatency)

	fmt.Fprintf(w, "\nAppendEntries: %d, Heartbeats: %d\n", r.AppendEntriesCount, r.HeartbeatCount)
	followers := make([]replog.ParticipantID, 0, len(r.AppendRTT))
	for id := range r.AppendRTT {
		followers = append(followers, id)
	}
	sort.Slice(followers, func(i, j int) bool { return followers[i] < followers[j] })
	for _, id := range followers {
		printLatency(w, fmt.Sprintf("Append RTT %s", id), r.AppendRTT[id])
	}

	fmt.Fprintf(w, "\nBecame leader: %d, Began following: %d, Step downs: %d\n",
		r.BecameLeaderCount, r.BeganFollowingCount, r.StepDownCount)
	fmt.Fprintln(w, line)
}

func printLatency(w io.Writer, title string, s LatencyStats) {
	if s.Count == 0 {
		fmt.Fprintf(w, "%s: no data\n", title)
		return
	}
	fmt.Fprintf(w, "%s: n=%d min=%.3fms p50=%.3fms p95=%.3fms p99=%.3fms max=%.3fms\n",
		title, s.Count, s.Min, s.P50, s.P95, s.P99, s.Max)
}

// SaveJSON saves the report to a JSON file
func (r *Report) SaveJSON(filename string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", filename, err)
	}
	return nil
}

// Reset clears all collected metrics
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.commitLatencies = make([]time.Duration, 0, 1024)
	m.appendRTTs = make(map[replog.ParticipantID][]time.Duration)
	m.batchBytes = nil
	m.startTime = time.Now()
	m.mu.Unlock()

	m.appendEntriesCount.Store(0)
	m.heartbeatCount.Store(0)
	m.entriesCommitted.Store(0)
	m.becameLeaderCount.Store(0)
	m.followingCount.Store(0)
	m.stepDownCount.Store(0)
}
