package mocks

import (
	"sync"
	"time"

	"replog/internal/replog"
)

// MockMetricsCollector is a mock implementation of replog.MetricsCollector for testing
type MockMetricsCollector struct {
	mu                  sync.RWMutex
	AppendRTTs          map[replog.ParticipantID][]time.Duration
	InsertBatchBytes    []int
	AppendEntriesCount  int
	HeartbeatCount      int
	CommittedCount      uint64
	CommitLatencies     []time.Duration
	BecameLeaderCount   int
	BeganFollowingCount int
	StepDownCount       int
}

var _ replog.MetricsCollector = (*MockMetricsCollector)(nil)

// NewMockMetricsCollector creates a new mock metrics collector
func NewMockMetricsCollector() *MockMetricsCollector {
	return &MockMetricsCollector{
		AppendRTTs: make(map[replog.ParticipantID][]time.Duration),
	}
}

func (m *MockMetricsCollector) RecordAppendRTT(follower replog.ParticipantID, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendRTTs[follower] = append(m.AppendRTTs[follower], rtt)
}

func (m *MockMetricsCollector) RecordInsertBatchBytes(bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertBatchBytes = append(m.InsertBatchBytes, bytes)
}

func (m *MockMetricsCollector) RecordAppendEntries() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AppendEntriesCount++
}

func (m *MockMetricsCollector) RecordHeartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.HeartbeatCount++
}

func (m *MockMetricsCollector) RecordCommitted(entries uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommittedCount += entries
}

func (m *MockMetricsCollector) RecordCommitLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CommitLatencies = append(m.CommitLatencies, latency)
}

func (m *MockMetricsCollector) RecordBecameLeader() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BecameLeaderCount++
}

func (m *MockMetricsCollector) RecordBeganFollowing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BeganFollowingCount++
}

func (m *MockMetricsCollector) RecordStepDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StepDownCount++
}

// MetricsSnapshot is a point-in-time copy of the counters of a MockMetricsCollector
type MetricsSnapshot struct {
	AppendEntriesCount  int
	HeartbeatCount      int
	CommittedCount      uint64
	BecameLeaderCount   int
	BeganFollowingCount int
	StepDownCount       int
	InsertBatchBytes    []int
}

// Snapshot returns a copy of the counters, safe to read while the collector is in use
func (m *MockMetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MetricsSnapshot{
		AppendEntriesCount:  m.AppendEntriesCount,
		HeartbeatCount:      m.HeartbeatCount,
		CommittedCount:      m.CommittedCount,
		BecameLeaderCount:   m.BecameLeaderCount,
		BeganFollowingCount: m.BeganFollowingCount,
		StepDownCount:       m.StepDownCount,
		InsertBatchBytes:    append([]int(nil), m.InsertBatchBytes...),
	}
}

// RTTCount returns how many append round trips were recorded for follower
func (m *MockMetricsCollector) RTTCount(follower replog.ParticipantID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.AppendRTTs[follower])
}
