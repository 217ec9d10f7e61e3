package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Notification outcomes recorded by watchers
const (
	OutcomeSelf      = "self"
	OutcomeNoKeys    = "no_keys"
	OutcomeDisjoint  = "disjoint"
	OutcomeRefetch   = "refetch"
	OutcomeCancelled = "cancelled"
)

// Metrics tracks watcher and fetch statistics
type Metrics struct {
	activeWatchers   atomic.Int64
	notifications    atomic.Int64
	refetches        atomic.Int64
	fetchesIssued    atomic.Int64
	fetchesCompleted atomic.Int64
	fetchErrors      atomic.Int64
	staleCompletions atomic.Int64

	// Per-query stats
	mu         sync.RWMutex
	queryStats map[string]*QueryStats
	outcomes   map[string]int64
	startTime  time.Time
}

// QueryStats tracks statistics for a specific query
type QueryStats struct {
	QueryID          string    `json:"query_id"`
	Notifications    int64     `json:"notifications"`
	Refetches        int64     `json:"refetches"`
	FetchesIssued    int64     `json:"fetches_issued"`
	FetchesCompleted int64     `json:"fetches_completed"`
	FetchErrors      int64     `json:"fetch_errors"`
	LastFetchAt      time.Time `json:"last_fetch_at"`
	FirstSeenAt      time.Time `json:"first_seen_at"`
}

// NewMetrics creates a new metrics tracker
func NewMetrics() *Metrics {
	return &Metrics{
		queryStats: make(map[string]*QueryStats),
		outcomes:   make(map[string]int64),
		startTime:  time.Now(),
	}
}

// WatcherStarted records a new live watcher
func (m *Metrics) WatcherStarted(queryID string) {
	m.activeWatchers.Add(1)
	m.mu.Lock()
	m.statsLocked(queryID)
	m.mu.Unlock()
}

// WatcherStopped records a cancelled watcher
func (m *Metrics) WatcherStopped(queryID string) {
	m.activeWatchers.Add(-1)
}

// NotificationHandled records how a watcher treated one store notification
func (m *Metrics) NotificationHandled(queryID, outcome string) {
	m.notifications.Add(1)
	if outcome == OutcomeRefetch {
		m.refetches.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
	stats := m.statsLocked(queryID)
	stats.Notifications++
	if outcome == OutcomeRefetch {
		stats.Refetches++
	}
}

// FetchIssued records a fetch request
func (m *Metrics) FetchIssued(queryID string) {
	m.fetchesIssued.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.statsLocked(queryID)
	stats.FetchesIssued++
	stats.LastFetchAt = time.Now()
}

// FetchCompleted records a fetch completion delivered to its watcher
func (m *Metrics) FetchCompleted(queryID string, err error) {
	m.fetchesCompleted.Add(1)
	if err != nil {
		m.fetchErrors.Add(1)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.statsLocked(queryID)
	stats.FetchesCompleted++
	if err != nil {
		stats.FetchErrors++
	}
}

// StaleCompletion records a completion dropped because it was superseded or cancelled
func (m *Metrics) StaleCompletion(queryID string) {
	m.staleCompletions.Add(1)
}

func (m *Metrics) statsLocked(queryID string) *QueryStats {
	stats, exists := m.queryStats[queryID]
	if !exists {
		stats = &QueryStats{
			QueryID:     queryID,
			FirstSeenAt: time.Now(),
		}
		m.queryStats[queryID] = stats
	}
	return stats
}

// GetSnapshot returns a snapshot of current metrics
func (m *Metrics) GetSnapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Copy query stats
	topQueries := make([]*QueryStats, 0, len(m.queryStats))
	for _, stats := range m.queryStats {
		copied := *stats
		topQueries = append(topQueries, &copied)
	}

	// Most refetched first (top 10)
	sort.SliceStable(topQueries, func(i, j int) bool {
		if topQueries[i].Refetches != topQueries[j].Refetches {
			return topQueries[i].Refetches > topQueries[j].Refetches
		}
		return topQueries[i].QueryID < topQueries[j].QueryID
	})
	if len(topQueries) > 10 {
		topQueries = topQueries[:10]
	}

	outcomes := make(map[string]int64, len(m.outcomes))
	for outcome, count := range m.outcomes {
		outcomes[outcome] = count
	}

	uptime := time.Since(m.startTime)

	return &Snapshot{
		ActiveWatchers:   m.activeWatchers.Load(),
		Notifications:    m.notifications.Load(),
		Outcomes:         outcomes,
		Refetches:        m.refetches.Load(),
		FetchesIssued:    m.fetchesIssued.Load(),
		FetchesCompleted: m.fetchesCompleted.Load(),
		FetchErrors:      m.fetchErrors.Load(),
		StaleCompletions: m.staleCompletions.Load(),
		TopQueries:       topQueries,
		UptimeSeconds:    int64(uptime.Seconds()),
		StartTime:        m.startTime,
	}
}

// QueryStats returns a copy of the counters kept for queryID
func (m *Metrics) QueryStats(queryID string) (*QueryStats, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats, ok := m.queryStats[queryID]
	if !ok {
		return nil, false
	}
	copied := *stats
	return &copied, true
}

// Snapshot represents a point-in-time view of metrics
type Snapshot struct {
	ActiveWatchers   int64            `json:"active_watchers"`
	Notifications    int64            `json:"notifications"`
	Outcomes         map[string]int64 `json:"outcomes"`
	Refetches        int64            `json:"refetches"`
	FetchesIssued    int64            `json:"fetches_issued"`
	FetchesCompleted int64            `json:"fetches_completed"`
	FetchErrors      int64            `json:"fetch_errors"`
	StaleCompletions int64            `json:"stale_completions"`
	TopQueries       []*QueryStats    `json:"top_queries"`
	UptimeSeconds    int64            `json:"uptime_seconds"`
	StartTime        time.Time        `json:"start_time"`
}
