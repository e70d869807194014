// Package monitor keeps a bounded, most-recent-first view of failing and
// at-risk transfers. It is lossy: the compliance ledger is the durable
// record.
package monitor

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openbuilders/payout-orchestrator/internal/compliance"
	"github.com/openbuilders/payout-orchestrator/internal/events"
	"github.com/openbuilders/payout-orchestrator/internal/metrics"
	"github.com/openbuilders/payout-orchestrator/internal/types"

	"github.com/google/uuid"
)

type Config struct {
	// Capacity is the ring buffer size of every severity tier.
	Capacity int
}

// Entry is one observed failure. Final is false for attempts that will be
// retried.
type Entry struct {
	Status     types.JobStatus `json:"status"`
	ErrorCode  string          `json:"error_code"`
	Severity   types.Severity  `json:"severity"`
	Category   types.Category  `json:"category"`
	Final      bool            `json:"final"`
	ObservedAt time.Time       `json:"observed_at"`
	seq        uint64
}

type ring struct {
	entries []Entry
	next    int
	size    int
}

func newRing(capacity int) *ring {
	return &ring{entries: make([]Entry, capacity)}
}

// push stores e and returns the entry it overwrote, if any.
func (r *ring) push(e Entry) (Entry, bool) {
	evicted, full := r.entries[r.next], r.size == len(r.entries)

	r.entries[r.next] = e
	r.next = (r.next + 1) % len(r.entries)
	if !full {
		r.size++
	}

	return evicted, full
}

func (r *ring) each(fn func(Entry)) {
	for i := 0; i < r.size; i++ {
		fn(r.entries[(r.next-1-i+len(r.entries))%len(r.entries)])
	}
}

type Monitor struct {
	config *Config
	mu     sync.Mutex
	tiers  map[types.Severity]*ring
	// latest maps a job to the sequence of its most recent visible entry.
	latest map[uuid.UUID]uint64
	seq    uint64
	now    func() time.Time
	log    *slog.Logger
}

func New(config *Config) *Monitor {
	capacity := config.Capacity
	if capacity <= 0 {
		capacity = 100
	}

	tiers := make(map[types.Severity]*ring, len(types.Severities))
	for _, severity := range types.Severities {
		tiers[severity] = newRing(capacity)
	}

	return &Monitor{
		config: config,
		tiers:  tiers,
		latest: make(map[uuid.UUID]uint64),
		now:    time.Now,
		log:    slog.With("component", "error-monitor"),
	}
}

// Handle adapts the monitor to the event bus.
func (m *Monitor) Handle(ctx context.Context, event events.Event) {
	m.OnOutcome(event.Job, event.Outcome, event.Kind == events.JobFailed)
}

// OnOutcome ingests one attempt outcome. It never fails. A success hides
// every earlier entry of the same job.
func (m *Monitor) OnOutcome(job types.TransferJob, outcome types.Outcome,
	final bool) {

	m.mu.Lock()
	defer m.mu.Unlock()

	if outcome.IsSuccess() {
		delete(m.latest, job.ID)
		return
	}

	class := compliance.Classify(outcome.ErrorCode, outcome.Source)

	m.seq++
	entry := Entry{
		Status:     job.Status(),
		ErrorCode:  outcome.ErrorCode,
		Severity:   class.Severity,
		Category:   class.Category,
		Final:      final,
		ObservedAt: m.now().UTC(),
		seq:        m.seq,
	}

	m.latest[job.ID] = entry.seq

	evicted, ok := m.tiers[class.Severity].push(entry)
	if ok {
		metrics.MonitorEvictions.WithLabelValues(string(class.Severity)).Inc()
		if m.latest[evicted.Status.JobID] == evicted.seq {
			delete(m.latest, evicted.Status.JobID)
		}
	}

	m.log.Debug("Observed failure",
		"job", job.ID,
		"code", outcome.ErrorCode,
		"severity", class.Severity,
		"final", final,
	)
}

// Recent returns up to limit visible entries, most recent first.
func (m *Monitor) Recent(limit int) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []Entry
	for _, tier := range m.tiers {
		tier.each(func(e Entry) {
			if m.latest[e.Status.JobID] == e.seq {
				entries = append(entries, e)
			}
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].seq > entries[j].seq
	})

	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}

	return entries
}

// RecentFailures returns the job statuses of the latest failing or at-risk
// jobs, most recent first.
func (m *Monitor) RecentFailures(limit int) []types.JobStatus {
	entries := m.Recent(limit)

	statuses := make([]types.JobStatus, len(entries))
	for i, e := range entries {
		statuses[i] = e.Status
	}

	return statuses
}
