package metrics

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters. Labelled counters are keyed
// by their labels joined with "/".
type Snapshot struct {
	Requests          uint64
	RequestTotalNs    int64
	Logins            map[string]uint64
	SessionsCreated   uint64
	SessionsDestroyed uint64
	StaffMutations    map[string]uint64
	TaskRuns          map[string]uint64
	MailSent          map[string]uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	requests          uint64
	requestTotalNs    int64
	sessionsCreated   uint64
	sessionsDestroyed uint64

	mu             sync.Mutex
	logins         map[string]uint64
	staffMutations map[string]uint64
	taskRuns       map[string]uint64
	mailSent       map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{
		logins:         map[string]uint64{},
		staffMutations: map[string]uint64{},
		taskRuns:       map[string]uint64{},
		mailSent:       map[string]uint64{},
	}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Requests:          atomic.LoadUint64(&m.requests),
		RequestTotalNs:    atomic.LoadInt64(&m.requestTotalNs),
		Logins:            maps.Clone(m.logins),
		SessionsCreated:   atomic.LoadUint64(&m.sessionsCreated),
		SessionsDestroyed: atomic.LoadUint64(&m.sessionsDestroyed),
		StaffMutations:    maps.Clone(m.staffMutations),
		TaskRuns:          maps.Clone(m.taskRuns),
		MailSent:          maps.Clone(m.mailSent),
	}
}

// ObserveRequest records a served request.
func (m *InMemoryRecorder) ObserveRequest(method, route string, status int, duration time.Duration) {
	atomic.AddUint64(&m.requests, 1)
	atomic.AddInt64(&m.requestTotalNs, duration.Nanoseconds())
}

// IncLogin counts a login attempt.
func (m *InMemoryRecorder) IncLogin(backend, outcome string) {
	m.inc(m.logins, backend+"/"+outcome)
}

// IncSessionCreated increments the session created counter.
func (m *InMemoryRecorder) IncSessionCreated() {
	atomic.AddUint64(&m.sessionsCreated, 1)
}

// IncSessionDestroyed increments the session destroyed counter.
func (m *InMemoryRecorder) IncSessionDestroyed() {
	atomic.AddUint64(&m.sessionsDestroyed, 1)
}

// IncStaffMutation counts a staff change to a user or group.
func (m *InMemoryRecorder) IncStaffMutation(entity, action string) {
	m.inc(m.staffMutations, entity+"/"+action)
}

// IncTaskRun counts a scheduled task run.
func (m *InMemoryRecorder) IncTaskRun(task, status string) {
	m.inc(m.taskRuns, task+"/"+status)
}

// IncMailSent counts an outgoing mail.
func (m *InMemoryRecorder) IncMailSent(status string) {
	m.inc(m.mailSent, status)
}

func (m *InMemoryRecorder) inc(counters map[string]uint64, key string) {
	m.mu.Lock()
	counters[key]++
	m.mu.Unlock()
}
