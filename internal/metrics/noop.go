package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest is a no-op.
func (n *NoopRecorder) ObserveRequest(method, route string, status int, duration time.Duration) {}

// IncLogin is a no-op.
func (n *NoopRecorder) IncLogin(backend, outcome string) {}

// IncSessionCreated is a no-op.
func (n *NoopRecorder) IncSessionCreated() {}

// IncSessionDestroyed is a no-op.
func (n *NoopRecorder) IncSessionDestroyed() {}

// IncStaffMutation is a no-op.
func (n *NoopRecorder) IncStaffMutation(entity, action string) {}

// IncTaskRun is a no-op.
func (n *NoopRecorder) IncTaskRun(task, status string) {}

// IncMailSent is a no-op.
func (n *NoopRecorder) IncMailSent(status string) {}
