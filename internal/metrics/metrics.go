// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Login outcomes.
const (
	LoginSuccess   = "success"
	LoginFailure   = "failure"
	LoginThrottled = "throttled"
)

// Staff mutation actions.
const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus or keep them in memory.
type Recorder interface {
	// HTTP metrics
	ObserveRequest(method, route string, status int, duration time.Duration)

	// Authentication metrics
	IncLogin(backend, outcome string)
	IncSessionCreated()
	IncSessionDestroyed()

	// Staff metrics, entity is "user" or "group"
	IncStaffMutation(entity, action string)

	// Background task metrics, status is "ok", "error" or "skipped"
	IncTaskRun(task, status string)
	IncMailSent(status string)
}
