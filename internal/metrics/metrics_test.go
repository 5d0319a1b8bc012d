package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInMemoryRecorder(t *testing.T) {
	m := NewInMemory()

	m.ObserveRequest("GET", "/staff/", 200, 2*time.Millisecond)
	m.ObserveRequest("POST", "/staff/useradd/", 302, 3*time.Millisecond)
	m.IncLogin("model", LoginSuccess)
	m.IncLogin("model", LoginSuccess)
	m.IncLogin("ldap", LoginFailure)
	m.IncSessionCreated()
	m.IncSessionDestroyed()
	m.IncStaffMutation("user", ActionCreated)
	m.IncTaskRun("send-change-queue-reminder-email", "success")
	m.IncMailSent("success")

	snap := m.Snapshot()
	if snap.Requests != 2 {
		t.Errorf("Requests = %d, want 2", snap.Requests)
	}
	if snap.RequestTotalNs != (5 * time.Millisecond).Nanoseconds() {
		t.Errorf("RequestTotalNs = %d", snap.RequestTotalNs)
	}
	if snap.Logins["model/success"] != 2 || snap.Logins["ldap/failure"] != 1 {
		t.Errorf("unexpected logins: %v", snap.Logins)
	}
	if snap.SessionsCreated != 1 || snap.SessionsDestroyed != 1 {
		t.Errorf("unexpected session counters: %+v", snap)
	}
	if snap.StaffMutations["user/created"] != 1 {
		t.Errorf("unexpected staff mutations: %v", snap.StaffMutations)
	}

	// Snapshots are copies.
	snap.Logins["model/success"] = 100
	if m.Snapshot().Logins["model/success"] != 2 {
		t.Error("snapshot must not alias recorder state")
	}
}

func TestPrometheusRecorder(t *testing.T) {
	p := NewPrometheus()
	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(p); err != nil {
		t.Fatalf("register: %v", err)
	}

	p.IncLogin("model", LoginThrottled)
	p.IncStaffMutation("group", ActionDeleted)
	p.IncStaffMutation("group", ActionDeleted)
	p.ObserveRequest("GET", "/staff/", 200, time.Millisecond)

	expected := `
# HELP rattic_staff_mutations_total User and group changes made through the staff pages.
# TYPE rattic_staff_mutations_total counter
rattic_staff_mutations_total{action="deleted",entity="group"} 2
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "rattic_staff_mutations_total"); err != nil {
		t.Error(err)
	}

	if got := testutil.ToFloat64(p.logins.WithLabelValues("model", LoginThrottled)); got != 1 {
		t.Errorf("logins = %v, want 1", got)
	}

	if n, err := testutil.GatherAndCount(reg, "rattic_http_request_duration_seconds"); err != nil || n != 1 {
		t.Errorf("request histogram series = %d, err = %v", n, err)
	}
}

func TestNoopRecorder(t *testing.T) {
	var r Recorder = NewNoop()
	r.ObserveRequest("GET", "/", 200, time.Second)
	r.IncLogin("model", LoginSuccess)
	r.IncTaskRun("x", "failed")
}
