// Package metrics defines the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Claims            *prometheus.CounterVec
	ClaimLatency      *prometheus.HistogramVec
	Rotations         *prometheus.CounterVec
	OpenSessions      prometheus.Gauge
	ActuatorAttempts  *prometheus.CounterVec
	ActuatorFailures  *prometheus.CounterVec
	RoomUnlocked      *prometheus.GaugeVec
	SessionsSwept     prometheus.Counter
	IntakeMessages    *prometheus.CounterVec
	ArchivedSnapshots *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Claims: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "claims_total",
			Help:      "Attendance claims adjudicated, by method, outcome and reason.",
		}, []string{"method", "outcome", "reason"}),
		ClaimLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "attendance",
			Name:      "claim_duration_seconds",
			Help:      "Time spent adjudicating one claim.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}, []string{"method"}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "token_rotations_total",
			Help:      "QR token rotations, by result.",
		}, []string{"result"}),
		OpenSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "attendance",
			Name:      "open_sessions",
			Help:      "Sessions currently open.",
		}),
		ActuatorAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "door_actuator_attempts_total",
			Help:      "Door actuator commands sent, by room, command and result.",
		}, []string{"room", "command", "result"}),
		ActuatorFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "door_actuator_alerts_total",
			Help:      "Door commands that exhausted their retries.",
		}, []string{"room"}),
		RoomUnlocked: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "attendance",
			Name:      "room_unlocked",
			Help:      "1 when the controller believes the room is unlocked.",
		}, []string{"room"}),
		SessionsSwept: f.NewCounter(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "sessions_auto_closed_total",
			Help:      "Sessions closed by the expiry sweeper.",
		}),
		IntakeMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "intake_messages_total",
			Help:      "Queued claim messages consumed, by type and result.",
		}, []string{"type", "result"}),
		ArchivedSnapshots: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "attendance",
			Name:      "archive_messages_total",
			Help:      "Archive worker messages handled, by type and result.",
		}, []string{"type", "result"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "attendance",
			Name:      "queue_depth",
			Help:      "Messages waiting in a queue, sampled periodically.",
		}, []string{"queue"}),
	}
}

// ObserveClaim counts one adjudicated claim.
func (m *Metrics) ObserveClaim(method, outcome, reason string, seconds float64) {
	if m == nil {
		return
	}
	m.Claims.WithLabelValues(method, outcome, reason).Inc()
	m.ClaimLatency.WithLabelValues(method).Observe(seconds)
}

// ObserveRotation counts one rotation attempt.
func (m *Metrics) ObserveRotation(ok bool) {
	if m == nil {
		return
	}
	m.Rotations.WithLabelValues(result(ok)).Inc()
}

// SessionOpened and SessionClosed keep the open sessions gauge current.
func (m *Metrics) SessionOpened() {
	if m != nil {
		m.OpenSessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.OpenSessions.Dec()
	}
}

// ObserveActuator counts one actuator command.
func (m *Metrics) ObserveActuator(room, command string, ok bool) {
	if m == nil {
		return
	}
	m.ActuatorAttempts.WithLabelValues(room, command, result(ok)).Inc()
}

// ActuatorAlert counts a command that exhausted its retries.
func (m *Metrics) ActuatorAlert(room string) {
	if m != nil {
		m.ActuatorFailures.WithLabelValues(room).Inc()
	}
}

// SetRoomUnlocked records the believed lock state of room.
func (m *Metrics) SetRoomUnlocked(room string, unlocked bool) {
	if m == nil {
		return
	}
	v := 0.0
	if unlocked {
		v = 1
	}
	m.RoomUnlocked.WithLabelValues(room).Set(v)
}

// SessionSwept counts an automatic close.
func (m *Metrics) SessionSwept() {
	if m != nil {
		m.SessionsSwept.Inc()
	}
}

// ObserveIntake counts one consumed claim message.
func (m *Metrics) ObserveIntake(typ string, ok bool) {
	if m != nil {
		m.IntakeMessages.WithLabelValues(typ, result(ok)).Inc()
	}
}

// ObserveArchive counts one archive worker message.
func (m *Metrics) ObserveArchive(typ string, ok bool) {
	if m != nil {
		m.ArchivedSnapshots.WithLabelValues(typ, result(ok)).Inc()
	}
}

// SetQueueDepth records the sampled length of queue.
func (m *Metrics) SetQueueDepth(queue string, n int64) {
	if m != nil {
		m.QueueDepth.WithLabelValues(queue).Set(float64(n))
	}
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
