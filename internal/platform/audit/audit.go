// Package audit defines the events emitted by the quota subsystem for
// cost-control traceability. Events are transport-agnostic so publishers
// can fan out to Kafka, logs, or in-memory stores.
package audit

import (
	"time"

	"explaind/pkg/domain"
)

// Event captures one security- or billing-relevant action.
type Event struct {
	Timestamp time.Time     `json:"timestamp"`
	Action    string        `json:"action"`
	UserID    domain.UserID `json:"user_id,omitempty"`
	Day       string        `json:"day,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Requests  int           `json:"requests,omitempty"`
	Tokens    int           `json:"tokens,omitempty"`
}

const (
	// Admission lifecycle.
	EventAdmitted  = "quota_admitted"
	EventDenied    = "quota_denied"
	EventCommitted = "quota_committed"
	EventReleased  = "quota_released"

	// Overshoot: a commit pushed the bucket past its token cap.
	EventOvershoot = "quota_overshoot"

	// Degraded-mode transitions of the admission controller.
	EventDegradedEntered = "quota_degraded_entered"
	EventDegradedExited  = "quota_degraded_exited"

	// Input handling.
	EventInputTruncated = "quota_input_truncated"
)
