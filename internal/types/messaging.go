package types

import "time"

// RetryTask is the SQS message envelope for re-applying an entitlement write
// that failed inside the webhook path. The webhook endpoint has already
// acknowledged the event to the processor at that point, so the processor will
// not redeliver it; this queue is the only remaining path to consistency.
//
// The task carries the fully derived record rather than the raw event so the
// worker does not need to re-run user resolution or re-fetch processor state.
type RetryTask struct {
	TaskID     string    `json:"task_id"`
	EventID    string    `json:"event_id"`
	EventType  string    `json:"event_type"`
	TraceID    string    `json:"trace_id,omitempty"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`

	Record EntitlementRecord `json:"record"`
}
