package model

import "time"

// RecalcRequest asks the pricing service to recompute unit pricing.
type RecalcRequest struct {
	ProjectID   string    `json:"project_id"`
	LineItemID  string    `json:"line_item_id"`
	Reason      string    `json:"reason"`
	RequestedAt time.Time `json:"requested_at"`
}

// RecalcStatus is the delivery outcome of a recalculation notification.
type RecalcStatus string

const (
	RecalcDelivered RecalcStatus = "delivered"
	RecalcFailed    RecalcStatus = "failed"
	// RecalcSkipped means the change could not affect pricing.
	RecalcSkipped RecalcStatus = "skipped"
)

// RecalcOutcome is reported next to a committed state change. A failed
// outcome never undoes the change.
type RecalcOutcome struct {
	Status RecalcStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
	Queued bool         `json:"queued,omitempty"`
}

// Failed reports whether the caller should surface a recalculation problem.
func (o RecalcOutcome) Failed() bool {
	return o.Status == RecalcFailed
}

// RecalcOutboxEntry is an undelivered recalculation kept for replay.
type RecalcOutboxEntry struct {
	ID           string        `json:"id"`
	Request      RecalcRequest `json:"request"`
	Error        string        `json:"error"`
	RetryCount   int           `json:"retry_count"`
	MaxRetries   int           `json:"max_retries"`
	NextRetryAt  time.Time     `json:"next_retry_at"`
	CreatedAt    time.Time     `json:"created_at"`
	LastFailedAt time.Time     `json:"last_failed_at"`
}

// CanRetry reports whether the entry has attempts left.
func (e *RecalcOutboxEntry) CanRetry() bool {
	return e.RetryCount < e.MaxRetries
}
