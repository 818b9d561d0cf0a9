package messages

import "time"

// ShipmentUpdated is published after every completed poll for out-of-scope
// consumers (dashboard, notification email).
type ShipmentUpdated struct {
	ShipmentID uint64    `json:"shipment_id"`
	TenantID   uint64    `json:"tenant_id"`
	PolledAt   time.Time `json:"polled_at"`

	Status      string `json:"status,omitempty"`
	IsDelayed   bool   `json:"is_delayed"`
	DelayReason string `json:"delay_reason,omitempty"`
	IsDelivered bool   `json:"is_delivered"`

	NewEventsCount int        `json:"new_events_count"`
	NextPollAt     *time.Time `json:"next_poll_at,omitempty"`

	Error *string `json:"error,omitempty"`
}

// PollRequested asks the worker to poll one shipment out of cadence
// (dashboard "refresh now"). JobID is the stable id derived from the
// shipment id, so a scheduler can avoid double-enqueuing.
type PollRequested struct {
	JobID      string `json:"job_id"`
	ShipmentID uint64 `json:"shipment_id"`
}
