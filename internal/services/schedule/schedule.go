// Package schedule computes when a shipment is polled next and with what
// queue priority. Both functions are pure.
package schedule

import (
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/models"
)

// Base intervals by delivery proximity.
const (
	IntervalPastDue          = 2 * time.Hour
	IntervalPastDueResched   = 4 * time.Hour
	IntervalImminent         = 4 * time.Hour // <= 1 day out
	IntervalNear             = 6 * time.Hour // 2..5 days out
	IntervalFar              = 8 * time.Hour // >= 6 days out
	IntervalUnknown          = 6 * time.Hour
)

// Queue priorities, past-due highest.
const (
	PriorityLow = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// MaxOffsetMinutes bounds the fixed per-tenant desync offset.
const MaxOffsetMinutes = 239

// BaseInterval is a pure function of (days-until-delivery,
// reschedule-present).
func BaseInterval(sh *models.Shipment, now time.Time) time.Duration {
	days, known := daysUntilExpected(sh, now)
	if !known {
		return IntervalUnknown
	}
	switch {
	case days < 0 && hasFutureReschedule(sh, now):
		return IntervalPastDueResched
	case days < 0:
		return IntervalPastDue
	case days <= 1:
		return IntervalImminent
	case days <= 5:
		return IntervalNear
	default:
		return IntervalFar
	}
}

// NextPollAt returns nil for terminal shipments, otherwise now + base
// interval + the tenant's fixed offset.
func NextPollAt(sh *models.Shipment, tenant *models.Tenant, now time.Time) *time.Time {
	if sh.Delivered || sh.Archived || sh.TrackingNumber == "" {
		return nil
	}
	next := now.Add(BaseInterval(sh, now)).Add(tenantOffset(tenant))
	next = next.UTC()
	return &next
}

// Priority mirrors the interval buckets for queue ordering; the tenant
// offset never affects it.
func Priority(sh *models.Shipment, now time.Time) int {
	days, known := daysUntilExpected(sh, now)
	if !known {
		return PriorityNormal
	}
	switch {
	case days < 0:
		return PriorityUrgent
	case days <= 1:
		return PriorityHigh
	case days <= 5:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

func tenantOffset(tenant *models.Tenant) time.Duration {
	if tenant == nil {
		return 0
	}
	m := tenant.PollOffsetMinutes
	if m < 0 {
		m = 0
	}
	if m > MaxOffsetMinutes {
		m = MaxOffsetMinutes
	}
	return time.Duration(m) * time.Minute
}

func daysUntilExpected(sh *models.Shipment, now time.Time) (int, bool) {
	if sh.ExpectedDeliveryDate == nil {
		return 0, false
	}
	ya, ma, da := now.UTC().Date()
	yb, mb, db := sh.ExpectedDeliveryDate.UTC().Date()
	d0 := time.Date(ya, ma, da, 0, 0, 0, 0, time.UTC)
	d1 := time.Date(yb, mb, db, 0, 0, 0, 0, time.UTC)
	return int(d1.Sub(d0).Hours() / 24), true
}

func hasFutureReschedule(sh *models.Shipment, now time.Time) bool {
	return sh.RescheduledDeliveryDate != nil && sh.RescheduledDeliveryDate.After(now)
}
