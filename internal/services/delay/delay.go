// Package delay implements the pure delay-detection engine: given stored
// shipment state, the latest carrier result and tenant configuration it
// produces a delay verdict without touching any I/O.
package delay

import (
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/models"
)

type Verdict struct {
	IsDelayed   bool
	DelayReason *string
	DaysDelayed int32

	// The displayed expected date and which source won. A later carrier
	// reschedule moves the deadline but never this date.
	ExpectedDeliveryDate   *time.Time
	ExpectedDeliverySource string
}

func reasonPtr(r string) *string { return &r }

// Evaluate runs the decision order: delivered short-circuit, expected-date
// resolution, deadline check against reschedule-or-expected plus grace
// hours, carrier exception, past-deadline.
func Evaluate(sh *models.Shipment, res *carrier.TrackingResult, tenant *models.Tenant, now time.Time) Verdict {
	expected, source := resolveExpected(sh, res, tenant)

	v := Verdict{
		ExpectedDeliveryDate:   expected,
		ExpectedDeliverySource: source,
	}

	if sh.Delivered || res.Delivered() {
		return v
	}

	if res != nil && res.IsException {
		v.IsDelayed = true
		v.DelayReason = reasonPtr(models.DelayReasonCarrierException)
		v.DaysDelayed = daysDelayed(expected, now)
		return v
	}

	if expected == nil {
		return v
	}

	deadline := deadlineFor(sh, res, expected, tenant)
	if now.After(deadline) {
		v.IsDelayed = true
		v.DelayReason = reasonPtr(models.DelayReasonPastExpectedDelivery)
		v.DaysDelayed = daysDelayed(expected, now)
	}
	return v
}

// resolveExpected applies the source precedence: latest adapter date, then
// the stored carrier-reported date, then a merchant override, then the
// computed business-day default.
func resolveExpected(sh *models.Shipment, res *carrier.TrackingResult, tenant *models.Tenant) (*time.Time, string) {
	if res != nil && res.ExpectedDeliveryDate != nil {
		t := res.ExpectedDeliveryDate.UTC()
		return &t, models.DeliverySourceCarrier
	}
	if sh.ExpectedDeliveryDate != nil {
		switch sh.ExpectedDeliverySource {
		case models.DeliverySourceCarrier:
			t := sh.ExpectedDeliveryDate.UTC()
			return &t, models.DeliverySourceCarrier
		case models.DeliverySourceMerchant:
			t := sh.ExpectedDeliveryDate.UTC()
			return &t, models.DeliverySourceMerchant
		}
	}

	shipDate := sh.ShippedAt
	if shipDate == nil {
		shipDate = &sh.CreatedAt
	}
	if shipDate.IsZero() {
		return nil, ""
	}

	var overrides map[string]int
	if tenant != nil {
		overrides = tenant.DeliveryWindowOverrides
	}
	svc := carrier.NormalizeServiceLevel(sh.Carrier, sh.ServiceLevel)
	window := WindowFor(sh.Carrier, svc, overrides)

	t := AddBusinessDays(*shipDate, window)
	return &t, models.DeliverySourceComputed
}

// deadlineFor picks the date the current poll is checked against: a carrier
// reschedule later than the expected date wins, otherwise the expected
// date. Grace hours extend end-of-day.
func deadlineFor(sh *models.Shipment, res *carrier.TrackingResult, expected *time.Time, tenant *models.Tenant) time.Time {
	date := *expected
	resched := sh.RescheduledDeliveryDate
	if res != nil && res.RescheduledDeliveryDate != nil {
		resched = res.RescheduledDeliveryDate
	}
	if resched != nil && resched.After(date) {
		date = *resched
	}

	grace := models.DefaultGraceHours
	if tenant != nil {
		grace = int(tenant.GraceHours())
	}
	return endOfDay(date).Add(time.Duration(grace) * time.Hour)
}

func daysDelayed(expected *time.Time, now time.Time) int32 {
	if expected == nil {
		return 0
	}
	return int32(calendarDaysBetween(*expected, now))
}
