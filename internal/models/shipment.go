package models

import "time"

// Нормализованные статусы (можно расширять).
const (
	ShipmentStatusUnknown        = "UNKNOWN"
	ShipmentStatusPreTransit     = "PRE_TRANSIT"
	ShipmentStatusInTransit      = "IN_TRANSIT"
	ShipmentStatusOutForDelivery = "OUT_FOR_DELIVERY"
	ShipmentStatusDelivered      = "DELIVERED"
	ShipmentStatusException      = "DELIVERY_EXCEPTION"
	ShipmentStatusReturned       = "RETURN_TO_SENDER"
)

// Carrier — перевозчик. "unknown" никогда не опрашивается.
const (
	CarrierUPS     = "ups"
	CarrierFedEx   = "fedex"
	CarrierUSPS    = "usps"
	CarrierUnknown = "unknown"
)

// Provenance of the expected delivery date shown on a shipment.
const (
	DeliverySourceCarrier  = "carrier"
	DeliverySourceMerchant = "merchant_override"
	DeliverySourceComputed = "computed_default"
)

// Delay reasons. IsDelayed == true implies DelayReason is set.
const (
	DelayReasonCarrierException     = "CARRIER_EXCEPTION"
	DelayReasonPastExpectedDelivery = "PAST_EXPECTED_DELIVERY"
)

// Tenant billing statuses.
const (
	BillingStatusActive    = "active"
	BillingStatusTrial     = "trial"
	BillingStatusCancelled = "cancelled"
)

// Plans and first-scan ceilings per 30-day cycle. -1 = unlimited.
const (
	PlanFree       = "free"
	PlanStarter    = "starter"
	PlanGrowth     = "growth"
	PlanEnterprise = "enterprise"
)

func PlanCeiling(plan string) int64 {
	switch plan {
	case PlanFree:
		return 50
	case PlanStarter:
		return 250
	case PlanGrowth:
		return 1000
	case PlanEnterprise:
		return -1
	default:
		return 50
	}
}

type Shipment struct {
	ID       uint64
	TenantID uint64

	Carrier        string
	TrackingNumber string
	ServiceLevel   string

	Status    string
	StatusRaw string

	Delivered   bool
	DeliveredAt *time.Time
	Archived    bool

	ShippedAt *time.Time

	ExpectedDeliveryDate    *time.Time
	ExpectedDeliverySource  string
	RescheduledDeliveryDate *time.Time

	IsDelayed      bool
	DelayReason    *string
	DaysDelayed    int32
	DelayFlaggedAt *time.Time

	LastScanLocation *string
	LastScanAt       *time.Time
	HasCarrierScan   bool

	LastPolledAt   *time.Time
	NextPollAt     *time.Time
	PollErrorCount int32

	CreatedAt time.Time
	UpdatedAt time.Time
}

type TrackingEvent struct {
	ID         uint64
	ShipmentID uint64

	EventTime   time.Time
	Type        string
	Description string

	LocationCity    *string
	LocationState   *string
	LocationZip     *string
	LocationCountry *string

	PayloadJSON *string
	CreatedAt   time.Time
}

// Tenant — конфигурация арендатора, в этом ядре только читается.
type Tenant struct {
	ID            uint64
	Plan          string
	BillingStatus string
	InstalledAt   time.Time

	// Hours past end-of-day of the expected date before a shipment may be
	// flagged delayed. 0..72, default 8.
	DelayGraceHours int32

	// Fixed random offset in [0, 239] minutes assigned once at onboarding,
	// added to every poll interval to desynchronize tenants.
	PollOffsetMinutes int32

	// Per-service-level business-day window overrides, keyed by the
	// normalized service level (e.g. "ups_ground").
	DeliveryWindowOverrides map[string]int
}

// DefaultGraceHours is used when no tenant config is available.
const DefaultGraceHours = 8

// GraceHours clamps the stored value to the allowed 0..72 range. The
// storage layer applies the default of 8 for tenants that never set one.
func (t *Tenant) GraceHours() int32 {
	if t == nil {
		return DefaultGraceHours
	}
	h := t.DelayGraceHours
	if h < 0 {
		return 0
	}
	if h > 72 {
		return 72
	}
	return h
}
