package carrier

import (
	"context"
	"sort"
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/models"
)

// TrackingResult — нормализованный ответ перевозчика; не персистится.
// Events отсортированы от самого свежего к самому старому.
type TrackingResult struct {
	Status    string
	StatusRaw string

	IsException      bool
	ExceptionCode    string
	ExceptionMessage string

	ExpectedDeliveryDate    *time.Time
	RescheduledDeliveryDate *time.Time
	DeliveredAt             *time.Time

	LastScanLocation *string
	LastScanAt       *time.Time

	Events []*models.TrackingEvent
}

func (r *TrackingResult) Delivered() bool {
	return r != nil && r.Status == models.ShipmentStatusDelivered
}

// Adapter is the uniform per-carrier tracking contract: exactly one
// outbound request per Track call.
type Adapter interface {
	Track(ctx context.Context, trackingNumber string) (TrackingResult, error)
	TrackingURL(trackingNumber string) string
}

// Registry maps a carrier value to its adapter.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(carrierCode string, a Adapter) *Registry {
	r.adapters[carrierCode] = a
	return r
}

// ForCarrier returns nil for models.CarrierUnknown and unregistered codes.
func (r *Registry) ForCarrier(carrierCode string) Adapter {
	if carrierCode == models.CarrierUnknown {
		return nil
	}
	return r.adapters[carrierCode]
}

func (r *Registry) Carriers() []string {
	out := make([]string, 0, len(r.adapters))
	for c := range r.adapters {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// SortEventsDesc orders events most-recent-first in place.
func SortEventsDesc(evs []*models.TrackingEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		return evs[i].EventTime.After(evs[j].EventTime)
	})
}
