package fake

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/models"
)

// FakeAdapter — детерминированная заглушка перевозчика для локального
// запуска без реальных кредов. Статус зависит только от номера.
type FakeAdapter struct{}

func New() *FakeAdapter { return &FakeAdapter{} }

func (f *FakeAdapter) TrackingURL(trackingNumber string) string {
	return "https://example.invalid/track/" + trackingNumber
}

func (f *FakeAdapter) Track(ctx context.Context, trackingNumber string) (carrier.TrackingResult, error) {
	now := time.Now().UTC()

	h := fnv.New32a()
	_, _ = h.Write([]byte(trackingNumber))
	v := h.Sum32()

	// 20% треков считаем доставленными
	status := models.ShipmentStatusInTransit
	if v%5 == 0 {
		status = models.ShipmentStatusDelivered
	}

	ev := &models.TrackingEvent{
		EventTime:   now,
		Type:        status,
		Description: "fake carrier update",
	}

	res := carrier.TrackingResult{
		Status:     status,
		StatusRaw:  status,
		LastScanAt: &now,
		Events:     []*models.TrackingEvent{ev},
	}
	if status == models.ShipmentStatusDelivered {
		res.DeliveredAt = &now
	} else {
		eta := now.Add(72 * time.Hour)
		res.ExpectedDeliveryDate = &eta
	}
	return res, nil
}
