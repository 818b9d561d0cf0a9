package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/metrics"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/parcelbeat/ParcelBeat/internal/services/delay"
	"github.com/parcelbeat/ParcelBeat/internal/services/schedule"
	"github.com/parcelbeat/ParcelBeat/internal/services/usage"
	"github.com/parcelbeat/ParcelBeat/internal/storage/pgshipping"
	"github.com/pkg/errors"
)

// reviewThreshold: после стольких подряд ошибок шипмент помечается для
// ручного разбора.
const reviewThreshold = 2

// Skip reasons reported without any carrier call.
const (
	SkipNotFound         = "shipment_not_found"
	SkipDelivered        = "already_delivered"
	SkipArchived         = "archived"
	SkipUnknownCarrier   = "unknown_carrier"
	SkipNoAdapter        = "no_adapter"
	SkipBillingCancelled = "billing_cancelled"
)

type Repository interface {
	GetShipment(ctx context.Context, id uint64) (*models.Shipment, error)
	GetTenant(ctx context.Context, id uint64) (*models.Tenant, error)
	ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error)
	InsertTrackingEvents(ctx context.Context, shipmentID uint64, events []*models.TrackingEvent) (int, error)
	ApplyPollSuccess(ctx context.Context, upd pgshipping.ShipmentUpdate) error
	ApplyPollFailure(ctx context.Context, fail pgshipping.PollFailure) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type UsageGate interface {
	CheckCeiling(ctx context.Context, tenant *models.Tenant, now time.Time) (usage.Usage, error)
}

// Result is the per-job outcome reported to the job system and published
// for collaborators.
type Result struct {
	ShipmentID     uint64  `json:"shipmentId"`
	Success        bool    `json:"success"`
	IsDelayed      bool    `json:"isDelayed"`
	IsDelivered    bool    `json:"isDelivered"`
	NewEventsCount int     `json:"newEventsCount"`
	DurationMs     int64   `json:"durationMs"`
	Error          *string `json:"error,omitempty"`
	Skipped        bool    `json:"skipped,omitempty"`
	SkipReason     string  `json:"skipReason,omitempty"`
}

func skipped(shipmentID uint64, reason string, start time.Time) Result {
	metrics.PollSkips.WithLabelValues(reason).Inc()
	return Result{
		ShipmentID: shipmentID,
		Skipped:    true,
		SkipReason: reason,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// PollShipment runs one poll job by shipment id. The returned error is
// non-nil only for retryable failures: the surrounding job system uses it
// to trigger backoff and redelivery. Non-retryable failures come back as a
// completed-but-unsuccessful Result with a nil error.
func (p *Poller) PollShipment(ctx context.Context, shipmentID uint64) (Result, error) {
	start := time.Now()

	sh, err := p.repo.GetShipment(ctx, shipmentID)
	if err != nil {
		return Result{ShipmentID: shipmentID}, err
	}
	if sh == nil {
		return skipped(shipmentID, SkipNotFound, start), nil
	}
	return p.pollLoaded(ctx, sh, start)
}

func (p *Poller) pollLoaded(ctx context.Context, sh *models.Shipment, start time.Time) (Result, error) {
	switch {
	case sh.Delivered:
		return skipped(sh.ID, SkipDelivered, start), nil
	case sh.Archived:
		return skipped(sh.ID, SkipArchived, start), nil
	case sh.Carrier == models.CarrierUnknown || sh.Carrier == "":
		return skipped(sh.ID, SkipUnknownCarrier, start), nil
	}

	tenant, err := p.repo.GetTenant(ctx, sh.TenantID)
	if err != nil {
		return Result{ShipmentID: sh.ID}, err
	}
	if tenant != nil && tenant.BillingStatus == models.BillingStatusCancelled {
		return skipped(sh.ID, SkipBillingCancelled, start), nil
	}

	adapter := p.registry.ForCarrier(sh.Carrier)
	if adapter == nil {
		return skipped(sh.ID, SkipNoAdapter, start), nil
	}

	p.throttleCarrier(ctx, sh.Carrier)

	res, err := adapter.Track(ctx, sh.TrackingNumber)
	now := time.Now().UTC()

	if err != nil {
		return p.handleFailure(ctx, sh, carrier.AsError(err), now, start)
	}
	return p.handleSuccess(ctx, sh, tenant, &res, now, start)
}

// throttleCarrier применяет общий лимит исходящих запросов к перевозчику.
func (p *Poller) throttleCarrier(ctx context.Context, carrierCode string) {
	if p.rl == nil || p.rateLimitPerMinute <= 0 {
		return
	}
	limit := p.rateLimitPerMinute
	if override, ok := p.carrierRateLimits[carrierCode]; ok && override > 0 {
		limit = override
	}

	minuteKey := fmt.Sprintf("rl:carrier:%s:%s", carrierCode, time.Now().UTC().Format("200601021504"))
	allowed, n, err := p.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
	if err != nil {
		slog.Warn("carrier rate limiter unavailable", "carrier", carrierCode, "error", err.Error())
		return
	}
	if !allowed {
		// Слишком много запросов в минуту: подождём немного, чтобы разгрузить источник.
		slog.Warn("carrier rate limit exceeded", "carrier", carrierCode, "count", n)
		time.Sleep(500 * time.Millisecond)
	}
}

func (p *Poller) handleFailure(ctx context.Context, sh *models.Shipment, cerr *carrier.Error, now, start time.Time) (Result, error) {
	metrics.PollsTotal.WithLabelValues(sh.Carrier, "error").Inc()
	metrics.CarrierErrors.WithLabelValues(sh.Carrier, cerr.Code).Inc()

	nextFail := sh.PollErrorCount + 1
	next := now.Add(schedule.BackoffDelay(nextFail))
	if cerr.Code == carrier.CodeRateLimited {
		// 429: отодвигаем следующий опрос дальше обычного бэкоффа.
		next = next.Add(schedule.RateLimitExtraDelay)
	}

	needsReview := nextFail >= reviewThreshold
	if needsReview {
		metrics.ReviewFlagged.Inc()
		slog.Warn("shipment flagged for review",
			"shipment_id", sh.ID, "carrier", sh.Carrier,
			"error_count", nextFail, "code", cerr.Code)
	}

	if err := p.repo.ApplyPollFailure(ctx, pgshipping.PollFailure{
		ShipmentID:  sh.ID,
		PolledAt:    now,
		NextPollAt:  &next,
		ErrorText:   cerr.Error(),
		NeedsReview: needsReview,
	}); err != nil {
		return Result{ShipmentID: sh.ID}, err
	}

	msg := cerr.Error()
	result := Result{
		ShipmentID: sh.ID,
		Success:    false,
		Error:      &msg,
		DurationMs: time.Since(start).Milliseconds(),
	}
	p.publishUpdate(ctx, sh, sh.Status, sh.DelayReason, result, &next)

	if cerr.Retryable {
		return result, cerr
	}
	return result, nil
}

func (p *Poller) handleSuccess(ctx context.Context, sh *models.Shipment, tenant *models.Tenant, res *carrier.TrackingResult, now, start time.Time) (Result, error) {
	newEvents, err := p.repo.InsertTrackingEvents(ctx, sh.ID, res.Events)
	if err != nil {
		return Result{ShipmentID: sh.ID}, err
	}
	metrics.EventsInserted.Add(float64(newEvents))

	// First-scan metering: the flag is withheld at the ceiling, the events
	// stay. A later poll re-consults the gate so the flag can still be set
	// once capacity frees.
	hasScan := sh.HasCarrierScan
	if !hasScan && (newEvents > 0 || len(res.Events) > 0) {
		if tenant == nil {
			hasScan = true
		} else if u, gerr := p.gate.CheckCeiling(ctx, tenant, now); gerr != nil {
			slog.Error("usage gate check", "tenant_id", sh.TenantID, "error", gerr.Error())
		} else if u.IsAtLimit {
			metrics.ScanWithheld.Inc()
			slog.Info("first scan withheld at plan ceiling",
				"tenant_id", sh.TenantID, "shipment_id", sh.ID,
				"used", u.Used, "limit", u.Limit)
		} else {
			hasScan = true
		}
	}

	verdict := delay.Evaluate(sh, res, tenant, now)

	delivered := sh.Delivered || res.Delivered()
	deliveredAt := sh.DeliveredAt
	if res.DeliveredAt != nil {
		deliveredAt = res.DeliveredAt
	}
	if delivered && deliveredAt == nil {
		deliveredAt = &now
	}

	var delayFlaggedAt *time.Time
	switch {
	case delivered:
		delayFlaggedAt = nil
	case verdict.IsDelayed && sh.IsDelayed:
		delayFlaggedAt = sh.DelayFlaggedAt
	case verdict.IsDelayed:
		delayFlaggedAt = &now
		reason := ""
		if verdict.DelayReason != nil {
			reason = *verdict.DelayReason
		}
		metrics.DelayFlagged.WithLabelValues(reason).Inc()
	}

	resched := sh.RescheduledDeliveryDate
	if res.RescheduledDeliveryDate != nil {
		resched = res.RescheduledDeliveryDate
	}

	scanLoc, scanAt := sh.LastScanLocation, sh.LastScanAt
	if res.LastScanAt != nil {
		scanLoc, scanAt = res.LastScanLocation, res.LastScanAt
	}

	var next *time.Time
	if !delivered {
		sched := *sh
		sched.Delivered = delivered
		sched.ExpectedDeliveryDate = verdict.ExpectedDeliveryDate
		sched.RescheduledDeliveryDate = resched
		next = schedule.NextPollAt(&sched, tenant, now)
	}

	upd := pgshipping.ShipmentUpdate{
		ShipmentID: sh.ID,
		PolledAt:   now,

		Status:    res.Status,
		StatusRaw: res.StatusRaw,

		Delivered:   delivered,
		DeliveredAt: deliveredAt,

		ExpectedDeliveryDate:    verdict.ExpectedDeliveryDate,
		ExpectedDeliverySource:  verdict.ExpectedDeliverySource,
		RescheduledDeliveryDate: resched,

		IsDelayed:      verdict.IsDelayed && !delivered,
		DelayReason:    verdict.DelayReason,
		DaysDelayed:    verdict.DaysDelayed,
		DelayFlaggedAt: delayFlaggedAt,

		LastScanLocation: scanLoc,
		LastScanAt:       scanAt,
		HasCarrierScan:   hasScan,

		NextPollAt: next,
	}
	if err := p.repo.ApplyPollSuccess(ctx, upd); err != nil {
		return Result{ShipmentID: sh.ID}, errors.Wrap(err, "apply poll success")
	}

	metrics.PollsTotal.WithLabelValues(sh.Carrier, "ok").Inc()
	metrics.PollDuration.Observe(float64(time.Since(start).Milliseconds()))

	result := Result{
		ShipmentID:     sh.ID,
		Success:        true,
		IsDelayed:      upd.IsDelayed,
		IsDelivered:    delivered,
		NewEventsCount: newEvents,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	p.publishUpdate(ctx, sh, upd.Status, upd.DelayReason, result, next)
	return result, nil
}
