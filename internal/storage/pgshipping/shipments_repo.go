package pgshipping

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/pkg/errors"
)

const shipmentColumns = `
  id, tenant_id, carrier, tracking_number, service_level,
  status, status_raw,
  delivered, delivered_at, archived, shipped_at,
  expected_delivery_date, expected_delivery_source, rescheduled_delivery_date,
  is_delayed, delay_reason, days_delayed, delay_flagged_at,
  last_scan_location, last_scan_at, has_carrier_scan,
  last_polled_at, next_poll_at, poll_error_count,
  created_at, updated_at`

func scanShipment(row pgx.Row) (*models.Shipment, error) {
	var sh models.Shipment
	err := row.Scan(
		&sh.ID, &sh.TenantID, &sh.Carrier, &sh.TrackingNumber, &sh.ServiceLevel,
		&sh.Status, &sh.StatusRaw,
		&sh.Delivered, &sh.DeliveredAt, &sh.Archived, &sh.ShippedAt,
		&sh.ExpectedDeliveryDate, &sh.ExpectedDeliverySource, &sh.RescheduledDeliveryDate,
		&sh.IsDelayed, &sh.DelayReason, &sh.DaysDelayed, &sh.DelayFlaggedAt,
		&sh.LastScanLocation, &sh.LastScanAt, &sh.HasCarrierScan,
		&sh.LastPolledAt, &sh.NextPollAt, &sh.PollErrorCount,
		&sh.CreatedAt, &sh.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "scan shipment")
	}
	return &sh, nil
}

type ShipmentCreateInput struct {
	TenantID       uint64
	Carrier        string
	TrackingNumber string
	ServiceLevel   string
	ShippedAt      *time.Time
}

// CreateShipment is the ingestion write path: a shipment with a tracking
// number gets its first poll ~30 minutes out.
func (s *Storage) CreateShipment(ctx context.Context, in ShipmentCreateInput) (*models.Shipment, error) {
	now := time.Now().UTC()

	carrierCode := in.Carrier
	if carrierCode == "" {
		carrierCode = models.CarrierUnknown
	}

	var nextPollAt *time.Time
	if in.TrackingNumber != "" && carrierCode != models.CarrierUnknown {
		t := now.Add(30 * time.Minute)
		nextPollAt = &t
	}

	row := s.db.QueryRow(ctx, `
INSERT INTO shipments (
  tenant_id, carrier, tracking_number, service_level, shipped_at,
  next_poll_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
ON CONFLICT (tenant_id, carrier, tracking_number)
DO UPDATE SET updated_at = shipments.updated_at
RETURNING `+shipmentColumns,
		in.TenantID, carrierCode, in.TrackingNumber, in.ServiceLevel, in.ShippedAt,
		nextPollAt, now)

	sh, err := scanShipment(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert shipment")
	}
	return sh, nil
}

func (s *Storage) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	row := s.db.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = $1`, id)
	sh, err := scanShipment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sh, nil
}

// ClaimDueShipments выбирает пачку шипментов, готовых к опросу, и
// "бронирует" их, чтобы они не попадали в повторную выборку, пока воркер
// их обрабатывает. Использует SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+shipmentColumns+`
FROM shipments
WHERE next_poll_at IS NOT NULL
  AND next_poll_at <= $1
  AND NOT delivered
  AND NOT archived
  AND carrier <> $2
  AND tracking_number <> ''
ORDER BY next_poll_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.CarrierUnknown, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due shipments")
	}
	defer rows.Close()

	var picked []*models.Shipment
	for rows.Next() {
		sh, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		picked = append(picked, sh)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, sh := range picked {
		_, err := tx.Exec(ctx, `UPDATE shipments SET next_poll_at = $2, updated_at = now() WHERE id = $1`, sh.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease shipment")
		}
		t := leaseUntil
		sh.NextPollAt = &t
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// ShipmentUpdate is the single combined write applied after a successful
// poll. PollErrorCount is always reset to zero.
type ShipmentUpdate struct {
	ShipmentID uint64
	PolledAt   time.Time

	Status    string
	StatusRaw string

	Delivered   bool
	DeliveredAt *time.Time

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

	NextPollAt *time.Time
}

func (s *Storage) ApplyPollSuccess(ctx context.Context, upd ShipmentUpdate) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  status = $2,
  status_raw = $3,
  delivered = $4,
  delivered_at = $5,
  expected_delivery_date = $6,
  expected_delivery_source = $7,
  rescheduled_delivery_date = $8,
  is_delayed = $9,
  delay_reason = $10,
  days_delayed = $11,
  delay_flagged_at = $12,
  last_scan_location = $13,
  last_scan_at = $14,
  has_carrier_scan = $15,
  last_polled_at = $16,
  next_poll_at = $17,
  poll_error_count = 0,
  last_error = NULL,
  updated_at = now()
WHERE id = $1
`, upd.ShipmentID,
		upd.Status, upd.StatusRaw,
		upd.Delivered, upd.DeliveredAt,
		upd.ExpectedDeliveryDate, upd.ExpectedDeliverySource, upd.RescheduledDeliveryDate,
		upd.IsDelayed, upd.DelayReason, upd.DaysDelayed, upd.DelayFlaggedAt,
		upd.LastScanLocation, upd.LastScanAt, upd.HasCarrierScan,
		upd.PolledAt.UTC(), upd.NextPollAt)
	return errors.Wrap(err, "apply poll success")
}

type PollFailure struct {
	ShipmentID  uint64
	PolledAt    time.Time
	NextPollAt  *time.Time
	ErrorText   string
	NeedsReview bool
}

// ApplyPollFailure bumps poll_error_count and reschedules; the review flag
// sticks once set.
func (s *Storage) ApplyPollFailure(ctx context.Context, fail PollFailure) error {
	_, err := s.db.Exec(ctx, `
UPDATE shipments
SET
  last_polled_at = $2,
  poll_error_count = poll_error_count + 1,
  last_error = $3,
  next_poll_at = $4,
  needs_review = needs_review OR $5,
  updated_at = now()
WHERE id = $1
`, fail.ShipmentID, fail.PolledAt.UTC(), fail.ErrorText, fail.NextPollAt, fail.NeedsReview)
	return errors.Wrap(err, "apply poll failure")
}

// CountFirstScans counts metered first-scan shipments for the usage gate's
// active billing window.
func (s *Storage) CountFirstScans(ctx context.Context, tenantID uint64, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
SELECT count(*)
FROM shipments
WHERE tenant_id = $1
  AND has_carrier_scan
  AND created_at >= $2
  AND created_at < $3
`, tenantID, from.UTC(), to.UTC()).Scan(&n)
	return n, errors.Wrap(err, "count first scans")
}
