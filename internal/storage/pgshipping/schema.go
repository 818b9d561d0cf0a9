package pgshipping

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS tenants (
  id BIGSERIAL PRIMARY KEY,
  plan TEXT NOT NULL DEFAULT 'free',
  billing_status TEXT NOT NULL DEFAULT 'active',
  installed_at TIMESTAMPTZ NOT NULL,
  delay_grace_hours INT NOT NULL DEFAULT 8,
  poll_offset_minutes INT NOT NULL DEFAULT 0,
  delivery_window_overrides JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`
CREATE TABLE IF NOT EXISTS shipments (
  id BIGSERIAL PRIMARY KEY,
  tenant_id BIGINT NOT NULL REFERENCES tenants(id),
  carrier TEXT NOT NULL DEFAULT 'unknown',
  tracking_number TEXT NOT NULL DEFAULT '',
  service_level TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'UNKNOWN',
  status_raw TEXT NOT NULL DEFAULT '',
  delivered BOOLEAN NOT NULL DEFAULT FALSE,
  delivered_at TIMESTAMPTZ NULL,
  archived BOOLEAN NOT NULL DEFAULT FALSE,
  shipped_at TIMESTAMPTZ NULL,
  expected_delivery_date TIMESTAMPTZ NULL,
  expected_delivery_source TEXT NOT NULL DEFAULT '',
  rescheduled_delivery_date TIMESTAMPTZ NULL,
  is_delayed BOOLEAN NOT NULL DEFAULT FALSE,
  delay_reason TEXT NULL,
  days_delayed INT NOT NULL DEFAULT 0,
  delay_flagged_at TIMESTAMPTZ NULL,
  last_scan_location TEXT NULL,
  last_scan_at TIMESTAMPTZ NULL,
  has_carrier_scan BOOLEAN NOT NULL DEFAULT FALSE,
  last_polled_at TIMESTAMPTZ NULL,
  next_poll_at TIMESTAMPTZ NULL,
  poll_error_count INT NOT NULL DEFAULT 0,
  needs_review BOOLEAN NOT NULL DEFAULT FALSE,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tenant_id, carrier, tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_next_poll_at ON shipments(next_poll_at) WHERE next_poll_at IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_shipments_tenant_scan_window ON shipments(tenant_id, created_at) WHERE has_carrier_scan`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  shipment_id BIGINT NOT NULL REFERENCES shipments(id) ON DELETE CASCADE,
  event_time TIMESTAMPTZ NOT NULL,
  type TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  location_city TEXT NULL,
  location_state TEXT NULL,
  location_zip TEXT NULL,
  location_country TEXT NULL,
  payload JSONB NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_events_shipment_id_event_time ON tracking_events(shipment_id, event_time DESC)`,
		// Идемпотентность вставки событий: (shipment, time, type, description).
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_tracking_events_dedup ON tracking_events(shipment_id, event_time, type, description)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
