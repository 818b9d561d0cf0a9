package pgshipping

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/pkg/errors"
)

type TenantCreateInput struct {
	Plan              string
	BillingStatus     string
	InstalledAt       time.Time
	DelayGraceHours   *int32 // nil = дефолт; явный 0 — валидное значение
	PollOffsetMinutes int32
}

// CreateTenant exists for the onboarding collaborator and tests; the poll
// core only reads tenants.
func (s *Storage) CreateTenant(ctx context.Context, in TenantCreateInput) (*models.Tenant, error) {
	plan := in.Plan
	if plan == "" {
		plan = models.PlanFree
	}
	status := in.BillingStatus
	if status == "" {
		status = models.BillingStatusActive
	}
	installedAt := in.InstalledAt
	if installedAt.IsZero() {
		installedAt = time.Now().UTC()
	}
	grace := int32(models.DefaultGraceHours)
	if in.DelayGraceHours != nil && *in.DelayGraceHours >= 0 {
		grace = *in.DelayGraceHours
	}

	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO tenants (plan, billing_status, installed_at, delay_grace_hours, poll_offset_minutes)
VALUES ($1,$2,$3,$4,$5)
RETURNING id
`, plan, status, installedAt.UTC(), grace, in.PollOffsetMinutes).Scan(&id)
	if err != nil {
		return nil, errors.Wrap(err, "insert tenant")
	}
	return s.GetTenant(ctx, id)
}

func (s *Storage) GetTenant(ctx context.Context, id uint64) (*models.Tenant, error) {
	var t models.Tenant
	var overrides *string
	err := s.db.QueryRow(ctx, `
SELECT id, plan, billing_status, installed_at, delay_grace_hours, poll_offset_minutes,
       delivery_window_overrides::text
FROM tenants
WHERE id = $1
`, id).Scan(&t.ID, &t.Plan, &t.BillingStatus, &t.InstalledAt, &t.DelayGraceHours,
		&t.PollOffsetMinutes, &overrides)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tenant")
	}

	if overrides != nil && *overrides != "" {
		m := map[string]int{}
		if json.Unmarshal([]byte(*overrides), &m) == nil {
			t.DeliveryWindowOverrides = m
		}
	}
	return &t, nil
}
