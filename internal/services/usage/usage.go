// Package usage meters billable first-scan events against the tenant's
// plan ceiling inside a rolling 30-day cycle anchored to the install date.
package usage

import (
	"context"
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/pkg/errors"
)

const cycleLength = 30 * 24 * time.Hour

type Repository interface {
	// CountFirstScans counts the tenant's shipments whose first-scan flag
	// is set and whose creation time falls inside [from, to).
	CountFirstScans(ctx context.Context, tenantID uint64, from, to time.Time) (int64, error)
}

type Gate struct {
	repo Repository
}

func NewGate(repo Repository) *Gate {
	return &Gate{repo: repo}
}

type Usage struct {
	Used      int64 `json:"used"`
	Limit     int64 `json:"limit"` // -1 = unlimited
	IsAtLimit bool  `json:"isAtLimit"`
	Remaining int64 `json:"remaining"`
}

// CycleWindow returns the active billing window for a tenant:
// index = floor((now - installedAt) / 30d), window = [installedAt + index*30d, +30d).
func CycleWindow(installedAt, now time.Time) (time.Time, time.Time) {
	if now.Before(installedAt) {
		return installedAt, installedAt.Add(cycleLength)
	}
	idx := now.Sub(installedAt) / cycleLength
	start := installedAt.Add(idx * cycleLength)
	return start, start.Add(cycleLength)
}

// CheckCeiling reports the tenant's metered usage in the active window
// against the plan ceiling.
func (g *Gate) CheckCeiling(ctx context.Context, tenant *models.Tenant, now time.Time) (Usage, error) {
	limit := models.PlanCeiling(tenant.Plan)
	if limit < 0 {
		return Usage{Used: 0, Limit: -1, IsAtLimit: false, Remaining: -1}, nil
	}

	from, to := CycleWindow(tenant.InstalledAt.UTC(), now.UTC())
	used, err := g.repo.CountFirstScans(ctx, tenant.ID, from, to)
	if err != nil {
		return Usage{}, errors.Wrap(err, "count first scans")
	}

	u := Usage{Used: used, Limit: limit}
	u.IsAtLimit = used >= limit
	if rem := limit - used; rem > 0 {
		u.Remaining = rem
	}
	return u, nil
}
