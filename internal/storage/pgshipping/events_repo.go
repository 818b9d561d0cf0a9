package pgshipping

import (
	"context"
	"encoding/json"

	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/pkg/errors"
)

func (s *Storage) ListTrackingEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.Query(ctx, `
SELECT
  id, shipment_id, event_time, type, description,
  location_city, location_state, location_zip, location_country,
  payload, created_at
FROM tracking_events
WHERE shipment_id = $1
ORDER BY event_time DESC
LIMIT $2 OFFSET $3
`, shipmentID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		var payload any
		if err := rows.Scan(
			&e.ID, &e.ShipmentID, &e.EventTime, &e.Type, &e.Description,
			&e.LocationCity, &e.LocationState, &e.LocationZip, &e.LocationCountry,
			&payload, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}

		if payload != nil {
			b, _ := json.Marshal(payload)
			s := string(b)
			e.PayloadJSON = &s
		}

		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// InsertTrackingEvents appends only events not already present; dedup key
// is (shipment_id, event_time, type, description). Returns the number of
// rows actually inserted.
func (s *Storage) InsertTrackingEvents(ctx context.Context, shipmentID uint64, events []*models.TrackingEvent) (int, error) {
	inserted := 0
	for _, e := range events {
		var payload any
		if e.PayloadJSON != nil && *e.PayloadJSON != "" {
			var m any
			if json.Unmarshal([]byte(*e.PayloadJSON), &m) == nil {
				payload = m
			}
		}

		tag, err := s.db.Exec(ctx, `
INSERT INTO tracking_events (
  shipment_id, event_time, type, description,
  location_city, location_state, location_zip, location_country,
  payload, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9, now())
ON CONFLICT (shipment_id, event_time, type, description) DO NOTHING
`, shipmentID, e.EventTime.UTC(), e.Type, e.Description,
			e.LocationCity, e.LocationState, e.LocationZip, e.LocationCountry,
			payload)
		if err != nil {
			return inserted, errors.Wrap(err, "insert tracking event")
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}
