package fedex

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/stretchr/testify/require"
)

type staticTokenStore struct {
	mu      sync.Mutex
	token   string
	evicted int
}

func (s *staticTokenStore) GetToken(ctx context.Context, carrierCode string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token, s.token != "", nil
}
func (s *staticTokenStore) SetToken(ctx context.Context, carrierCode, token string, ttl time.Duration) error {
	return nil
}
func (s *staticTokenStore) Evict(ctx context.Context, carrierCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted++
	s.token = ""
	return nil
}

func testCreds(store *staticTokenStore) *carrier.Credentials {
	return carrier.NewCredentials(store)
}

const fedexInTransitBody = `{
  "output": {
    "completeTrackResults": [{
      "trackResults": [{
        "latestStatusDetail": {"code": "IT", "derivedCode": "IT", "statusByLocale": "In transit"},
        "dateAndTimes": [
          {"type": "ESTIMATED_DELIVERY", "dateTime": "2026-03-12T00:00:00-05:00"}
        ],
        "scanEvents": [
          {"date": "2026-03-09T18:04:00-05:00", "eventType": "DP", "eventDescription": "Departed FedEx location",
           "scanLocation": {"city": "MEMPHIS", "stateOrProvinceCode": "TN", "countryCode": "US"}},
          {"date": "2026-03-08T11:00:00-05:00", "eventType": "PU", "eventDescription": "Picked up",
           "scanLocation": {"city": "AUSTIN", "stateOrProvinceCode": "TX", "countryCode": "US"}}
        ]
      }]
    }]
  }
}`

func TestTrack_InTransit(t *testing.T) {
	var gotBody trackRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/track/v1/trackingnumbers", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		b, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(b, &gotBody))
		_, _ = w.Write([]byte(fedexInTransitBody))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	res, err := c.Track(context.Background(), "612345678901")
	require.NoError(t, err)

	require.True(t, gotBody.IncludeDetailedScans)
	require.Len(t, gotBody.TrackingInfo, 1)
	require.Equal(t, "612345678901", gotBody.TrackingInfo[0].TrackingNumberInfo.TrackingNumber)

	require.Equal(t, models.ShipmentStatusInTransit, res.Status)
	require.Equal(t, "In transit", res.StatusRaw)
	require.False(t, res.IsException)

	require.Len(t, res.Events, 2)
	require.Equal(t, "Departed FedEx location", res.Events[0].Description)
	require.Equal(t, "MEMPHIS, TN, US", *res.LastScanLocation)

	// -05:00 нормализуется в UTC.
	require.Equal(t, time.Date(2026, 3, 12, 5, 0, 0, 0, time.UTC), *res.ExpectedDeliveryDate)
	require.Nil(t, res.DeliveredAt)
}

func TestTrack_DeliveredActualDate(t *testing.T) {
	body := `{"output": {"completeTrackResults": [{"trackResults": [{
	  "latestStatusDetail": {"derivedCode": "DL", "statusByLocale": "Delivered"},
	  "dateAndTimes": [{"type": "ACTUAL_DELIVERY", "dateTime": "2026-03-11T14:02:00-05:00"}],
	  "scanEvents": [{"date": "2026-03-11T14:02:00-05:00", "eventType": "DL", "eventDescription": "Delivered"}]
	}]}]}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	res, err := c.Track(context.Background(), "612345678901")
	require.NoError(t, err)
	require.True(t, res.Delivered())
	require.Equal(t, time.Date(2026, 3, 11, 19, 2, 0, 0, time.UTC), *res.DeliveredAt)
}

func TestTrack_DelayDetailIsException(t *testing.T) {
	body := `{"output": {"completeTrackResults": [{"trackResults": [{
	  "latestStatusDetail": {"derivedCode": "DE", "statusByLocale": "Delivery exception",
	    "delayDetail": {"type": "WEATHER"}},
	  "estimatedDeliveryTimeWindow": {"window": {"ends": "2026-03-14T00:00:00-05:00"}},
	  "standardTransitTimeWindow": {"window": {"ends": "2026-03-12T00:00:00-05:00"}},
	  "scanEvents": []
	}]}]}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	res, err := c.Track(context.Background(), "612345678901")
	require.NoError(t, err)

	require.True(t, res.IsException)
	require.Equal(t, "DE", res.ExceptionCode)
	require.Equal(t, models.ShipmentStatusException, res.Status)

	// Transit window закрывает ожидаемую дату, estimated window — перенос.
	require.Equal(t, time.Date(2026, 3, 12, 5, 0, 0, 0, time.UTC), *res.ExpectedDeliveryDate)
	require.Equal(t, time.Date(2026, 3, 14, 5, 0, 0, 0, time.UTC), *res.RescheduledDeliveryDate)
}

func TestTrack_EmbeddedNotFound(t *testing.T) {
	body := `{"output": {"completeTrackResults": [{"trackResults": [{
	  "error": {"code": "TRACKING.TRACKINGNUMBER.NOTFOUND", "message": "Tracking number cannot be found"}
	}]}]}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	_, err := c.Track(context.Background(), "612345678901")
	require.Error(t, err)
	require.Equal(t, carrier.CodeTrackingNotFound, carrier.AsError(err).Code)
}

func TestTrack_Unauthorized_EvictsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	store := &staticTokenStore{token: "stale"}
	c := New(srv.URL, testCreds(store))
	_, err := c.Track(context.Background(), "612345678901")
	require.Error(t, err)
	require.Equal(t, carrier.CodeAuthFailed, carrier.AsError(err).Code)
	require.Equal(t, 1, store.evicted)
}

func TestTrack_ServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	_, err := c.Track(context.Background(), "612345678901")
	require.Error(t, err)
	ce := carrier.AsError(err)
	require.Equal(t, carrier.CodeAPIError, ce.Code)
	require.True(t, ce.Retryable)
}

func TestStatusFromCode(t *testing.T) {
	require.Equal(t, models.ShipmentStatusDelivered, statusFromCode("DL"))
	require.Equal(t, models.ShipmentStatusOutForDelivery, statusFromCode("OD"))
	require.Equal(t, models.ShipmentStatusInTransit, statusFromCode("AR"))
	require.Equal(t, models.ShipmentStatusPreTransit, statusFromCode("OC"))
	require.Equal(t, models.ShipmentStatusException, statusFromCode("DE"))
	require.Equal(t, models.ShipmentStatusReturned, statusFromCode("RS"))
	require.Equal(t, models.ShipmentStatusUnknown, statusFromCode("??"))
}
