package ups

import (
	"context"
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

const upsDeliveredBody = `{
  "trackResponse": {
    "shipment": [{
      "package": [{
        "currentStatus": {"type": "D", "code": "011", "description": "Delivered"},
        "deliveryTime": {"endTime": "143122"},
        "deliveryDate": [{"type": "DEL", "date": "20260310"}],
        "activity": [
          {"date": "20260309", "time": "081500",
           "status": {"type": "I", "code": "005", "description": "Departed from facility"},
           "location": {"address": {"city": "Louisville", "stateProvince": "KY", "country": "US"}}},
          {"date": "20260310", "time": "143122",
           "status": {"type": "D", "code": "011", "description": "Delivered"},
           "location": {"address": {"city": "Columbus", "stateProvince": "OH", "postalCode": "43004", "country": "US"}}}
        ]
      }]
    }]
  }
}`

func TestTrack_Delivered(t *testing.T) {
	var gotAuth, gotSrc string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotSrc = r.Header.Get("transactionSrc")
		require.Equal(t, "/api/track/v1/details/1Z999AA10123456784", r.URL.Path)
		_, _ = w.Write([]byte(upsDeliveredBody))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	res, err := c.Track(context.Background(), "1Z999AA10123456784")
	require.NoError(t, err)

	require.Equal(t, "Bearer tok", gotAuth)
	require.Equal(t, "parcelbeat", gotSrc)

	require.Equal(t, models.ShipmentStatusDelivered, res.Status)
	require.True(t, res.Delivered())
	require.False(t, res.IsException)

	require.Len(t, res.Events, 2)
	// События от свежего к старому.
	require.Equal(t, models.ShipmentStatusDelivered, res.Events[0].Type)
	require.Equal(t, "Columbus, OH, US", *res.LastScanLocation)

	require.NotNil(t, res.DeliveredAt)
	require.Equal(t, time.Date(2026, 3, 10, 14, 31, 22, 0, time.UTC), *res.DeliveredAt)

	require.NotNil(t, res.ExpectedDeliveryDate)
	require.Equal(t, time.Date(2026, 3, 10, 14, 31, 22, 0, time.UTC), *res.ExpectedDeliveryDate)
	require.Nil(t, res.RescheduledDeliveryDate)
}

func TestTrack_ExceptionWithReschedule(t *testing.T) {
	body := `{
	  "trackResponse": {"shipment": [{"package": [{
	    "currentStatus": {"type": "X", "code": "W1", "description": "Severe weather delay"},
	    "deliveryDate": [
	      {"type": "DEL", "date": "20260310"},
	      {"type": "RDD", "date": "20260312"}
	    ],
	    "activity": [
	      {"date": "20260309", "time": "220000",
	       "status": {"type": "X", "code": "W1", "description": "Severe weather delay"}}
	    ]
	  }]}]}
	}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	res, err := c.Track(context.Background(), "1Z999AA10123456784")
	require.NoError(t, err)

	require.Equal(t, models.ShipmentStatusException, res.Status)
	require.True(t, res.IsException)
	require.Equal(t, "W1", res.ExceptionCode)

	// Без deliveryTime даты падают на полдень.
	require.Equal(t, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC), *res.ExpectedDeliveryDate)
	require.Equal(t, time.Date(2026, 3, 12, 12, 0, 0, 0, time.UTC), *res.RescheduledDeliveryDate)
}

func TestTrack_NotFoundWarning(t *testing.T) {
	body := `{"trackResponse": {"shipment": [{"warnings": [{"code": "TW011", "message": "No tracking information available"}]}]}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	_, err := c.Track(context.Background(), "1Z000000000000000")
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
	_, err := c.Track(context.Background(), "1Z999AA10123456784")
	require.Error(t, err)
	require.Equal(t, carrier.CodeAuthFailed, carrier.AsError(err).Code)
	require.Equal(t, 1, store.evicted)
}

func TestTrack_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	_, err := c.Track(context.Background(), "1Z999AA10123456784")
	require.Error(t, err)
	ce := carrier.AsError(err)
	require.Equal(t, carrier.CodeRateLimited, ce.Code)
	require.True(t, ce.Retryable)
}

func TestTrack_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"trackResponse": {"shipment": [{"package": [{}]}]}}`))
	}))
	defer srv.Close()

	c := New(srv.URL, testCreds(&staticTokenStore{token: "tok"}))
	_, err := c.Track(context.Background(), "1Z999AA10123456784")
	require.Error(t, err)
	ce := carrier.AsError(err)
	require.Equal(t, carrier.CodeParseError, ce.Code)
	require.False(t, ce.Retryable)
}

func TestStatusFromType(t *testing.T) {
	require.Equal(t, models.ShipmentStatusDelivered, statusFromType("D", ""))
	require.Equal(t, models.ShipmentStatusOutForDelivery, statusFromType("O", ""))
	require.Equal(t, models.ShipmentStatusInTransit, statusFromType("P", ""))
	require.Equal(t, models.ShipmentStatusPreTransit, statusFromType("M", ""))
	require.Equal(t, models.ShipmentStatusReturned, statusFromType("RS", ""))
	require.Equal(t, models.ShipmentStatusDelivered, statusFromType("", "011"))
	require.Equal(t, models.ShipmentStatusUnknown, statusFromType("", ""))
}

func TestTrackingURL(t *testing.T) {
	c := New("", nil)
	require.Equal(t, "https://www.ups.com/track?tracknum=1Z999AA10123456784", c.TrackingURL("1Z999AA10123456784"))
}
