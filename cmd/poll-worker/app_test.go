package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/parcelbeat/ParcelBeat/config"
	"github.com/parcelbeat/ParcelBeat/internal/broker/kafka"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier/fake"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier/ups"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier/usps"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/parcelbeat/ParcelBeat/internal/services/poller"
	"github.com/parcelbeat/ParcelBeat/internal/storage/pgshipping"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	shipment *models.Shipment
	events   []*models.TrackingEvent
}

func (r *fakeRepo) GetShipment(ctx context.Context, id uint64) (*models.Shipment, error) {
	if r.shipment != nil && r.shipment.ID == id {
		return r.shipment, nil
	}
	return nil, nil
}

func (r *fakeRepo) GetTenant(ctx context.Context, id uint64) (*models.Tenant, error) {
	return nil, nil
}

func (r *fakeRepo) ClaimDueShipments(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.Shipment, error) {
	return []*models.Shipment{}, nil
}

func (r *fakeRepo) InsertTrackingEvents(ctx context.Context, shipmentID uint64, events []*models.TrackingEvent) (int, error) {
	return 0, nil
}

func (r *fakeRepo) ApplyPollSuccess(ctx context.Context, upd pgshipping.ShipmentUpdate) error {
	return nil
}

func (r *fakeRepo) ApplyPollFailure(ctx context.Context, fail pgshipping.PollFailure) error {
	return nil
}

func (r *fakeRepo) CountFirstScans(ctx context.Context, tenantID uint64, from, to time.Time) (int64, error) {
	return 0, nil
}

func (r *fakeRepo) ListTrackingEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error) {
	return r.events, nil
}

type noopProducer struct{}

func (p noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

type noopTokenStore struct{}

func (noopTokenStore) GetToken(ctx context.Context, carrierCode string) (string, bool, error) {
	return "", false, nil
}
func (noopTokenStore) SetToken(ctx context.Context, carrierCode, token string, ttl time.Duration) error {
	return nil
}
func (noopTokenStore) Evict(ctx context.Context, carrierCode string) error { return nil }

func TestBuildRegistry_FakeCarriers(t *testing.T) {
	cfg := &config.Config{ParcelBeat: config.ParcelBeatConfig{UseFakeCarriers: true}}

	reg := buildRegistry(cfg, noopTokenStore{})
	for _, c := range []string{models.CarrierUPS, models.CarrierFedEx, models.CarrierUSPS} {
		a := reg.ForCarrier(c)
		require.NotNil(t, a)
		_, ok := a.(*fake.FakeAdapter)
		require.True(t, ok)
	}
	require.Nil(t, reg.ForCarrier(models.CarrierUnknown))
}

func TestBuildRegistry_ConfiguredCarriersOnly(t *testing.T) {
	cfg := &config.Config{ParcelBeat: config.ParcelBeatConfig{
		UPS: config.CarrierCredentials{
			BaseURL:      "https://onlinetools.ups.com",
			ClientID:     "id",
			ClientSecret: "secret",
			TokenURL:     "https://onlinetools.ups.com/security/v1/oauth/token",
		},
		USPS: config.CarrierCredentials{
			BaseURL: "https://secure.shippingapis.com",
			UserID:  "WEBTOOLS_USER",
		},
	}}

	reg := buildRegistry(cfg, noopTokenStore{})

	_, ok := reg.ForCarrier(models.CarrierUPS).(*ups.Client)
	require.True(t, ok)
	_, ok = reg.ForCarrier(models.CarrierUSPS).(*usps.Client)
	require.True(t, ok)
	// FedEx без кредов не регистрируется.
	require.Nil(t, reg.ForCarrier(models.CarrierFedEx))
}

func TestDefaultWorkerFactories_NonNil(t *testing.T) {
	f := defaultWorkerFactories()
	cfg := &config.Config{
		Kafka: config.KafkaConfig{Host: "localhost", Port: 9092, PollRequestedTopicName: "poll.requested"},
		Redis: config.RedisConfig{Host: "localhost", Port: 6379},
	}
	require.NotNil(t, f.newProducer(cfg))
	require.NotNil(t, f.newConsumer(cfg))
	require.NotNil(t, f.newRateLimiter(cfg))
	require.NotNil(t, f.newTokenStore(cfg))

	cfg.Kafka.PollRequestedTopicName = ""
	require.Nil(t, f.newConsumer(cfg))
}

func TestRunPollWorker_ContextCanceled(t *testing.T) {
	calledClose := false

	f := workerFactories{
		newStorage: func(cfg *config.Config) (workerRepository, func(), error) {
			return &fakeRepo{}, func() { calledClose = true }, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			return noopProducer{}
		},
		newConsumer: func(cfg *config.Config) *kafka.Consumer {
			return nil
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			return nil
		},
		newTokenStore: func(cfg *config.Config) carrier.TokenStore {
			return noopTokenStore{}
		},
		newRegistry: func(cfg *config.Config, store carrier.TokenStore) *carrier.Registry {
			return carrier.NewRegistry()
		},
	}

	cfg := &config.Config{
		Kafka:      config.KafkaConfig{ShipmentUpdatedTopicName: "t"},
		ParcelBeat: config.ParcelBeatConfig{WorkerPollIntervalSeconds: 1},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunPollWorker(ctx, cfg, f)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, calledClose)
}

func TestWorkerHTTP_ShipmentStatus(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	loc := "Louisville, KY"
	repo := &fakeRepo{
		shipment: &models.Shipment{
			ID:               7,
			TenantID:         1,
			Carrier:          models.CarrierUPS,
			TrackingNumber:   "1Z999AA10123456784",
			Status:           models.ShipmentStatusInTransit,
			LastScanLocation: &loc,
			LastScanAt:       &now,
		},
		events: []*models.TrackingEvent{
			{EventTime: now, Type: "DEPARTED", Description: "Departed from facility"},
		},
	}
	reg := carrier.NewRegistry().Register(models.CarrierUPS, fake.New())

	addrCh := make(chan string, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = runWorkerHTTPServer(ctx, workerHTTPOpts{
			httpAddr: "127.0.0.1:0",
			onListen: func(a string) { addrCh <- a },
			repo:     repo,
			registry: reg,
		})
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(5 * time.Second):
		t.Fatal("http server did not start")
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/shipments/7/status", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body shipmentStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, uint64(7), body.ShipmentID)
	require.Equal(t, models.ShipmentStatusInTransit, body.Status)
	require.NotEmpty(t, body.TrackingURL)
	require.Len(t, body.Events, 1)

	resp404, err := http.Get(fmt.Sprintf("http://%s/shipments/999/status", addr))
	require.NoError(t, err)
	defer resp404.Body.Close()
	require.Equal(t, http.StatusNotFound, resp404.StatusCode)
}
