package main

import (
	"context"
	"fmt"
	"time"

	"github.com/parcelbeat/ParcelBeat/config"
	"github.com/parcelbeat/ParcelBeat/internal/broker/kafka"
	"github.com/parcelbeat/ParcelBeat/internal/cache/rediscache"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier/fake"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier/fedex"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier/ups"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier/usps"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/parcelbeat/ParcelBeat/internal/services/poller"
	"github.com/parcelbeat/ParcelBeat/internal/services/usage"
	"github.com/parcelbeat/ParcelBeat/internal/storage/pgshipping"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/errgroup"
)

// workerRepository is everything the worker needs from storage:
// the poll loop, the usage gate and the status endpoint.
type workerRepository interface {
	poller.Repository
	usage.Repository
	ListTrackingEvents(ctx context.Context, shipmentID uint64, limit, offset int) ([]*models.TrackingEvent, error)
}

type workerFactories struct {
	newStorage     func(cfg *config.Config) (repo workerRepository, closeFn func(), err error)
	newProducer    func(cfg *config.Config) poller.Producer
	newConsumer    func(cfg *config.Config) *kafka.Consumer
	newRateLimiter func(cfg *config.Config) poller.RateLimiter
	newTokenStore  func(cfg *config.Config) carrier.TokenStore
	newRegistry    func(cfg *config.Config, store carrier.TokenStore) *carrier.Registry
}

func defaultWorkerFactories() workerFactories {
	return workerFactories{
		newStorage: func(cfg *config.Config) (workerRepository, func(), error) {
			sslMode := cfg.Database.SSLMode
			if sslMode == "" {
				sslMode = "disable"
			}
			connString := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
				cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.DBName, sslMode)
			st, err := pgshipping.New(connString)
			if err != nil {
				return nil, nil, err
			}
			return st, st.Close, nil
		},
		newProducer: func(cfg *config.Config) poller.Producer {
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewProducer(brokers)
		},
		newConsumer: func(cfg *config.Config) *kafka.Consumer {
			if cfg.Kafka.PollRequestedTopicName == "" {
				return nil
			}
			group := cfg.Kafka.PollRequestedConsumerGroup
			if group == "" {
				group = "poll-worker"
			}
			brokers := []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
			return kafka.NewConsumer(brokers, cfg.Kafka.PollRequestedTopicName, group)
		},
		newRateLimiter: func(cfg *config.Config) poller.RateLimiter {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewRateLimiter(redisAddr)
		},
		newTokenStore: func(cfg *config.Config) carrier.TokenStore {
			redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
			return rediscache.NewTokenCache(redisAddr)
		},
		newRegistry: buildRegistry,
	}
}

// buildRegistry wires one adapter per configured carrier. A carrier with no
// credentials is simply absent from the registry: its shipments stay parked
// until the config is filled in.
func buildRegistry(cfg *config.Config, store carrier.TokenStore) *carrier.Registry {
	reg := carrier.NewRegistry()

	if cfg.ParcelBeat.UseFakeCarriers {
		f := fake.New()
		return reg.
			Register(models.CarrierUPS, f).
			Register(models.CarrierFedEx, f).
			Register(models.CarrierUSPS, f)
	}

	creds := carrier.NewCredentials(store)

	if c := cfg.ParcelBeat.UPS; c.ClientID != "" && c.BaseURL != "" {
		creds.RegisterExchange(models.CarrierUPS, carrier.OAuthExchange(&clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
		}))
		reg.Register(models.CarrierUPS, ups.New(c.BaseURL, creds))
	}
	if c := cfg.ParcelBeat.FedEx; c.ClientID != "" && c.BaseURL != "" {
		creds.RegisterExchange(models.CarrierFedEx, carrier.OAuthExchange(&clientcredentials.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			TokenURL:     c.TokenURL,
		}))
		reg.Register(models.CarrierFedEx, fedex.New(c.BaseURL, creds))
	}
	if c := cfg.ParcelBeat.USPS; c.UserID != "" && c.BaseURL != "" {
		// Web Tools ходит со статическим USERID, без обмена токенов.
		reg.Register(models.CarrierUSPS, usps.New(c.BaseURL, c.UserID))
	}

	return reg
}

func RunPollWorker(ctx context.Context, cfg *config.Config, f workerFactories) error {
	topic := cfg.Kafka.ShipmentUpdatedTopicName
	if topic == "" {
		topic = "shipment.updated"
	}

	pollInterval := time.Duration(cfg.ParcelBeat.WorkerPollIntervalSeconds) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	batchSize := cfg.ParcelBeat.WorkerBatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	concurrency := cfg.ParcelBeat.WorkerConcurrency
	if concurrency <= 0 {
		concurrency = 10
	}
	lease := time.Duration(cfg.ParcelBeat.WorkerLeaseSeconds) * time.Second
	if lease <= 0 {
		lease = 120 * time.Second
	}
	rlPerMin := int64(cfg.ParcelBeat.WorkerRateLimitPerMinute)
	if rlPerMin <= 0 {
		rlPerMin = 120
	}

	repo, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	producer := f.newProducer(cfg)
	rl := f.newRateLimiter(cfg)
	registry := f.newRegistry(cfg, f.newTokenStore(cfg))
	gate := usage.NewGate(repo)

	p := poller.New(repo, registry, producer, rl, gate, topic).
		WithSettings(pollInterval, batchSize, concurrency, lease, rlPerMin).
		WithCarrierRateLimit(models.CarrierUPS, int64(cfg.ParcelBeat.WorkerRateLimitUPSPerMinute)).
		WithCarrierRateLimit(models.CarrierFedEx, int64(cfg.ParcelBeat.WorkerRateLimitFedExPerMinute)).
		WithCarrierRateLimit(models.CarrierUSPS, int64(cfg.ParcelBeat.WorkerRateLimitUSPSPerMinute))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return p.Run(gctx) })

	if consumer := f.newConsumer(cfg); consumer != nil {
		g.Go(func() error {
			defer consumer.Close()
			return consumer.Consume(gctx, func(key, value []byte) error {
				return p.HandlePollRequest(gctx, key, value)
			})
		})
	}

	if cfg.ParcelBeat.HTTPAddr != "" {
		statusTTL := time.Duration(cfg.ParcelBeat.ShipmentStatusTTLSeconds) * time.Second
		if statusTTL <= 0 {
			statusTTL = 10 * time.Minute
		}
		redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
		g.Go(func() error {
			return runWorkerHTTPServer(gctx, workerHTTPOpts{
				httpAddr:    cfg.ParcelBeat.HTTPAddr,
				swaggerPath: swaggerPathFromEnv(),
				poller:      p,
				cfg:         cfg,
				repo:        repo,
				registry:    registry,
				statusCache: rediscache.New(redisAddr),
				statusTTL:   statusTTL,
			})
		})
	}

	return g.Wait()
}
