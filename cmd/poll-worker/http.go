package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/parcelbeat/ParcelBeat/config"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/parcelbeat/ParcelBeat/internal/services/poller"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

type statusCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	poller   *poller.Poller
	cfg      *config.Config
	repo     workerRepository
	registry *carrier.Registry

	statusCache statusCache
	statusTTL   time.Duration
}

func swaggerPathFromEnv() string {
	return os.Getenv("swaggerPath")
}

// shipmentStatusResponse is the cached read model served to dashboards.
type shipmentStatusResponse struct {
	ShipmentID     uint64     `json:"shipmentId"`
	Carrier        string     `json:"carrier"`
	TrackingNumber string     `json:"trackingNumber"`
	TrackingURL    string     `json:"trackingUrl,omitempty"`
	Status         string     `json:"status"`
	Delivered      bool       `json:"delivered"`
	DeliveredAt    *time.Time `json:"deliveredAt,omitempty"`

	IsDelayed   bool    `json:"isDelayed"`
	DelayReason *string `json:"delayReason,omitempty"`
	DaysDelayed int32   `json:"daysDelayed"`

	ExpectedDeliveryDate    *time.Time `json:"expectedDeliveryDate,omitempty"`
	ExpectedDeliverySource  string     `json:"expectedDeliverySource,omitempty"`
	RescheduledDeliveryDate *time.Time `json:"rescheduledDeliveryDate,omitempty"`

	LastScanLocation *string    `json:"lastScanLocation,omitempty"`
	LastScanAt       *time.Time `json:"lastScanAt,omitempty"`

	LastPolledAt *time.Time `json:"lastPolledAt,omitempty"`
	NextPollAt   *time.Time `json:"nextPollAt,omitempty"`

	Events []statusEvent `json:"events"`
}

type statusEvent struct {
	EventTime   time.Time `json:"eventTime"`
	Type        string    `json:"type"`
	Description string    `json:"description"`
	City        *string   `json:"city,omitempty"`
	State       *string   `json:"state,omitempty"`
	Country     *string   `json:"country,omitempty"`
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.poller == nil {
			_, _ = w.Write([]byte(`{"error":"poller not wired"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(opts.poller.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.cfg == nil {
			_, _ = w.Write([]byte(`{"error":"config not wired"}`))
			return
		}
		// Avoid dumping secrets; show only operational worker settings.
		carriers := []string{}
		if opts.registry != nil {
			carriers = opts.registry.Carriers()
		}
		out := map[string]any{
			"pollIntervalSeconds":      opts.cfg.ParcelBeat.WorkerPollIntervalSeconds,
			"batchSize":                opts.cfg.ParcelBeat.WorkerBatchSize,
			"concurrency":              opts.cfg.ParcelBeat.WorkerConcurrency,
			"leaseSeconds":             opts.cfg.ParcelBeat.WorkerLeaseSeconds,
			"rateLimitPerMinute":       opts.cfg.ParcelBeat.WorkerRateLimitPerMinute,
			"rateLimitUPSPerMinute":    opts.cfg.ParcelBeat.WorkerRateLimitUPSPerMinute,
			"rateLimitFedExPerMinute":  opts.cfg.ParcelBeat.WorkerRateLimitFedExPerMinute,
			"rateLimitUSPSPerMinute":   opts.cfg.ParcelBeat.WorkerRateLimitUSPSPerMinute,
			"shipmentStatusTTLSeconds": opts.cfg.ParcelBeat.ShipmentStatusTTLSeconds,
			"useFakeCarriers":          opts.cfg.ParcelBeat.UseFakeCarriers,
			"carriers":                 carriers,
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if opts.poller == nil {
			_, _ = w.Write([]byte(`{"error":"poller not wired"}`))
			return
		}
		opts.poller.Trigger()
		_, _ = w.Write([]byte(`{"triggered":true}`))
	})

	r.Get("/shipments/{shipmentID}/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		id, err := strconv.ParseUint(chi.URLParam(r, "shipmentID"), 10, 64)
		if err != nil || id == 0 {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad shipment id"}`))
			return
		}
		if opts.repo == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"storage not wired"}`))
			return
		}

		cacheKey := fmt.Sprintf("shipment:%d:status", id)
		if opts.statusCache != nil {
			if b, ok, err := opts.statusCache.Get(r.Context(), cacheKey); err == nil && ok {
				_, _ = w.Write(b)
				return
			}
		}

		sh, err := opts.repo.GetShipment(r.Context(), id)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"storage error"}`))
			return
		}
		if sh == nil {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"shipment not found"}`))
			return
		}

		events, err := opts.repo.ListTrackingEvents(r.Context(), id, 20, 0)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"storage error"}`))
			return
		}

		resp := statusResponseFrom(sh, events, opts.registry)
		b, err := json.Marshal(resp)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if opts.statusCache != nil {
			if err := opts.statusCache.Set(r.Context(), cacheKey, b, opts.statusTTL); err != nil {
				slog.Warn("cache shipment status", "shipment_id", id, "error", err.Error())
			}
		}
		_, _ = w.Write(b)
	})

	if opts.swaggerPath != "" {
		if _, err := os.Stat(opts.swaggerPath); err == nil {
			r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Cache-Control", "no-store")
				http.ServeFile(w, r, opts.swaggerPath)
			})
			swaggerURL := "/swagger.json"
			if fi, err := os.Stat(opts.swaggerPath); err == nil {
				swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
			}
			r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))
		} else {
			slog.Warn("swagger file not found, docs disabled", "path", opts.swaggerPath)
		}
	}

	srv := &http.Server{Handler: r}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func statusResponseFrom(sh *models.Shipment, events []*models.TrackingEvent, registry *carrier.Registry) shipmentStatusResponse {
	resp := shipmentStatusResponse{
		ShipmentID:     sh.ID,
		Carrier:        sh.Carrier,
		TrackingNumber: sh.TrackingNumber,
		Status:         sh.Status,
		Delivered:      sh.Delivered,
		DeliveredAt:    sh.DeliveredAt,

		IsDelayed:   sh.IsDelayed,
		DelayReason: sh.DelayReason,
		DaysDelayed: sh.DaysDelayed,

		ExpectedDeliveryDate:    sh.ExpectedDeliveryDate,
		ExpectedDeliverySource:  sh.ExpectedDeliverySource,
		RescheduledDeliveryDate: sh.RescheduledDeliveryDate,

		LastScanLocation: sh.LastScanLocation,
		LastScanAt:       sh.LastScanAt,

		LastPolledAt: sh.LastPolledAt,
		NextPollAt:   sh.NextPollAt,

		Events: make([]statusEvent, 0, len(events)),
	}
	if registry != nil {
		if a := registry.ForCarrier(sh.Carrier); a != nil {
			resp.TrackingURL = a.TrackingURL(sh.TrackingNumber)
		}
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, statusEvent{
			EventTime:   ev.EventTime,
			Type:        ev.Type,
			Description: ev.Description,
			City:        ev.LocationCity,
			State:       ev.LocationState,
			Country:     ev.LocationCountry,
		})
	}
	return resp
}
