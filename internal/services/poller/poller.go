package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/parcelbeat/ParcelBeat/internal/broker/messages"
	"github.com/parcelbeat/ParcelBeat/internal/integrations/carrier"
	"github.com/parcelbeat/ParcelBeat/internal/models"
	"github.com/pkg/errors"
)

type Poller struct {
	repo     Repository
	registry *carrier.Registry
	producer Producer
	rl       RateLimiter
	gate     UsageGate

	topic string

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[string]int64

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	totalDelayed        atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, registry *carrier.Registry, producer Producer, rl RateLimiter, gate UsageGate, topic string) *Poller {
	return &Poller{
		repo: repo, registry: registry, producer: producer, rl: rl, gate: gate, topic: topic,
		pollInterval:       2 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              120 * time.Second,
		rateLimitPerMinute: 120,
		carrierRateLimits:  make(map[string]int64),
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithCarrierRateLimit(carrierCode string, perMinute int64) *Poller {
	if perMinute > 0 {
		p.carrierRateLimits[carrierCode] = perMinute
	}
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	TotalDelayed   int64      `json:"totalDelayed"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalErrors:    p.totalErrors.Load(),
		TotalDelayed:   p.totalDelayed.Load(),
		InFlight:       p.inFlight.Load(),
	}
	if n := p.lastCycleUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastCycleAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-p.triggerCh:
			p.runOnce(ctx)
		}
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	now := time.Now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.repo.ClaimDueShipments(ctx, now, p.batchSize, p.lease)
	if err != nil {
		slog.Error("claim due shipments", "error", err.Error())
		p.noteError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, sh := range items {
		sem <- struct{}{}
		wg.Add(1)
		shCopy := sh
		p.inFlight.Add(1)
		go func() {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			res, err := p.pollLoaded(ctx, shCopy, time.Now())
			if err != nil {
				// Retryable: шипмент уже перепланирован с бэкоффом, клеймится
				// на следующем цикле.
				p.totalErrors.Add(1)
				p.noteError(err)
				slog.Error("poll shipment", "shipment_id", shCopy.ID, "error", err.Error())
			}
			if res.IsDelayed {
				p.totalDelayed.Add(1)
			}
			p.totalProcessed.Add(1)
		}()
	}
	wg.Wait()
}

func (p *Poller) noteError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

// PollJobID derives the stable job id for a shipment, so external
// schedulers can dedupe enqueues of the same shipment.
func PollJobID(shipmentID uint64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("shipment:%d", shipmentID))).String()
}

// HandlePollRequest is the kafka handler for on-demand poll jobs. A
// retryable poll failure is returned so the message is not committed;
// the consumer keeps reading, and the shipment is already rescheduled
// with backoff, so the regular claim loop retries it regardless.
func (p *Poller) HandlePollRequest(ctx context.Context, key, value []byte) error {
	var req messages.PollRequested
	if err := json.Unmarshal(value, &req); err != nil {
		slog.Error("bad poll request", "key", string(key), "error", err.Error())
		return nil
	}
	if req.ShipmentID == 0 {
		return nil
	}
	_, err := p.PollShipment(ctx, req.ShipmentID)
	return err
}

func (p *Poller) publishUpdate(ctx context.Context, sh *models.Shipment, status string, delayReason *string, res Result, nextPollAt *time.Time) {
	if p.producer == nil || p.topic == "" {
		return
	}

	msg := messages.ShipmentUpdated{
		ShipmentID:     sh.ID,
		TenantID:       sh.TenantID,
		PolledAt:       time.Now().UTC(),
		Status:         status,
		IsDelayed:      res.IsDelayed,
		IsDelivered:    res.IsDelivered,
		NewEventsCount: res.NewEventsCount,
		NextPollAt:     nextPollAt,
		Error:          res.Error,
	}
	if delayReason != nil {
		msg.DelayReason = *delayReason
	}

	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal shipment update", "shipment_id", sh.ID, "error", err.Error())
		return
	}

	// Статус уже записан в БД; публикация best-effort.
	if err := p.producer.Publish(ctx, p.topic, []byte(PollJobID(sh.ID)), b); err != nil {
		slog.Warn("publish shipment update", "shipment_id", sh.ID, "error", errors.Wrap(err, "kafka").Error())
	}
}
