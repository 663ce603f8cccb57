package service

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/platform/logger"
	"github.com/rl1809/site-ledger/internal/port"
)

type ConsumerConfig struct {
	Name         string
	Workers      int
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	JitterFrac   float64
	// LeaseTTL bounds how long one process may hold an event; zero disables leasing.
	LeaseTTL time.Duration
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.Name == "" {
		c.Name = "ledger"
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.JitterFrac <= 0 {
		c.JitterFrac = 0.2
	}
	return c
}

// EventConsumer drains the outbox with a fixed pool of workers. Delivery is
// at least once; handlers are expected to be idempotent.
type EventConsumer struct {
	outbox      port.OutboxStore
	coordinator port.EventCoordinator
	handlers    map[string]HandlerFunc
	types       []string
	cfg         ConsumerConfig
	log         *logger.Logger
	owner       string
	now         func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewEventConsumer(outbox port.OutboxStore, coordinator port.EventCoordinator, handlers map[string]HandlerFunc, cfg ConsumerConfig, log *logger.Logger) *EventConsumer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logger.Nop()
	}
	types := make([]string, 0, len(handlers))
	for t := range handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return &EventConsumer{
		outbox:      outbox,
		coordinator: coordinator,
		handlers:    handlers,
		types:       types,
		cfg:         cfg,
		log:         log.With("component", "consumer", "consumer", cfg.Name),
		owner:       cfg.Name + ":" + uuid.NewString(),
		now:         func() time.Time { return time.Now().UTC() },
		inFlight:    make(map[string]struct{}),
	}
}

// Run polls until ctx is cancelled, also waking on coordinator notifications.
func (c *EventConsumer) Run(ctx context.Context) error {
	queue := make(chan domain.OutboxEvent, c.cfg.BatchSize)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		return c.pollLoop(ctx, queue)
	})
	for i := 0; i < c.cfg.Workers; i++ {
		g.Go(func() error {
			c.workerLoop(ctx, queue)
			return nil
		})
	}

	c.log.Info("consumer started", "workers", c.cfg.Workers, "types", c.types)
	err := g.Wait()
	c.log.Info("consumer stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ProcessBatch runs one claim-and-apply pass synchronously and returns the
// number of events handled.
func (c *EventConsumer) ProcessBatch(ctx context.Context) (int, error) {
	events, err := c.claim(ctx)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		c.process(ctx, ev)
		c.release(ev.ID)
	}
	return len(events), nil
}

func (c *EventConsumer) pollLoop(ctx context.Context, queue chan<- domain.OutboxEvent) error {
	var wake <-chan struct{}
	if c.coordinator != nil {
		ch, err := c.coordinator.Subscribe(ctx)
		if err != nil {
			c.log.Warn("outbox notifications unavailable, polling only", "error", err)
		} else {
			wake = ch
		}
	}

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		events, err := c.claim(ctx)
		if err != nil && ctx.Err() == nil {
			c.log.Error("claim outbox events failed", "error", err)
		}
		for _, ev := range events {
			select {
			case queue <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-wake:
		}
	}
}

func (c *EventConsumer) workerLoop(ctx context.Context, queue <-chan domain.OutboxEvent) {
	for ev := range queue {
		if ctx.Err() == nil {
			c.process(ctx, ev)
		}
		c.release(ev.ID)
	}
}

// claim returns due events not already queued in this process.
func (c *EventConsumer) claim(ctx context.Context) ([]domain.OutboxEvent, error) {
	if len(c.types) == 0 {
		return nil, nil
	}
	if n, err := c.outbox.RequeueDue(ctx, c.now()); err != nil {
		return nil, err
	} else if n > 0 {
		c.log.Debug("requeued failed events", "count", n)
	}
	events, err := c.outbox.ClaimPending(ctx, c.types, c.cfg.BatchSize)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := events[:0]
	for _, ev := range events {
		if _, busy := c.inFlight[ev.ID]; busy {
			continue
		}
		c.inFlight[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	return out, nil
}

func (c *EventConsumer) release(eventID string) {
	c.mu.Lock()
	delete(c.inFlight, eventID)
	c.mu.Unlock()
}

func (c *EventConsumer) process(ctx context.Context, ev domain.OutboxEvent) {
	log := c.log.With("event_id", ev.ID, "event_type", ev.EventType, "attempt", ev.Attempts+1)

	if c.coordinator != nil && c.cfg.LeaseTTL > 0 {
		ok, err := c.coordinator.AcquireLease(ctx, ev.ID, c.owner, c.cfg.LeaseTTL)
		if err != nil {
			log.Warn("lease unavailable, processing without it", "error", err)
		} else if !ok {
			log.Debug("event leased by another consumer")
			return
		} else {
			defer func() {
				if err := c.coordinator.ReleaseLease(context.WithoutCancel(ctx), ev.ID, c.owner); err != nil {
					log.Debug("release lease failed", "error", err)
				}
			}()
		}
	}

	handler, ok := c.handlers[ev.EventType]
	if !ok {
		c.fail(ctx, log, ev, errors.New("no handler for event type "+ev.EventType))
		return
	}

	err := handler(ctx, ev)
	switch {
	case err == nil:
		log.Debug("event applied")
	case domain.IsKind(err, domain.KindAlreadyApplied):
		if err := c.outbox.MarkProcessed(ctx, ev.ID); err != nil {
			log.Error("mark duplicate event processed failed", "error", err)
			return
		}
		log.Info("duplicate delivery ignored")
	case ctx.Err() != nil:
		// Shutdown mid-apply; the event stays pending.
	default:
		c.fail(ctx, log, ev, err)
	}
}

func (c *EventConsumer) fail(ctx context.Context, log *logger.Logger, ev domain.OutboxEvent, cause error) {
	attempts := ev.Attempts + 1
	msg := cause.Error()
	if attempts >= c.cfg.MaxAttempts {
		if err := c.outbox.MarkDead(ctx, ev.ID, attempts, msg); err != nil {
			log.Error("mark event dead failed", "error", err)
			return
		}
		log.Error("event moved to dead letter", "attempts", attempts, "error", msg,
			"aggregate_type", ev.AggregateType, "aggregate_id", ev.AggregateID)
		return
	}

	next := c.now().Add(computeBackoff(c.cfg, attempts))
	if err := c.outbox.MarkFailed(ctx, ev.ID, attempts, next, msg); err != nil {
		log.Error("mark event failed failed", "error", err)
		return
	}
	log.Warn("event application failed, will retry", "error", msg, "next_attempt_at", next)
}

// computeBackoff grows min·2^(attempt-1) up to max, with symmetric jitter.
func computeBackoff(cfg ConsumerConfig, attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(cfg.BackoffMin) * math.Pow(2, float64(attempts-1)))
	if d > cfg.BackoffMax || d <= 0 {
		d = cfg.BackoffMax
	}
	delta := float64(d) * cfg.JitterFrac
	low := float64(d) - delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*2*delta)
}
