package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/domain"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/metrics"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/dedupe"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/publisher"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/pkg/retry"
)

type DispatcherConfig struct {
	Workers         int
	QueueSize       int
	BacklogSize     int
	StorageTimeout  time.Duration
	DeliveryTimeout time.Duration
	Retry           retry.Config
	SweepInterval   time.Duration
	SweepBatch      int
}

func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		Workers:         4,
		QueueSize:       1024,
		BacklogSize:     10000,
		StorageTimeout:  3 * time.Second,
		DeliveryTimeout: 5 * time.Second,
		Retry:           retry.DefaultConfig(),
		SweepInterval:   30 * time.Second,
		SweepBatch:      100,
	}
}

// EventDispatcher persists transition events and forwards them to the
// notifier. Persistence happens on the caller's goroutine; delivery happens
// on worker goroutines so a slow notifier never holds up detection.
//
// Events that could not be persisted wait in a bounded in-memory backlog.
// Events that were persisted but not delivered stay marked undelivered in
// storage. The periodic sweep retries both.
type EventDispatcher struct {
	repo     database.TransitionRepository
	notifier publisher.TransitionNotifier
	guard    dedupe.DeliveryGuard
	cfg      DispatcherConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	queue chan domain.TransitionEvent

	mu      sync.Mutex
	backlog []domain.TransitionEvent

	sweeping sync.Mutex
}

// NewEventDispatcher builds a dispatcher. guard may be nil, in which case
// concurrent redeliveries are not suppressed.
func NewEventDispatcher(repo database.TransitionRepository, notifier publisher.TransitionNotifier, guard dedupe.DeliveryGuard, cfg DispatcherConfig, logger *slog.Logger, m *metrics.Metrics) *EventDispatcher {
	def := DefaultDispatcherConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.BacklogSize <= 0 {
		cfg.BacklogSize = def.BacklogSize
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = def.StorageTimeout
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = def.SweepBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventDispatcher{
		repo:     repo,
		notifier: notifier,
		guard:    guard,
		cfg:      cfg,
		logger:   logger.With("component", "event_dispatcher"),
		metrics:  m,
		now:      time.Now,
		queue:    make(chan domain.TransitionEvent, cfg.QueueSize),
	}
}

// Dispatch persists every event and queues the new ones for delivery. It
// never blocks on the notifier. Events that fail to persist are kept for the
// sweep and reported in the returned error.
func (d *EventDispatcher) Dispatch(ctx context.Context, events []domain.TransitionEvent) error {
	var errs []error
	for _, ev := range events {
		inserted, err := d.persist(ctx, ev)
		if err != nil {
			d.addBacklog(ev)
			errs = append(errs, err)
			continue
		}
		if !inserted {
			// already in the log from an earlier run; the sweep owns it now
			d.logger.Debug("transition already persisted", "event_key", ev.Key())
			continue
		}
		d.enqueue(ev)
	}
	if len(errs) > 0 {
		return fmt.Errorf("dispatch: %w", errors.Join(errs...))
	}
	return nil
}

// Deliver forwards one persisted event to the notifier with bounded
// exponential backoff, then marks it delivered.
func (d *EventDispatcher) Deliver(ctx context.Context, ev domain.TransitionEvent) error {
	key := ev.Key()

	guarded := d.guard != nil
	if guarded {
		claim, err := d.guard.Claim(ctx, key)
		switch {
		case err != nil:
			d.logger.Warn("delivery guard unavailable, delivering unguarded", "event_key", key, "error", err)
			guarded = false
		case claim == dedupe.AlreadyDelivered:
			d.metrics.Delivery("duplicate")
			return d.markDelivered(ctx, ev)
		case claim == dedupe.InFlight:
			d.metrics.Delivery("in_flight")
			return nil
		}
	}

	err := retry.Do(ctx, d.cfg.Retry, func(attempt int) error {
		nctx, cancel := context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
		if err := d.notifier.Notify(nctx, ev); err != nil {
			d.logger.Debug("notify attempt failed", "event_key", key, "attempt", attempt, "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		if guarded {
			if rerr := d.guard.Release(context.WithoutCancel(ctx), key); rerr != nil {
				d.logger.Warn("release delivery claim", "event_key", key, "error", rerr)
			}
		}
		d.metrics.Delivery("failed")
		return fmt.Errorf("%w: %s: %w", domain.ErrDispatchFailure, key, err)
	}

	if guarded {
		if cerr := d.guard.Confirm(context.WithoutCancel(ctx), key); cerr != nil {
			d.logger.Warn("confirm delivery claim", "event_key", key, "error", cerr)
		}
	}
	d.metrics.Delivery("delivered")
	return d.markDelivered(ctx, ev)
}

// ListUndelivered returns events not yet acknowledged by the notifier: up to
// limit persisted ones followed by any still waiting to be persisted.
func (d *EventDispatcher) ListUndelivered(ctx context.Context, limit int) ([]domain.TransitionEvent, error) {
	if limit <= 0 {
		limit = d.cfg.SweepBatch
	}
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StorageTimeout)
	defer cancel()

	events, err := d.repo.ListUndelivered(sctx, limit)
	if err != nil {
		return nil, domain.PersistenceError("list undelivered", err)
	}
	d.mu.Lock()
	events = append(events, d.backlog...)
	d.mu.Unlock()
	return events, nil
}

// Sweep persists the backlog and redelivers undelivered events. Overlapping
// sweeps are skipped. It returns how many events were delivered.
func (d *EventDispatcher) Sweep(ctx context.Context) (int, error) {
	if !d.sweeping.TryLock() {
		return 0, nil
	}
	defer d.sweeping.Unlock()

	d.retryBacklog(ctx)

	sctx, cancel := context.WithTimeout(ctx, d.cfg.StorageTimeout)
	events, err := d.repo.ListUndelivered(sctx, d.cfg.SweepBatch)
	cancel()
	if err != nil {
		return 0, domain.PersistenceError("list undelivered", err)
	}

	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		if err := d.Deliver(ctx, ev); err != nil {
			d.logger.Warn("sweep delivery failed", "event_key", ev.Key(), "error", err)
			continue
		}
		delivered++
	}
	if len(events) > 0 {
		d.logger.Info("delivery sweep finished", "undelivered", len(events), "delivered", delivered)
	}
	return delivered, ctx.Err()
}

func (d *EventDispatcher) Backlog() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backlog)
}

// Run starts the delivery workers and the sweep ticker and blocks until ctx
// is done.
func (d *EventDispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(d.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if _, err := d.Sweep(gctx); err != nil && gctx.Err() == nil {
					d.logger.Error("delivery sweep failed", "error", err)
				}
			}
		}
	})
	_ = g.Wait()
	return ctx.Err()
}

func (d *EventDispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			if err := d.Deliver(ctx, ev); err != nil {
				d.logger.Error("transition delivery failed, left for sweep",
					"event_key", ev.Key(), "error", err)
			}
		}
	}
}

func (d *EventDispatcher) persist(ctx context.Context, ev domain.TransitionEvent) (bool, error) {
	sctx, cancel := context.WithTimeout(ctx, d.cfg.StorageTimeout)
	defer cancel()

	inserted, err := d.repo.Insert(sctx, ev)
	if err != nil {
		return false, domain.PersistenceError("persist transition "+ev.Key(), err)
	}
	return inserted, nil
}

func (d *EventDispatcher) markDelivered(ctx context.Context, ev domain.TransitionEvent) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.StorageTimeout)
	defer cancel()

	if err := d.repo.MarkDelivered(sctx, ev, d.now().UTC()); err != nil {
		// delivered but not marked: the sweep will find it again and the
		// guard keeps it from going out twice
		return domain.PersistenceError("mark delivered "+ev.Key(), err)
	}
	return nil
}

func (d *EventDispatcher) enqueue(ev domain.TransitionEvent) {
	select {
	case d.queue <- ev:
	default:
		d.metrics.Delivery("deferred")
		d.logger.Warn("delivery queue full, leaving event for sweep", "event_key", ev.Key())
	}
}

func (d *EventDispatcher) addBacklog(ev domain.TransitionEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.backlog) >= d.cfg.BacklogSize {
		dropped := d.backlog[0]
		d.backlog = d.backlog[1:]
		d.logger.Error("transition backlog full, dropping oldest event", "event_key", dropped.Key())
	}
	d.backlog = append(d.backlog, ev)
	d.metrics.Backlog(len(d.backlog))
}

func (d *EventDispatcher) retryBacklog(ctx context.Context) {
	d.mu.Lock()
	pending := d.backlog
	d.backlog = nil
	d.mu.Unlock()

	var failed []domain.TransitionEvent
	for i, ev := range pending {
		if ctx.Err() != nil {
			failed = append(failed, pending[i:]...)
			break
		}
		if _, err := d.persist(ctx, ev); err != nil {
			failed = append(failed, ev)
		}
	}

	d.mu.Lock()
	d.backlog = append(failed, d.backlog...)
	if over := len(d.backlog) - d.cfg.BacklogSize; over > 0 {
		d.backlog = d.backlog[over:]
	}
	n := len(d.backlog)
	d.mu.Unlock()
	d.metrics.Backlog(n)

	if recovered := len(pending) - len(failed); recovered > 0 {
		d.logger.Info("persisted backlogged transitions", "count", recovered, "remaining", n)
	}
}
