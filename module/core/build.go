package core

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	amqp "github.com/rabbitmq/amqp091-go"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/config"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/cache"
	handler "github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/handler/http"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/handler/subscriber"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/membership"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/metrics"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/database/postgres"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/dedupe/redis"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/internal/repository/publisher/rabbitmq"
	"github.com/RDG-CONSULTORES/pollo-loco-tracking-gps-sub005/module/core/service"
)

// TransitionQueue is the durable queue every transition event lands in.
const TransitionQueue = rabbitmq.QueueName

// TransitionMessage is the JSON body of a published transition event.
type TransitionMessage = rabbitmq.TransitionMessage

// DeclareTransitionTopology declares the exchange and queue consumers of
// transition events read from.
func DeclareTransitionTopology(ch *amqp.Channel) error {
	return rabbitmq.DeclareTopology(ch)
}

// pendingClaimTTL bounds how long a crashed delivery blocks redelivery of
// the same event.
const pendingClaimTTL = 2 * time.Minute

type Deps struct {
	DB       *sql.DB
	AMQP     *amqp.Connection
	MQTT     mqtt.Client
	Redis    *goredis.Client
	Registry prometheus.Registerer
	Logger   *slog.Logger
}

type Module struct {
	LocationSvc *service.LocationService
	IngestSvc   *service.IngestService
	Engine      *service.GeofenceEngine
	Dispatcher  *service.EventDispatcher

	cache      *cache.Cache
	store      *membership.Store
	handlers   []interface{ Register(r *gin.RouterGroup) }
	subscriber *subscriber.LocationSubscriber
	logger     *slog.Logger
}

func Build(cfg *config.Config, deps Deps) (*Module, error) {
	m, err := metrics.New(deps.Registry)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	locationRepo := postgres.NewLocationRepo(deps.DB)
	geofenceRepo := postgres.NewGeofenceRepo(deps.DB)
	membershipRepo := postgres.NewMembershipRepo(deps.DB)
	transitionRepo := postgres.NewTransitionRepo(deps.DB)
	deviceRepo := postgres.NewDeviceRepo(deps.DB)

	notifier, err := rabbitmq.NewTransitionPublisher(deps.AMQP)
	if err != nil {
		return nil, fmt.Errorf("transition publisher: %w", err)
	}
	guard := redis.NewDeliveryGuard(deps.Redis, pendingClaimTTL, cfg.Dispatcher.DedupeTTL)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RefreshInterval = cfg.Cache.RefreshInterval
	cacheCfg.LoadTimeout = cfg.Storage.Timeout
	cacheCfg.CoverMarginMeters = cfg.Cache.CoverMarginMeters
	geofenceCache := cache.New(geofenceRepo, cacheCfg, deps.Logger, m)

	store := membership.NewStore(membershipRepo, membership.Config{
		WriteTimeout: cfg.Storage.Timeout,
	}, deps.Logger, m)

	engine := service.NewGeofenceEngine(geofenceCache, store, service.EngineConfig{
		BandScale:     cfg.Engine.BandScale,
		Confirmations: cfg.Engine.Confirmations,
	}, deps.Logger, m)

	dispatcherCfg := service.DefaultDispatcherConfig()
	dispatcherCfg.Workers = cfg.Dispatcher.Workers
	dispatcherCfg.QueueSize = cfg.Dispatcher.QueueSize
	dispatcherCfg.BacklogSize = cfg.Dispatcher.BacklogSize
	dispatcherCfg.StorageTimeout = cfg.Storage.Timeout
	dispatcherCfg.SweepInterval = cfg.Dispatcher.SweepInterval
	dispatcherCfg.Retry = cfg.Dispatcher.Retry
	dispatcher := service.NewEventDispatcher(transitionRepo, notifier, guard, dispatcherCfg, deps.Logger, m)

	normalizer := service.NewNormalizer(deviceRepo, store, service.NormalizerConfig{
		MaxAccuracyMeters: cfg.Normalizer.MaxAccuracyMeters,
		StaleTolerance:    cfg.Normalizer.StaleTolerance,
	})

	locationSvc := service.NewLocationService(locationRepo, store)
	ingestSvc := service.NewIngestService(normalizer, locationSvc, engine, dispatcher, cfg.Storage.Timeout, deps.Logger, m)

	sub := subscriber.NewLocationSubscriber(deps.MQTT, ingestSvc, geofenceCache, 2*cfg.Storage.Timeout, deps.Logger)

	return &Module{
		LocationSvc: locationSvc,
		IngestSvc:   ingestSvc,
		Engine:      engine,
		Dispatcher:  dispatcher,
		cache:       geofenceCache,
		store:       store,
		handlers: []interface{ Register(r *gin.RouterGroup) }{
			handler.NewEntityHandler(locationSvc),
			handler.NewIngestHandler(ingestSvc),
			handler.NewAdminHandler(geofenceCache, dispatcher, store),
		},
		subscriber: sub,
		logger:     deps.Logger.With("component", "core"),
	}, nil
}

func (m *Module) RegisterRoutes(r *gin.RouterGroup) {
	for _, h := range m.handlers {
		h.Register(r)
	}
}

// Warmup restores durable memberships and loads the first geofence snapshot.
// Neither failure is fatal: memberships default to outside and the cache
// keeps retrying from Run.
func (m *Module) Warmup(ctx context.Context) {
	if n, err := m.store.Recover(ctx); err != nil {
		m.logger.Error("membership recovery failed, starting with every entity outside", "error", err)
	} else {
		m.logger.Info("memberships recovered", "records", n)
	}

	if err := m.cache.Refresh(ctx); err != nil {
		m.logger.Error("initial geofence load failed", "error", err)
	}
}

func (m *Module) StartSubscribers() error {
	return m.subscriber.Start()
}

// Run drives the background loops until ctx is done. The membership store
// is stopped last so writes queued by in-flight pings are flushed.
func (m *Module) Run(ctx context.Context) error {
	storeCtx, stopStore := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStore()
	go func() { _ = m.store.Run(storeCtx) }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.cache.Run(gctx) })
	g.Go(func() error { return m.Dispatcher.Run(gctx) })
	err := g.Wait()

	stopStore()
	<-m.store.Done()
	return err
}
