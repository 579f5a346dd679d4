package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Mhacccc/tracking-app/common/database"
	mqttcommon "github.com/Mhacccc/tracking-app/common/mqtt"
	rediscommon "github.com/Mhacccc/tracking-app/common/redis"
	"github.com/Mhacccc/tracking-app/internal/config"
	"github.com/Mhacccc/tracking-app/internal/consumer"
	"github.com/Mhacccc/tracking-app/internal/geocode"
	"github.com/Mhacccc/tracking-app/internal/geofence"
	"github.com/Mhacccc/tracking-app/internal/httpapi"
	"github.com/Mhacccc/tracking-app/internal/kv"
	"github.com/Mhacccc/tracking-app/internal/merge"
	"github.com/Mhacccc/tracking-app/internal/metrics"
	"github.com/Mhacccc/tracking-app/internal/notify"
	"github.com/Mhacccc/tracking-app/internal/repository"
	"github.com/Mhacccc/tracking-app/internal/roster"

	"github.com/go-redis/redis/v8"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// TrackerService 手环定位与安全监控服务
type TrackerService struct {
	config *config.Config
	logger *zap.Logger

	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttcommon.Client

	profiles *repository.PostgresStore
	roster   *roster.Store
	engine   *geofence.Engine
	alerts   *notify.Log
	monitor  *notify.Monitor
	consumer *consumer.MQTTConsumer
	handler  http.Handler
	server   *Server

	mu          sync.Mutex
	started     bool
	cancel      context.CancelFunc
	unsubscribe []func()
	wg          sync.WaitGroup
}

// statusReaders 同时存在的状态变更流 XREAD 订阅数（花名册只订阅一个看护人）
const statusReaders = 1

// NewTrackerService 连接 Postgres / Redis / MQTT 并组装各组件
func NewTrackerService(cfg *config.Config, logger *zap.Logger) (*TrackerService, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	redisClient, err := rediscommon.Connect(ctx, &cfg.Redis, statusReaders)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	mqttClient, err := mqttcommon.NewClient(&cfg.MQTT, logger)
	if err != nil {
		db.Close()
		redisClient.Close()
		return nil, fmt.Errorf("failed to connect to MQTT: %w", err)
	}

	s := newTrackerService(cfg, logger, db, redisClient, mqttClient)
	s.mqttClient = mqttClient
	return s, nil
}

func newTrackerService(cfg *config.Config, logger *zap.Logger, db *sql.DB, redisClient *redis.Client, subscriber consumer.Subscriber) *TrackerService {
	metrics.Init()

	// 档案类集合走 Postgres，设备实时状态走 Redis
	profiles := repository.NewPostgresStore(db, cfg.Database.GetDSN(), logger)
	statuses := repository.NewRedisStore(redisClient, cfg.Tracker.StatusStreamBlock, logger)
	docs := repository.NewRouter(profiles).Route(cfg.Tracker.StatusCollection, statuses)

	store := kv.NewRedisKVStore(redisClient)
	alerts := notify.NewLog(store, cfg.Alerts.LogKey, cfg.Alerts.Max, logger)
	engine := geofence.NewEngine(geofence.Config{
		ZonesKey:     cfg.Geofence.ZonesKey,
		MarkerBuffer: cfg.Geofence.MarkerBuffer,
	}, store, alerts, logger)
	monitor := notify.NewMonitor(alerts, cfg.Tracker.LowBatteryPercent, logger)

	merger := merge.NewMerger(cfg.Tracker.OnlineThreshold, time.Now)
	rosterStore := roster.NewStore(roster.Config{
		CaregiverCollection: cfg.Tracker.CaregiverCollection,
		ProfileCollection:   cfg.Tracker.ProfileCollection,
		StatusCollection:    cfg.Tracker.StatusCollection,
		SweepInterval:       cfg.Tracker.SweepInterval,
	}, docs, merger, logger)

	resolver := geocode.NewResolver(
		geocode.NewClient(cfg.Geocode.BaseURL, cfg.Geocode.UserAgent, logger),
		store, cfg.Geocode.CacheTTL, logger,
	)

	statusConsumer := consumer.NewMQTTConsumer(subscriber, docs,
		cfg.Tracker.StatusCollection, cfg.Tracker.StatusTopic, cfg.MQTT.QoS, logger)

	s := &TrackerService{
		config:      cfg,
		logger:      logger,
		db:          db,
		redisClient: redisClient,
		profiles:    profiles,
		roster:      rosterStore,
		engine:      engine,
		alerts:      alerts,
		monitor:     monitor,
		consumer:    statusConsumer,
	}

	router := httpapi.NewRouter(logger)
	router.RegisterSystemRoutes(s.healthChecks())
	router.RegisterTrackerRoutes(httpapi.NewTrackerHandler(rosterStore, engine, alerts, resolver, logger))
	s.handler = router
	s.server = NewServer(cfg.HTTP.Addr, router, logger)
	return s
}

func (s *TrackerService) healthChecks() map[string]httpapi.HealthCheck {
	return map[string]httpapi.HealthCheck{
		"postgres": func(ctx context.Context) error {
			return s.db.PingContext(ctx)
		},
		"redis": func(ctx context.Context) error {
			return s.redisClient.Ping(ctx).Err()
		},
		"mqtt": func(ctx context.Context) error {
			if s.mqttClient != nil && !s.mqttClient.IsConnected() {
				return errors.New("not connected")
			}
			return nil
		},
	}
}

// Handler HTTP 路由
func (s *TrackerService) Handler() http.Handler {
	return s.handler
}

// Start 启动服务（非阻塞）
func (s *TrackerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	s.logger.Info("Starting tracker service components",
		zap.String("caregiver_id", s.config.Tracker.CaregiverID),
		zap.Duration("online_threshold", s.config.Tracker.OnlineThreshold),
	)

	if err := s.profiles.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := s.engine.Load(ctx); err != nil {
		return err
	}

	// 告警日志先切换到当前看护人，围栏和监控写入的才是对应看护人的记录
	s.unsubscribe = append(s.unsubscribe,
		s.roster.Subscribe(s.alerts.HandleSnapshot),
		s.roster.Subscribe(s.engine.HandleSnapshot),
		s.roster.Subscribe(s.monitor.HandleSnapshot),
	)

	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT consumer: %w", err)
	}

	// 初始加载失败不影响启动，可通过 /api/v1/roster/reload 重试
	if id := s.config.Tracker.CaregiverID; id != "" {
		if err := s.roster.Load(ctx, id); err != nil {
			s.logger.Warn("Initial roster load failed",
				zap.String("caregiver_id", id),
				zap.Error(err),
			)
		}
	} else {
		s.logger.Info("No caregiver configured, waiting for selection")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.roster.Run(runCtx)
	}()
	go func() {
		defer s.wg.Done()
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped unexpectedly", zap.Error(err))
		}
	}()

	s.started = true
	s.logger.Info("Tracker service started successfully")
	return nil
}

// Stop 停止服务并关闭所有连接
func (s *TrackerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info("Stopping tracker service")

	var errs error
	if s.started {
		errs = multierr.Append(errs, s.server.Stop(ctx))
		errs = multierr.Append(errs, s.consumer.Stop(ctx))
		s.cancel()
	}
	for _, unsubscribe := range s.unsubscribe {
		unsubscribe()
	}
	s.unsubscribe = nil
	errs = multierr.Append(errs, s.roster.Close())
	s.wg.Wait()
	s.started = false

	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}
	if s.redisClient != nil {
		errs = multierr.Append(errs, s.redisClient.Close())
	}
	if s.db != nil {
		errs = multierr.Append(errs, s.db.Close())
	}

	s.logger.Info("Tracker service stopped")
	return errs
}
