// Package engine assembles the sync engine from configuration.
//
// The Engine is the single owner of shared state: connection slots, stores
// and pipelines are created here and passed down explicitly.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"github.com/ha1tch/ledgersync/pkg/cache"
	"github.com/ha1tch/ledgersync/pkg/config"
	"github.com/ha1tch/ledgersync/pkg/conn"
	"github.com/ha1tch/ledgersync/pkg/cursor"
	"github.com/ha1tch/ledgersync/pkg/feedback"
	"github.com/ha1tch/ledgersync/pkg/graph"
	"github.com/ha1tch/ledgersync/pkg/metrics"
	"github.com/ha1tch/ledgersync/pkg/models"
	"github.com/ha1tch/ledgersync/pkg/pipeline"
	"github.com/ha1tch/ledgersync/pkg/projector"
	"github.com/ha1tch/ledgersync/pkg/scheduler"
	"github.com/ha1tch/ledgersync/pkg/source"
)

// Constraints created in Neo4j for the node keys the projector merges on
var Constraints = []graph.Constraint{
	{Name: "user_vpa", Label: models.LabelUser, Key: models.KeyUser},
	{Name: "device_id", Label: models.LabelDevice, Key: models.KeyDevice},
	{Name: "ip_address", Label: models.LabelIP, Key: models.KeyIP},
}

// Engine holds every long-lived component
type Engine struct {
	Config    *config.Config
	Conns     *conn.Manager
	Cursors   cursor.Store
	Graph     graph.Store
	Cache     cache.Cache
	Features  *cache.FeatureWriter
	Feedback  *feedback.Loop
	Metrics   *metrics.Collector
	Pipelines []pipeline.Runner
	Scheduler *scheduler.Scheduler

	logger zerolog.Logger
}

// New builds an engine. No connection is opened until first use.
func New(cfg *config.Config, logger zerolog.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	epoch, _ := cfg.Epoch()

	dialect, err := source.DialectFor(cfg.SourceDriver)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		Config:  cfg,
		Metrics: metrics.NewCollector(),
		logger:  logger.With().Str("component", "engine").Logger(),
	}

	e.Conns = conn.NewManager(conn.Options{
		Attempts:            cfg.ReconnectAttempts,
		Backoff:             cfg.ReconnectBackoff,
		HealthCheckInterval: cfg.HealthCheckInterval,
	}, logger)
	e.Conns.Register(conn.SlotGatewayPrimary, conn.SQLDialer(dialect.Driver, cfg.GatewayDSN, cfg.ConnectTimeout))
	e.Conns.Register(conn.SlotGatewayReplica, conn.SQLDialer(dialect.Driver, cfg.ReplicaDSN(), cfg.ConnectTimeout))
	e.Conns.Register(conn.SlotSwitch, conn.SQLDialer(dialect.Driver, cfg.SwitchDSN, cfg.ConnectTimeout))
	if cfg.GraphType == "neo4j" {
		e.Conns.Register(conn.SlotGraph, conn.Neo4jDialer(cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPassword))
	}
	if cfg.CacheType == "redis" || cfg.CursorType == "redis" {
		e.Conns.Register(conn.SlotCache, conn.RedisDialer(cfg.RedisAddr(), cfg.RedisDB, cfg.ConnectTimeout))
	}

	e.Cursors, err = cursor.New(cfg.CursorType, cursor.Options{
		Path:  cfg.CursorPath,
		Epoch: epoch,
		Redis: func(ctx context.Context) (*redis.Client, error) {
			return e.Conns.Redis(ctx, conn.SlotCache)
		},
	})
	if err != nil {
		e.Conns.Close()
		return nil, fmt.Errorf("failed to create cursor store: %w", err)
	}

	switch cfg.GraphType {
	case "neo4j":
		e.Graph = graph.NewNeo4jGraph(e.Conns, conn.SlotGraph, "", logger)
	default:
		mg, err := graph.OpenMemoryGraph(cfg.GraphDataFile)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.Graph = mg
	}

	switch cfg.CacheType {
	case "redis":
		e.Cache = cache.NewRedisCache(e.Conns, conn.SlotCache, 0)
	default:
		e.Cache = cache.NewMemoryCache(cfg.CacheSize, 0)
	}
	e.Features = cache.NewFeatureWriter(e.Cache, logger)

	identity := models.Identity{Suffix: cfg.VPASuffix, CountryPrefix: cfg.PhonePrefix}
	mappers := projector.Mappers{Identity: identity}

	e.Feedback = feedback.New(feedback.Options{
		Threshold: cfg.RiskThreshold,
		Scale:     cfg.RiskScale,
		Identity:  identity,
	}, source.NewRiskWriter(e.Conns, conn.SlotGatewayPrimary, dialect), e.Features, e.Metrics, logger)

	streams, err := enabledStreams(cfg.Streams)
	if err != nil {
		e.Close()
		return nil, err
	}
	for _, stream := range streams {
		e.Pipelines = append(e.Pipelines, e.buildPipeline(stream, dialect, mappers, logger))
	}

	e.Scheduler = scheduler.New(cfg.SyncInterval, e.Pipelines, logger)
	return e, nil
}

func (e *Engine) buildPipeline(stream models.Stream, dialect source.Dialect, m projector.Mappers, logger zerolog.Logger) pipeline.Runner {
	batch := e.Config.BatchSize

	switch stream {
	case models.StreamUsers:
		reader := source.NewUserReader(e.Conns, conn.SlotGatewayReplica, dialect, logger)
		proj := projector.New[models.UserRecord](stream, e.Graph, m.UserOps, logger, projector.FeatureSink(m, e.Features))
		return pipeline.New[models.UserRecord](reader, proj, e.Cursors, batch, e.Metrics, logger)

	case models.StreamDevices:
		reader := source.NewDeviceReader(e.Conns, conn.SlotGatewayReplica, dialect, logger)
		proj := projector.New[models.DeviceRecord](stream, e.Graph, m.DeviceOps, logger)
		return pipeline.New[models.DeviceRecord](reader, proj, e.Cursors, batch, e.Metrics, logger)

	default:
		reader := source.NewTransactionReader(e.Conns, conn.SlotSwitch, dialect, logger)
		proj := projector.New[models.TransactionRecord](stream, e.Graph, m.TransactionOps, logger, e.Feedback.Sink())
		return pipeline.New[models.TransactionRecord](reader, proj, e.Cursors, batch, e.Metrics, logger)
	}
}

func enabledStreams(names []string) ([]models.Stream, error) {
	if len(names) == 0 {
		return models.AllStreams, nil
	}
	seen := make(map[models.Stream]bool)
	var streams []models.Stream
	for _, name := range names {
		s, err := models.ParseStream(name)
		if err != nil {
			return nil, err
		}
		if !seen[s] {
			seen[s] = true
			streams = append(streams, s)
		}
	}
	return streams, nil
}

// Pipeline returns the runner for stream
func (e *Engine) Pipeline(stream models.Stream) (pipeline.Runner, bool) {
	for _, p := range e.Pipelines {
		if p.Stream() == stream {
			return p, true
		}
	}
	return nil, false
}

// Preflight loads every stream's watermark. An error means the engine must
// not start: running without a known watermark could skip or replay data.
func (e *Engine) Preflight(ctx context.Context) error {
	for _, p := range e.Pipelines {
		if err := p.LoadWatermark(ctx); err != nil {
			return fmt.Errorf("failed to load %s watermark: %w", p.Stream(), err)
		}
	}

	if ng, ok := e.Graph.(*graph.Neo4jGraph); ok {
		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := ng.EnsureSchema(ctx, Constraints); err != nil {
			e.logger.Warn().Err(err).Msg("Could not ensure graph constraints")
		}
	}
	return nil
}

// Close releases stores and connections. The memory graph saves its snapshot.
func (e *Engine) Close() error {
	var errs []error
	if e.Graph != nil {
		errs = append(errs, e.Graph.Close())
	}
	if e.Cache != nil {
		errs = append(errs, e.Cache.Close())
	}
	if e.Cursors != nil {
		errs = append(errs, e.Cursors.Close())
	}
	if e.Conns != nil {
		errs = append(errs, e.Conns.Close())
	}
	return errors.Join(errs...)
}
