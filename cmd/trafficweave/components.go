package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/piwi3910/trafficweave/internal/config"
	"github.com/piwi3910/trafficweave/internal/dashboard"
	"github.com/piwi3910/trafficweave/internal/events"
	"github.com/piwi3910/trafficweave/internal/middleware"
	"github.com/piwi3910/trafficweave/internal/observability"
	"github.com/piwi3910/trafficweave/internal/onem2m"
	"github.com/piwi3910/trafficweave/internal/server"
)

// lightChangePath is the route whose rate is limited separately.
const lightChangePath = "/api/v1/intersections/:index/lights/:light"

// applicationComponents holds all initialized application components.
type applicationComponents struct {
	redis     redis.UniversalClient
	metrics   *observability.Metrics
	gatherer  prometheus.Gatherer
	hub       *server.Hub
	fanout    *events.Fanout
	dashboard *dashboard.Dashboard
	server    *server.Server
}

// Close releases the dashboard, its publishers and the Redis connection.
func (c *applicationComponents) Close(logger *zap.Logger) {
	if c.dashboard != nil {
		if err := c.dashboard.Close(); err != nil {
			logger.Warn("failed to close dashboard", zap.Error(err))
		}
	} else if c.fanout != nil {
		if err := c.fanout.Close(); err != nil {
			logger.Warn("failed to close publishers", zap.Error(err))
		}
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			logger.Warn("failed to close Redis connection", zap.Error(err))
		}
	}
}

// setupLogger builds the logger from the logging section.
func setupLogger(cfg *config.Config) (*observability.Logger, error) {
	logging := cfg.Observability.Logging
	logger, err := observability.NewLogger(&observability.LoggingConfig{
		Level:       logging.Level,
		Format:      logging.Format,
		OutputPaths: logging.OutputPaths,
		Development: logging.Development,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}

// initializeMetrics registers the dashboard metrics on a dedicated registry.
// The scrape also serves the default registry, which carries the runtime
// collectors and the poll worker metrics.
func initializeMetrics(cfg *config.Config) (*observability.Metrics, prometheus.Gatherer) {
	if !cfg.Observability.Metrics.Enabled {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(cfg.Observability.Metrics.Namespace, reg)
	return metrics, prometheus.Gatherers{prometheus.DefaultGatherer, reg}
}

// newRedisClient creates a client for the configured Redis mode.
func newRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	switch cfg.Mode {
	case "sentinel":
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addresses,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		}), nil
	case "cluster":
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil
	case "", "standalone":
		addr := "localhost:6379"
		if len(cfg.Addresses) > 0 {
			addr = cfg.Addresses[0]
		}
		return redis.NewClient(&redis.Options{
			Addr:         addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported Redis mode: %s", cfg.Mode)
	}
}

// initializeRedis connects to Redis when it is enabled.
func initializeRedis(cfg *config.Config, logger *zap.Logger) (redis.UniversalClient, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client, err := newRedisClient(cfg.Redis)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connectivity check failed: %w", err)
	}

	logger.Info("Redis connectivity verified",
		zap.String("mode", cfg.Redis.Mode),
		zap.Strings("addresses", cfg.Redis.Addresses),
	)
	return client, nil
}

// buildPublishers creates every enabled event sink behind one fan-out.
func buildPublishers(cfg *config.Config, client redis.UniversalClient, hub *server.Hub, logger *zap.Logger) (*events.Fanout, error) {
	fanout := events.NewFanout(logger)
	if hub != nil {
		fanout.Add(hub)
	}

	if client != nil {
		pub, err := events.NewRedisPublisher(client, &events.RedisConfig{
			Channel:      cfg.Redis.Channel,
			Stream:       cfg.Redis.Stream,
			StreamMaxLen: cfg.Redis.StreamMaxLen,
		}, logger)
		if err != nil {
			_ = fanout.Close()
			return nil, fmt.Errorf("failed to create Redis publisher: %w", err)
		}
		fanout.Add(pub)
	}

	if cfg.MQTT.Enabled {
		pub, err := events.NewMQTTPublisher(&events.MQTTConfig{
			Broker:         cfg.MQTT.Broker,
			ClientID:       cfg.MQTT.ClientID,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			TopicPrefix:    cfg.MQTT.TopicPrefix,
			QoS:            byte(cfg.MQTT.QoS),
			PublishTimeout: cfg.MQTT.PublishTimeout,
		}, logger)
		if err != nil {
			_ = fanout.Close()
			return nil, fmt.Errorf("failed to create MQTT publisher: %w", err)
		}
		fanout.Add(pub)
	}

	if fwd := cfg.Bridge.Forwarding; fwd.Enabled {
		pub, err := events.NewBridgeForwarder(&events.ForwarderConfig{
			Targets:     fwd.TargetMap(),
			DefaultURL:  fwd.DefaultURL,
			HTTPTimeout: fwd.Timeout,
			MaxRetries:  fwd.MaxRetries,
		}, logger)
		if err != nil {
			_ = fanout.Close()
			return nil, fmt.Errorf("failed to create bridge forwarder: %w", err)
		}
		fanout.Add(pub)
	}

	logger.Info("event publishers initialized", zap.Int("publishers", fanout.Len()))
	return fanout, nil
}

// newDashboard creates the dashboard from the CSE section.
func newDashboard(cfg *config.Config, publisher events.Publisher, metrics *observability.Metrics, logger *zap.Logger) (*dashboard.Dashboard, error) {
	cse := cfg.CSE
	return dashboard.New(&dashboard.Config{
		CSE: onem2m.Config{
			Identity: onem2m.Identity{
				URL:        cse.URL,
				Originator: cse.Originator,
				RootID:     cse.BaseRI,
			},
			RequestTimeout: cse.RequestTimeout,
			PollTimeout:    cse.PollTimeout,
		},
		DashboardID:         cse.DashboardID,
		PeerOriginators:     cse.PeerOriginators,
		AppID:               cse.AppID,
		DeviceAPI:           cse.DeviceAPI,
		IntersectionTag:     cse.IntersectionTag,
		ContainerDefinition: cse.ContainerDefinition,
		Concurrency:         cse.Concurrency,
		PollDelay:           cse.PollDelay,
		Publisher:           publisher,
		Metrics:             metrics,
		Logger:              logger,
	})
}

// newRateLimiter limits every client and the light change route.
func newRateLimiter(cfg *config.Config, client redis.UniversalClient, logger *zap.Logger) (*middleware.RateLimiter, error) {
	rl := cfg.Security.RateLimit
	if !rl.Enabled {
		return nil, nil
	}
	return middleware.NewRateLimiter(&middleware.RateLimitConfig{
		Enabled: true,
		PerClient: middleware.LimitConfig{
			RequestsPerSecond: rl.PerClient.RequestsPerSecond,
			BurstSize:         rl.PerClient.BurstSize,
		},
		PerEndpoint: []middleware.EndpointLimitConfig{{
			Method: http.MethodPut,
			Path:   lightChangePath,
			LimitConfig: middleware.LimitConfig{
				RequestsPerSecond: rl.LightChange.RequestsPerSecond,
				BurstSize:         rl.LightChange.BurstSize,
			},
		}},
		RedisClient: client,
	}, logger)
}

// initializeHealthChecker reports the broker connection as readiness and
// Redis as health.
func initializeHealthChecker(dash *dashboard.Dashboard, client redis.UniversalClient) *observability.HealthChecker {
	hc := observability.NewHealthChecker(Version)
	hc.RegisterReadinessCheck("cse", observability.ConnectedCheck("cse", dash.Connected))
	if client != nil {
		ping := func(ctx context.Context) error { return client.Ping(ctx).Err() }
		hc.RegisterHealthCheck("redis", observability.PingCheck("redis", ping))
		hc.RegisterReadinessCheck("redis", observability.PingCheck("redis", ping))
	}
	return hc
}

// initializeComponents wires the dashboard, its publishers and the HTTP
// server.
func initializeComponents(cfg *config.Config, logger *zap.Logger) (*applicationComponents, error) {
	c := &applicationComponents{}
	c.metrics, c.gatherer = initializeMetrics(cfg)

	var err error
	c.redis, err = initializeRedis(cfg, logger)
	if err != nil {
		return nil, err
	}

	ws := cfg.WebSocket
	c.hub = server.NewHub(server.HubConfig{
		PingInterval:   ws.PingInterval,
		PongTimeout:    ws.PongTimeout,
		WriteTimeout:   ws.WriteTimeout,
		MaxMessageSize: ws.MaxMessageSize,
		SendBuffer:     ws.SendBuffer,
		AllowedOrigins: cfg.Security.AllowedOrigins,
	}, logger, c.metrics)

	c.fanout, err = buildPublishers(cfg, c.redis, c.hub, logger)
	if err != nil {
		c.Close(logger)
		return nil, err
	}

	c.dashboard, err = newDashboard(cfg, c.fanout, c.metrics, logger)
	if err != nil {
		c.Close(logger)
		return nil, fmt.Errorf("failed to create dashboard: %w", err)
	}
	c.hub.SetSnapshot(server.SnapshotEvents(c.dashboard))

	limiter, err := newRateLimiter(cfg, c.redis, logger)
	if err != nil {
		c.Close(logger)
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	opts := []server.Option{
		server.WithHub(c.hub),
		server.WithHealthChecker(initializeHealthChecker(c.dashboard, c.redis)),
	}
	if c.metrics != nil {
		opts = append(opts, server.WithMetrics(c.metrics, c.gatherer))
	}
	if limiter != nil {
		opts = append(opts, server.WithRateLimiter(limiter))
	}
	c.server = server.New(cfg, logger, c.dashboard, opts...)

	logger.Info("HTTP server created",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("mode", cfg.Server.GinMode),
	)
	return c, nil
}
