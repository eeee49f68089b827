package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/LuminPulse-AI/offlinekit"
)

// runtime is every component built from a Config.
type runtime struct {
	cfg     *Config
	log     *zap.Logger
	store   offlinekit.KeyValueStore
	closer  io.Closer
	cache   *offlinekit.Cache
	gateway *offlinekit.Gateway
	queue   *offlinekit.OfflineQueue
	channel *offlinekit.SyncChannel
	layer   *offlinekit.Layer
}

// newRuntime loads the config and builds the layer over the configured
// store. Nothing is started or loaded yet.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log, err := offlinekit.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	rt := &runtime{cfg: cfg, log: log}
	if err := rt.openStore(ctx); err != nil {
		return nil, err
	}

	defaultTTL, err := parseDuration("cache.default_ttl", cfg.Cache.DefaultTTL)
	if err != nil {
		return nil, err
	}
	rt.cache = offlinekit.NewCache(rt.store, &offlinekit.CacheOptions{
		MaxSize:    cfg.Cache.MaxSize,
		DefaultTTL: defaultTTL,
		Logger:     log.Named("cache"),
	})

	rt.gateway = offlinekit.NewGateway(rt.cache, &offlinekit.GatewayOptions{Logger: log.Named("gateway")})
	for _, s := range cfg.Services {
		svc, err := serviceConfig(s)
		if err != nil {
			return nil, err
		}
		if err := rt.gateway.RegisterService(s.Name, svc); err != nil {
			return nil, err
		}
	}

	rt.queue = offlinekit.NewOfflineQueue(rt.store, &offlinekit.QueueOptions{Logger: log.Named("queue")})
	if cfg.Queue.Service != "" {
		proc := offlinekit.GatewayProcessor(rt.gateway, cfg.Queue.Service, cfg.Queue.Endpoint)
		for _, t := range cfg.Queue.ActionTypes {
			rt.queue.RegisterProcessor(t, proc)
		}
	}

	reconnectDelay, err := parseDuration("sync.reconnect_delay", cfg.Sync.ReconnectDelay)
	if err != nil {
		return nil, err
	}
	heartbeat, err := parseDuration("sync.heartbeat", cfg.Sync.Heartbeat)
	if err != nil {
		return nil, err
	}
	dialer := &offlinekit.WebSocketDialer{Token: cfg.Sync.Token, HeartbeatInterval: heartbeat}
	rt.channel = offlinekit.NewSyncChannel(rt.store, dialer, &offlinekit.SyncOptions{
		MaxReconnectAttempts: cfg.Sync.MaxReconnectAttempts,
		ReconnectBaseDelay:   reconnectDelay,
		DialTimeout:          10 * time.Second,
		Logger:               log.Named("sync"),
	})

	rt.layer = offlinekit.NewLayer(rt.cache, rt.gateway, rt.queue, rt.channel, &offlinekit.LayerOptions{
		SyncURL: cfg.Sync.URL,
		Logger:  log,
	})
	return rt, nil
}

func (rt *runtime) openStore(ctx context.Context) error {
	switch rt.cfg.Storage.Type {
	case "", "file":
		s, err := offlinekit.NewFileStore(rt.cfg.Storage.Path)
		if err != nil {
			return err
		}
		rt.store = s
	case "memory":
		rt.store = offlinekit.NewMemoryStore()
	case "mysql":
		if rt.cfg.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for mysql storage")
		}
		s, err := offlinekit.OpenSQLStore(ctx, rt.cfg.Storage.DSN, rt.cfg.Storage.Table)
		if err != nil {
			return err
		}
		rt.store = s
		rt.closer = s
	default:
		return fmt.Errorf("unknown storage type %q (valid: file, memory, mysql)", rt.cfg.Storage.Type)
	}
	rt.log.Debug("storage opened", zap.String("type", rt.cfg.Storage.Type))
	return nil
}

func (rt *runtime) Close() {
	rt.layer.Close()
	if rt.closer != nil {
		if err := rt.closer.Close(); err != nil {
			rt.log.Warn("close storage", zap.Error(err))
		}
	}
	rt.log.Sync()
}

// mustRuntime builds and loads a runtime for the one-shot commands.
func mustRuntime() *runtime {
	ctx := context.Background()
	rt, err := newRuntime(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize: %v\n", err)
		os.Exit(1)
	}
	if _, err := rt.cache.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load cache: %v\n", err)
		os.Exit(1)
	}
	if err := rt.queue.Load(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load queue: %v\n", err)
		os.Exit(1)
	}
	return rt
}

func serviceConfig(s ServiceEntry) (offlinekit.ServiceConfig, error) {
	if s.Name == "" {
		return offlinekit.ServiceConfig{}, fmt.Errorf("[[services]] entry without a name")
	}
	window, err := parseDuration(s.Name+".rate_limit_window", s.RateLimitWindow)
	if err != nil {
		return offlinekit.ServiceConfig{}, err
	}
	ttl, err := parseDuration(s.Name+".cache_ttl", s.CacheTTL)
	if err != nil {
		return offlinekit.ServiceConfig{}, err
	}
	timeout, err := parseDuration(s.Name+".timeout", s.Timeout)
	if err != nil {
		return offlinekit.ServiceConfig{}, err
	}
	return offlinekit.ServiceConfig{
		BaseURL:     s.BaseURL,
		Token:       s.Token,
		RateLimit:   offlinekit.RateLimit{Requests: s.RateLimitRequests, Window: window},
		CachePolicy: offlinekit.CachePolicy{TTL: ttl, Tags: s.CacheTags},
		Headers:     s.Headers,
		Timeout:     timeout,
	}, nil
}

// parseDuration treats an empty value as zero.
func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
