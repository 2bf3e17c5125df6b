// ubridge is the control-plane hub for a fleet of game servers: it owns
// connector sessions, routes operations and events, bridges server chat to
// external groups and degrades gracefully when servers drop off.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/ubridge-dev/ubridge/internal/adapter"
	"github.com/ubridge-dev/ubridge/internal/audit"
	"github.com/ubridge-dev/ubridge/internal/auth"
	"github.com/ubridge-dev/ubridge/internal/bridge"
	"github.com/ubridge-dev/ubridge/internal/cache"
	"github.com/ubridge-dev/ubridge/internal/config"
	"github.com/ubridge-dev/ubridge/internal/connection"
	"github.com/ubridge-dev/ubridge/internal/degrade"
	"github.com/ubridge-dev/ubridge/internal/events"
	"github.com/ubridge-dev/ubridge/internal/handlers"
	"github.com/ubridge-dev/ubridge/internal/hub"
	"github.com/ubridge-dev/ubridge/internal/logging"
	"github.com/ubridge-dev/ubridge/internal/monitoring"
	"github.com/ubridge-dev/ubridge/internal/platform"
	"github.com/ubridge-dev/ubridge/internal/protocol"
	"github.com/ubridge-dev/ubridge/internal/retry"
	"github.com/ubridge-dev/ubridge/internal/router"
	"github.com/ubridge-dev/ubridge/internal/security"
	"github.com/ubridge-dev/ubridge/internal/service"
	"github.com/ubridge-dev/ubridge/internal/store"
	"github.com/ubridge-dev/ubridge/internal/types"
)

func main() {
	bootstrap := logging.New(logging.Options{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration load failed")
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	cfg.LogConfig(log)

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Hub exited with error")
	}
	log.Info().Msg("Hub stopped")
}

func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetrics()
	system := monitoring.NewSystemMonitor()

	alerters := []monitoring.Alerter{monitoring.NewLogAlerter(logging.Component(log, "alerts"))}
	if cfg.AlertWebhookURL != "" {
		alerters = append(alerters, monitoring.NewWebhookAlerter(cfg.AlertWebhookURL))
	}
	alerter := monitoring.NewMultiAlerter(alerters...)

	// Persistence
	var st store.Store
	switch cfg.StoreBackend {
	case "memory":
		st = store.NewMemory()
	default:
		badger, err := store.OpenBadger(cfg.DataDir, logging.Component(log, "store"))
		if err != nil {
			return err
		}
		st = badger
	}

	// Audit trail
	sinks := []audit.Sink{audit.NewStoreSink(st)}
	if cfg.AuditKafkaBrokers != "" {
		kafka, err := audit.NewKafkaSink(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic, logging.Component(log, "audit-kafka"))
		if err != nil {
			st.Close()
			return err
		}
		sinks = append(sinks, kafka)
	}
	auditLog := audit.NewLogger(logging.Component(log, "audit"), sinks...)

	authMgr := auth.NewManager(cfg.JWTSecret, cfg.TokenTTL, st)

	gate := security.NewGate(security.Config{
		MaxTotal:               cfg.MaxTotalConnections,
		MaxPerIP:               cfg.MaxConnectionsPerIP,
		MaxPerServer:           cfg.MaxConnectionsPerServer,
		BaseDelay:              cfg.AuthBaseDelay,
		MaxDelay:               cfg.AuthMaxDelay,
		Multiplier:             cfg.AuthBackoffMultiplier,
		ResetWindow:            cfg.AuthResetWindow,
		MaxFailuresBeforeBlock: cfg.MaxFailuresBeforeBlock,
		BlockDuration:          cfg.BlockDuration,
		AlertCooldown:          cfg.AlertCooldown,
		GlobalRate:             cfg.ConnectionRate,
		GlobalBurst:            cfg.ConnectionBurst,
		PerIPRate:              cfg.ConnectionRatePerIP,
		PerIPBurst:             cfg.ConnectionBurstPerIP,
		Whitelist:              cfg.IPWhitelist,
	}, logging.Component(log, "gate"), alerter, metrics)

	// Session layer
	codec := protocol.NewCodec(cfg.MaxFrameSize)
	registry := connection.NewRegistry()
	factory := adapter.NewFactory(codec, logging.Component(log, "adapter"))

	bus := events.NewBus(events.Config{
		QueueSize:       cfg.EventQueueSize,
		FloodThreshold:  cfg.FloodThreshold,
		SubscriptionTTL: cfg.SubscriptionTTL,
		SweepInterval:   cfg.SubscriptionSweepInterval,
	}, logging.Component(log, "events"), metrics, alerter)

	// The degrader and manager reference each other through hooks; the
	// degrader is assigned below, before anything starts.
	var degrader *degrade.Degrader

	manager := connection.NewManager(connection.ManagerConfig{
		Policy: retry.Policy{
			MaxAttempts:  cfg.MaxRetryAttempts,
			BaseInterval: cfg.BaseRetryInterval,
			MaxInterval:  cfg.MaxRetryInterval,
			Multiplier:   cfg.BackoffMultiplier,
			Jitter:       cfg.JitterEnabled,
		},
		EnableFailover:       cfg.EnableFailover,
		FailoverDelay:        cfg.FailoverDelay,
		HealthProbeInterval:  cfg.HealthProbeInterval,
		QualityThreshold:     cfg.QualityThreshold,
		FailureRateThreshold: cfg.FailureRateThreshold,
		LatencyThreshold:     cfg.LatencyThreshold,
		Timing: connection.Timing{
			HeartbeatInterval: cfg.HeartbeatInterval,
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			RequestTimeout:    cfg.RequestTimeout,
		},
	}, factory, registry, logging.Component(log, "connection"), metrics, bus.Publish, connection.Hooks{
		OnConnected: func(serverID string) {
			if degrader != nil {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				defer cancel()
				degrader.OnServerRecovered(ctx, serverID)
			}
		},
	})

	cacheLayer := cache.New(cache.Config{
		MaxBytes:      cfg.CacheMaxBytes,
		DefaultTTL:    cfg.CacheDefaultTTL,
		Policy:        cfg.CacheEvictionPolicy,
		Compression:   cfg.CacheCompression,
		SweepInterval: cfg.CacheSweepInterval,
	}, logging.Component(log, "cache"), metrics)

	// Operation routing
	deps := &handlers.Deps{
		Store:    st,
		Registry: registry,
		Manager:  manager,
		Bus:      bus,
		Audit:    auditLog,
		Cache:    cacheLayer,
		System:   system,
		Log:      logging.Component(log, "handlers"),
	}
	degrader = degrade.New(degrade.Config{
		Enabled:              cfg.EnableGracefulDegradation,
		MaxCachedOperations:  cfg.MaxCachedOperations,
		CacheExpiration:      cfg.CacheExpirationTime,
		Strategy:             types.ResolutionStrategy(cfg.ConflictResolutionStrategy),
		MaxPermissionRetries: cfg.MaxPermissionRetries,
	}, logging.Component(log, "degrade"), metrics, alerter, auditLog,
		handlers.ReplayExecutor(deps), handlers.BroadcastRerouter(deps))
	deps.Degrader = degrader

	opRouter := router.New(logging.Component(log, "router"), metrics, auditLog)
	handlers.RegisterAll(opRouter, deps)

	// Chat platform and message router
	var chat *platform.ChatAdapter
	if cfg.NATSUrl != "" {
		var err error
		chat, err = platform.Connect(cfg.NATSUrl, cfg.NATSSubjectPrefix, logging.Component(log, "platform"))
		if err != nil {
			st.Close()
			return err
		}
	}

	toServer := func(ctx context.Context, serverID, content string) error {
		session, ok := registry.Connected(serverID)
		if !ok {
			return protocol.Errorf(protocol.CodeServerUnavailable, "server %s is unreachable", serverID)
		}
		if session.Capabilities().Has(adapter.CapRaw) {
			_, perr := session.Request(ctx, protocol.OpServerBroadcast, map[string]any{"message": content})
			if perr != nil {
				return perr
			}
			return nil
		}
		_, err := session.SendCommand(ctx, "say "+content)
		return err
	}
	toGroup := func(ctx context.Context, groupID, content string) error {
		if chat == nil {
			log.Debug().Str("group_id", groupID).Msg("No chat platform configured, dropping outbound line")
			return nil
		}
		return chat.Publish(ctx, groupID, content)
	}
	msgRouter := bridge.NewRouter(st, toServer, toGroup, cfg.BridgeErrorRateThreshold,
		logging.Component(log, "bridge"), metrics, alerter)
	bus.Tap(msgRouter.HandleServerEvent)

	admin := service.NewAdmin(st, opRouter, degrader, logging.Component(log, "admin"))

	// Lifecycle
	coordinator := service.NewCoordinator(cfg.ComponentStopTimeout, logging.Component(log, "lifecycle"))

	listener := hub.NewListener(hub.Config{
		Addr:           cfg.Addr,
		MaxFrameSize:   cfg.MaxFrameSize,
		RequestTimeout: cfg.RequestTimeout,
	}, hub.Deps{
		Gate:     gate,
		Auth:     authMgr,
		Store:    st,
		Manager:  manager,
		Registry: registry,
		Router:   opRouter,
		Metrics:  metrics,
		Admin:    admin,
		Health:   coordinator.Health,
		Log:      logging.Component(log, "hub"),
	})
	deps.Deliverer = listener

	var listenerErr <-chan error
	registerComponents(coordinator, &components{
		cfg:        cfg,
		log:        log,
		store:      st,
		audit:      auditLog,
		gate:       gate,
		cache:      cacheLayer,
		bus:        bus,
		degrader:   degrader,
		manager:    manager,
		chat:       chat,
		msgRouter:  msgRouter,
		listener:   listener,
		listenerCh: &listenerErr,
	})
	scheduleMaintenance(coordinator, cfg, st, cacheLayer, msgRouter, log)

	if err := coordinator.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-listenerErr:
		if err != nil {
			log.Error().Err(err).Msg("Listener failed")
		}
	}

	// The per-component stop timeout bounds each component; this bounds the
	// whole drain, so a wedged shutdown still exits.
	stopped := make(chan struct{})
	go func() {
		coordinator.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownTimeout):
		log.Error().Dur("timeout", cfg.ShutdownTimeout).Msg("Shutdown timed out, exiting anyway")
	}
	return nil
}

type components struct {
	cfg        *config.Config
	log        zerolog.Logger
	store      store.Store
	audit      *audit.Logger
	gate       *security.Gate
	cache      *cache.Cache
	bus        *events.Bus
	degrader   *degrade.Degrader
	manager    *connection.Manager
	chat       *platform.ChatAdapter
	msgRouter  *bridge.Router
	listener   *hub.Listener
	listenerCh *<-chan error
}

// registerComponents wires the dependency-ordered lifecycle: store first,
// then the service layer, then sessions, the message router and finally
// the listener. Shutdown runs the same list in reverse.
func registerComponents(c *service.Coordinator, parts *components) {
	c.Register(service.NewComponent("store", nil,
		func(context.Context) error { return parts.store.Close() }, nil))

	c.Register(service.NewComponent("audit",
		nil,
		func(ctx context.Context) error { return parts.audit.Close(ctx) },
		nil))

	c.Register(service.NewComponent("gate", nil,
		func(context.Context) error { parts.gate.Close(); return nil }, nil))

	c.Register(service.NewComponent("cache",
		func(context.Context) error { parts.cache.Start(); return nil },
		func(context.Context) error { parts.cache.Close(); return nil },
		nil))

	c.Register(service.NewComponent("event-bus",
		func(context.Context) error { parts.bus.Start(); return nil },
		func(context.Context) error { parts.bus.Close(); return nil },
		nil))

	c.Register(service.NewComponent("degrader",
		func(context.Context) error { parts.degrader.Start(); return nil },
		func(context.Context) error { parts.degrader.Close(); return nil },
		nil))

	c.Register(service.NewComponent("sessions",
		func(ctx context.Context) error {
			parts.manager.Start()
			return establishAll(ctx, parts)
		},
		func(context.Context) error { parts.manager.Shutdown(); return nil },
		nil))

	c.Register(service.NewComponent("message-router",
		func(ctx context.Context) error {
			if err := parts.msgRouter.Reload(ctx); err != nil {
				return err
			}
			if parts.chat != nil {
				return parts.chat.Start(parts.msgRouter.HandleGroupMessage)
			}
			return nil
		},
		func(context.Context) error {
			if parts.chat != nil {
				parts.chat.Close()
			}
			return nil
		},
		func(context.Context) service.ComponentHealth {
			h := service.ComponentHealth{Name: "message-router", Status: service.Healthy}
			if parts.msgRouter.CurrentHealth() == bridge.HealthDegraded {
				h.Status = service.Degraded
				h.Detail = "routing error rate above threshold"
			}
			return h
		}))

	c.Register(service.NewComponent("listener",
		func(context.Context) error {
			*parts.listenerCh = parts.listener.Start()
			return nil
		},
		func(ctx context.Context) error { parts.listener.Stop(ctx); return nil },
		nil))
}

// establishAll dials every stored server that carries outbound transport
// settings. Servers whose connectors dial in are attached by the listener
// instead.
func establishAll(ctx context.Context, parts *components) error {
	servers, err := parts.store.ListServers(ctx)
	if err != nil {
		return err
	}
	for i := range servers {
		server := servers[i]
		parts.cfg.ApplyFailoverDefault(&server)
		if len(server.CandidateModes()) == 0 {
			continue
		}
		go func() {
			defer logging.RecoverPanic(parts.log, "establish "+server.ID)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			parts.manager.Establish(ctx, &server)
		}()
	}
	return nil
}

func scheduleMaintenance(c *service.Coordinator, cfg *config.Config, st store.Store,
	cacheLayer *cache.Cache, msgRouter *bridge.Router, log zerolog.Logger) {

	c.Every(time.Hour, "bridge-prune", msgRouter.Prune)

	c.Every(24*time.Hour, "audit-retention", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		removed, err := st.CleanupAudit(ctx, time.Now().Add(-cfg.AuditRetention))
		if err != nil {
			log.Error().Err(err).Msg("Audit retention cleanup failed")
			return
		}
		if removed > 0 {
			log.Info().Int("removed", removed).Msg("Expired audit entries removed")
		}
	})

	if cfg.PreloadEnabled {
		preloader := cache.NewPreloader(cacheLayer, logging.Component(log, "preload"))
		preloader.Register("servers", func(ctx context.Context) (map[string]any, error) {
			servers, err := st.ListServers(ctx)
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(servers))
			for i := range servers {
				out["server:info:"+servers[i].ID] = servers[i]
			}
			return out, nil
		})
		c.Every(cfg.PreloadInterval, "cache-preload", func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			preloader.Run(ctx)
		})
	}
}
