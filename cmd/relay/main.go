// HomeCast Relay - Device Link and Cross-Instance Router
//
// This is the main entry point for the relay. The relay holds the persistent
// WebSocket connections of HomeKit Mac devices, routes commands to them from
// any instance, and fans out their state changes to web listeners.
//
// A single instance runs with bus.driver "none". Several instances behind a
// load balancer share a session store (SQLite on one host, Postgres across
// hosts) and a message bus (memory, MQTT, Redis or Google Cloud Pub/Sub).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nerrad567/homecast-relay/internal/api"
	"github.com/nerrad567/homecast-relay/internal/auth"
	"github.com/nerrad567/homecast-relay/internal/broadcast"
	"github.com/nerrad567/homecast-relay/internal/bus"
	"github.com/nerrad567/homecast-relay/internal/bus/gcpbus"
	"github.com/nerrad567/homecast-relay/internal/bus/memory"
	"github.com/nerrad567/homecast-relay/internal/bus/mqttbus"
	"github.com/nerrad567/homecast-relay/internal/bus/redisbus"
	"github.com/nerrad567/homecast-relay/internal/devicelink"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/config"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/database"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/influxdb"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/logging"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/metrics"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/mqtt"
	"github.com/nerrad567/homecast-relay/internal/infrastructure/postgres"
	"github.com/nerrad567/homecast-relay/internal/listener"
	"github.com/nerrad567/homecast-relay/internal/router"
	"github.com/nerrad567/homecast-relay/internal/session"
	"github.com/nerrad567/homecast-relay/internal/slot"
	"github.com/nerrad567/homecast-relay/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// Default configuration file path
	defaultConfigPath = "configs/config.yaml"

	// configEnv overrides defaultConfigPath.
	configEnv = "RELAY_CONFIG"

	// shutdownTimeout bounds each shutdown step that talks to the store or bus.
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting HomeCast relay",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	instanceID := resolveInstanceID(cfg.Instance.ID)
	log = logging.New(cfg.Logging, version).With("instance_id", instanceID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	checks := make(map[string]api.HealthChecker)

	// Session store
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.close()
	checks[cfg.Store] = st.check

	// Cross-instance bus (nil in local-only mode)
	var b bus.Bus
	if !cfg.LocalOnly() {
		conn, busErr := openBus(ctx, cfg, instanceID, log)
		if busErr != nil {
			return busErr
		}
		defer conn.close()
		b = conn.bus
		if conn.check != nil {
			checks[cfg.Bus.Driver] = conn.check
		}
	} else {
		log.Info("bus disabled, running local-only")
	}

	// Telemetry
	recorder := metrics.New(instanceID)
	linkObs := deviceObservers{recorder}
	batchObs := batchObservers{recorder}
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB, instanceID)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		linkObs = append(linkObs, influxClient)
		batchObs = append(batchObs, influxClient)
		checks["influxdb"] = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	// Device Link
	secret := cfg.Security.JWT.Secret
	link := devicelink.New(st.dir, func(token, deviceID string) (string, error) {
		claims, verr := auth.VerifyDevice(token, secret, deviceID)
		if verr != nil {
			return "", verr
		}
		return claims.UserID(), nil
	}, devicelink.Config{
		InstanceID:        instanceID,
		RequestTimeout:    cfg.GetRequestTimeout(),
		PingTimeout:       cfg.GetPingTimeout(),
		HeartbeatInterval: cfg.GetLinkHeartbeat(),
		MaxMessageSize:    int64(cfg.Link.MaxMessageSize),
		LargeFrameBytes:   cfg.Link.LargeFrameBytes,
		DecodeWorkers:     int64(cfg.Link.DecodeWorkers),
	})
	link.SetLogger(log.Component("devicelink"))
	link.SetObserver(linkObs)

	// Slot manager (nil in local-only mode)
	var manager *slot.Manager
	if b != nil {
		manager = slot.NewManager(st.slots, b, slot.ManagerConfig{
			InstanceID:        instanceID,
			Prefix:            cfg.Bus.ChannelPrefix,
			Names:             cfg.SlotNames(),
			HeartbeatInterval: cfg.GetSlotHeartbeat(),
		})
		manager.SetLogger(log.Component("slot"))
	}

	// Listener hub
	hubCfg := listener.Config{
		InstanceID:     instanceID,
		MaxMessageSize: int64(cfg.WebSocket.MaxMessageSize),
		PingInterval:   time.Duration(cfg.WebSocket.PingInterval) * time.Second,
		PongTimeout:    time.Duration(cfg.WebSocket.PongTimeout) * time.Second,
	}
	if manager != nil {
		hubCfg.Slot = manager.Slot
	}
	hub := listener.NewHub(hubCfg, st.dir, func(token string) (string, error) {
		claims, verr := auth.ParseToken(token, secret, auth.KindListener)
		if verr != nil {
			return "", verr
		}
		return claims.UserID(), nil
	}, log.Component("listener"))
	hub.SetNotifier(link)

	// Router and broadcast buffer
	routerCfg := router.Config{
		InstanceID:        instanceID,
		RequestTimeout:    cfg.GetRequestTimeout(),
		PingTimeout:       cfg.GetPingTimeout(),
		RemoteSubTimeout:  cfg.GetRemoteSubTimeout(),
		RemotePingTimeout: cfg.GetRemotePingTimeout(),
		MaxRetries:        cfg.Link.MaxRetries,
	}
	bufferCfg := broadcast.Config{
		InstanceID:        instanceID,
		FlushDelay:        cfg.GetFlushDelay(),
		MaxBuffer:         cfg.Broadcast.MaxBuffer,
		FanoutConcurrency: cfg.Broadcast.FanoutConcurrency,
	}
	var (
		rt  *router.Router
		buf *broadcast.Buffer
	)
	// A nil *slot.Manager must not reach the Slots interfaces.
	if manager == nil {
		rt = router.New(st.dir, link, nil, nil, routerCfg)
		buf = broadcast.New(st.dir, nil, nil, hub, bufferCfg)
	} else {
		rt = router.New(st.dir, link, b, manager, routerCfg)
		buf = broadcast.New(st.dir, b, manager, hub, bufferCfg)
	}
	rt.SetLogger(log.Component("router"))
	rt.SetBatchHandler(buf)
	rt.AddObserver(recorder)
	if influxClient != nil {
		rt.AddObserver(influxClient)
	}
	buf.SetLogger(log.Component("broadcast"))
	buf.SetObserver(batchObs)
	link.SetEventSink(buf)

	if manager != nil {
		if startErr := manager.Start(ctx, rt.HandleMessage); startErr != nil {
			return fmt.Errorf("starting slot manager: %w", startErr)
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			log.Info("releasing slot")
			if stopErr := manager.Stop(stopCtx); stopErr != nil {
				log.Error("error releasing slot", "error", stopErr)
			}
		}()
		log.Info("slot acquired", "slot", manager.Slot())
	}

	// Background loops: session keeper, device heartbeat, listener hub
	keeper := session.NewKeeper(st.dir, session.KeeperConfig{
		InstanceID: instanceID,
		Interval:   cfg.GetSessionCleanupInterval(),
	})
	keeper.SetLogger(log.Component("session"))

	loopCtx, stopLoops := context.WithCancel(ctx)
	var loops sync.WaitGroup
	for _, loop := range []func(context.Context){keeper.Run, link.RunHeartbeat, hub.Run} {
		loops.Add(1)
		go func(fn func(context.Context)) {
			defer loops.Done()
			fn(loopCtx)
		}(loop)
	}
	defer func() {
		log.Info("stopping background loops")
		stopLoops()
		loops.Wait()
	}()

	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("flushing broadcast buffer")
		buf.Close(closeCtx)
	}()
	defer func() {
		log.Info("closing router")
		rt.Close()
	}()

	// HTTP API and WebSocket endpoints
	server, err := api.New(api.Deps{
		Config:     cfg.API,
		Security:   cfg.Security,
		Logger:     log.Component("api"),
		Router:     rt,
		Sessions:   st.dir,
		Devices:    link,
		Listeners:  http.HandlerFunc(hub.ServeWS),
		Metrics:    recorder.Handler(),
		Checks:     checks,
		InstanceID: instanceID,
		Version:    version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Verify all connections are healthy
	if err := healthCheck(ctx, checks); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order:
	// 1. API server (device sockets closed, sessions released)
	// 2. Router (in-flight remote handlers drained)
	// 3. Broadcast buffer (pending batches flushed)
	// 4. Background loops (listener sessions and instance sessions released)
	// 5. Slot
	// 6. InfluxDB, bus, store

	log.Info("HomeCast relay stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses RELAY_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv(configEnv); path != "" {
		return path
	}
	return defaultConfigPath
}

// resolveInstanceID returns the configured id, or the hostname with a
// random suffix so restarted processes on one host never collide.
func resolveInstanceID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return host + "-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - checks: Components keyed by name
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, checks map[string]api.HealthChecker) error {
	for name, check := range checks {
		if err := check.HealthCheck(ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// checkFunc adapts a function to api.HealthChecker.
type checkFunc func(ctx context.Context) error

// HealthCheck implements api.HealthChecker.
func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

// store bundles the session directory and slot pool of one backend.
type store struct {
	dir   session.Directory
	slots slot.Pool
	check api.HealthChecker
	close func()
}

// openStore opens the configured backend and applies its migrations.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger) (*store, error) {
	switch cfg.Store {
	case config.StorePostgres:
		db, err := postgres.Open(ctx, postgres.Config{
			DSN:      cfg.Postgres.DSN,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		if err := db.Migrate(ctx, migrations.Postgres()); err != nil {
			db.Close() //nolint:errcheck // Already failing
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("postgres connected, migrations complete")

		return &store{
			dir:   session.NewPostgresDirectory(db.Pool, nil, cfg.GetSessionStaleAfter()),
			slots: slot.NewPostgresPool(db.Pool, cfg.SlotNames(), nil, cfg.GetSlotStaleAfter()),
			check: db,
			close: func() {
				log.Info("closing postgres")
				if err := db.Close(); err != nil {
					log.Error("error closing postgres", "error", err)
				}
			},
		}, nil

	default:
		db, err := database.Open(database.Config{
			Path:        cfg.Database.Path,
			WALMode:     cfg.Database.WALMode,
			BusyTimeout: cfg.Database.BusyTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Migrate(ctx, migrations.SQLite()); err != nil {
			db.Close() //nolint:errcheck // Already failing
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database connected, migrations complete", "path", cfg.Database.Path)

		return &store{
			dir:   session.NewSQLiteDirectory(db.DB, nil, cfg.GetSessionStaleAfter()),
			slots: slot.NewSQLitePool(db.DB, cfg.SlotNames(), nil, cfg.GetSlotStaleAfter()),
			check: db,
			close: func() {
				log.Info("closing database")
				if err := db.Close(); err != nil {
					log.Error("error closing database", "error", err)
				}
			},
		}, nil
	}
}

// busConn is an open bus plus whatever client it runs on.
type busConn struct {
	bus   bus.Bus
	check api.HealthChecker
	close func()
}

// openBus connects the configured bus driver.
func openBus(ctx context.Context, cfg *config.Config, instanceID string, log *logging.Logger) (*busConn, error) {
	prefix := cfg.Bus.ChannelPrefix

	switch cfg.Bus.Driver {
	case config.BusDriverMemory:
		log.Warn("memory bus only reaches this process")
		b := memory.NewHub().Bus(prefix)
		return &busConn{bus: b, close: func() { _ = b.Close() }}, nil

	case config.BusDriverMQTT:
		// Each instance needs its own MQTT session.
		mqttCfg := cfg.MQTT
		mqttCfg.Broker.ClientID = mqttCfg.Broker.ClientID + "-" + instanceID
		topics := mqtt.Topics{Prefix: prefix}

		client, err := mqtt.Connect(mqttCfg, topics)
		if err != nil {
			return nil, fmt.Errorf("connecting to MQTT: %w", err)
		}
		client.SetLogger(log.Component("mqtt"))
		client.SetOnConnect(func() {
			log.Info("MQTT reconnected")
		})
		client.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
		log.Info("MQTT connected",
			"broker", fmt.Sprintf("%s:%d", mqttCfg.Broker.Host, mqttCfg.Broker.Port),
			"client_id", mqttCfg.Broker.ClientID,
		)

		b, err := mqttbus.New(ctx, client, topics, mqttbus.Options{
			Prefix: prefix,
			QoS:    client.QoS(),
		})
		if err != nil {
			client.Close() //nolint:errcheck // Already failing
			return nil, fmt.Errorf("creating MQTT bus: %w", err)
		}
		return &busConn{
			bus:   b,
			check: client,
			close: func() {
				log.Info("disconnecting from MQTT")
				if err := b.Close(); err != nil {
					log.Warn("error closing MQTT bus", "error", err)
				}
				if err := client.Close(); err != nil {
					log.Error("error closing MQTT", "error", err)
				}
			},
		}, nil

	case config.BusDriverRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close() //nolint:errcheck // Already failing
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		log.Info("redis connected", "addr", cfg.Redis.Addr)

		b, err := redisbus.New(rdb, prefix)
		if err != nil {
			rdb.Close() //nolint:errcheck // Already failing
			return nil, fmt.Errorf("creating redis bus: %w", err)
		}
		return &busConn{
			bus:   b,
			check: checkFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
			close: func() {
				log.Info("closing redis")
				if err := b.Close(); err != nil {
					log.Warn("error closing redis bus", "error", err)
				}
				if err := rdb.Close(); err != nil {
					log.Error("error closing redis", "error", err)
				}
			},
		}, nil

	case config.BusDriverGCP:
		if cfg.GCP.EmulatorHost != "" {
			// The client library reads the emulator address from the environment.
			if err := os.Setenv("PUBSUB_EMULATOR_HOST", cfg.GCP.EmulatorHost); err != nil {
				return nil, fmt.Errorf("configuring pubsub emulator: %w", err)
			}
		}
		client, err := pubsub.NewClient(ctx, cfg.GCP.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("connecting to pubsub: %w", err)
		}
		log.Info("pubsub connected", "project", cfg.GCP.ProjectID)

		b, err := gcpbus.New(client, gcpbus.Options{
			ProjectID:   cfg.GCP.ProjectID,
			Prefix:      prefix,
			AckDeadline: time.Duration(cfg.GCP.AckDeadline) * time.Second,
			Retention:   time.Duration(cfg.GCP.Retention) * time.Second,
		})
		if err != nil {
			client.Close() //nolint:errcheck // Already failing
			return nil, fmt.Errorf("creating pubsub bus: %w", err)
		}
		return &busConn{
			bus: b,
			close: func() {
				log.Info("closing pubsub")
				if err := b.Close(); err != nil {
					log.Warn("error closing pubsub bus", "error", err)
				}
				if err := client.Close(); err != nil {
					log.Error("error closing pubsub", "error", err)
				}
			},
		}, nil
	}

	return nil, fmt.Errorf("unknown bus driver %q", cfg.Bus.Driver)
}

// deviceObservers fans connection counts out to every telemetry sink.
type deviceObservers []devicelink.Observer

// DevicesConnected implements devicelink.Observer.
func (o deviceObservers) DevicesConnected(n int) {
	for _, obs := range o {
		obs.DevicesConnected(n)
	}
}

// batchObservers fans broadcast outcomes out to every telemetry sink.
type batchObservers []broadcast.Observer

// ObserveBatch implements broadcast.Observer.
func (o batchObservers) ObserveBatch(outcome string) {
	for _, obs := range o {
		obs.ObserveBatch(outcome)
	}
}
