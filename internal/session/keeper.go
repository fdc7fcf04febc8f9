package session

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

// shutdownTimeout bounds CleanupInstance when the keeper stops.
const shutdownTimeout = 5 * time.Second

// Logger defines the logging interface used by the Keeper.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// KeeperConfig configures a Keeper.
type KeeperConfig struct {
	InstanceID string

	// Interval is the refresh and cleanup period. Defaults to one minute.
	Interval time.Duration

	Clock clock.Clock
}

// Keeper keeps this instance's sessions fresh in the Directory and sweeps
// sessions abandoned by instances that died without cleaning up.
type Keeper struct {
	dir    Directory
	cfg    KeeperConfig
	logger Logger
}

// NewKeeper creates a keeper for dir.
func NewKeeper(dir Directory, cfg KeeperConfig) *Keeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Keeper{dir: dir, cfg: cfg, logger: noopLogger{}}
}

// SetLogger sets the logger for the keeper.
func (k *Keeper) SetLogger(logger Logger) {
	k.logger = logger
}

// Run refreshes and sweeps every Interval until ctx is cancelled, then
// releases every session held by this instance.
func (k *Keeper) Run(ctx context.Context) {
	ticker := k.cfg.Clock.Ticker(k.cfg.Interval)
	defer ticker.Stop()

	k.logger.Info("session keeper started",
		"instance_id", k.cfg.InstanceID,
		"interval", k.cfg.Interval,
	)

	for {
		select {
		case <-ctx.Done():
			k.shutdown()
			return
		case <-ticker.C:
			k.Sweep(ctx)
		}
	}
}

// Sweep performs one refresh and cleanup cycle.
func (k *Keeper) Sweep(ctx context.Context) {
	if err := k.dir.HeartbeatInstance(ctx, k.cfg.InstanceID); err != nil {
		k.logger.Warn("refreshing instance sessions failed",
			"instance_id", k.cfg.InstanceID,
			"error", err,
		)
	}

	n, err := k.dir.CleanupStale(ctx)
	if err != nil {
		k.logger.Warn("cleaning stale sessions failed", "error", err)
		return
	}
	if n > 0 {
		k.logger.Info("stale sessions cleaned", "count", n)
	}
}

func (k *Keeper) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := k.dir.CleanupInstance(ctx, k.cfg.InstanceID); err != nil {
		k.logger.Error("releasing instance sessions failed",
			"instance_id", k.cfg.InstanceID,
			"error", err,
		)
		return
	}
	k.logger.Info("session keeper stopped", "instance_id", k.cfg.InstanceID)
}
