package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresDirectory implements Directory on a shared Postgres database.
type PostgresDirectory struct {
	pool       *pgxpool.Pool
	clock      clock.Clock
	staleAfter time.Duration
}

var _ Directory = (*PostgresDirectory)(nil)

// NewPostgresDirectory creates a directory over a migrated pool.
func NewPostgresDirectory(pool *pgxpool.Pool, clk clock.Clock, staleAfter time.Duration) *PostgresDirectory {
	if clk == nil {
		clk = clock.New()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &PostgresDirectory{pool: pool, clock: clk, staleAfter: staleAfter}
}

func (d *PostgresDirectory) now() time.Time {
	return d.clock.Now().UTC()
}

// Get returns the device's session.
func (d *PostgresDirectory) Get(ctx context.Context, deviceID string) (*Record, error) {
	var (
		r          Record
		instanceID *string
	)
	err := d.pool.QueryRow(ctx, `
		SELECT device_id, user_id, instance_id, online, home_count, accessory_count,
			connected_at, last_heartbeat
		FROM device_sessions
		WHERE device_id = $1`, deviceID).Scan(
		&r.DeviceID, &r.UserID, &instanceID, &r.Online, &r.HomeCount, &r.AccessoryCount,
		&r.ConnectedAt, &r.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device session: %w", err)
	}
	if instanceID != nil {
		r.InstanceID = *instanceID
	}
	r.Stale = d.now().Sub(r.LastHeartbeat) > d.staleAfter
	return &r, nil
}

// SetOwner records a connect (online) or disconnect (!online).
func (d *PostgresDirectory) SetOwner(ctx context.Context, deviceID, userID, instanceID string, online bool) error {
	now := d.now()
	if online {
		_, err := d.pool.Exec(ctx, `
			INSERT INTO device_sessions
				(device_id, user_id, instance_id, online, connected_at, last_heartbeat)
			VALUES ($1, $2, $3, TRUE, $4, $4)
			ON CONFLICT (device_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				instance_id = EXCLUDED.instance_id,
				online = TRUE,
				connected_at = EXCLUDED.connected_at,
				last_heartbeat = EXCLUDED.last_heartbeat`,
			deviceID, userID, instanceID, now)
		if err != nil {
			return fmt.Errorf("marking device online: %w", err)
		}
		return nil
	}

	_, err := d.pool.Exec(ctx, `
		UPDATE device_sessions
		SET online = FALSE, instance_id = NULL, last_heartbeat = $1
		WHERE device_id = $2 AND instance_id = $3`,
		now, deviceID, instanceID)
	if err != nil {
		return fmt.Errorf("marking device offline: %w", err)
	}
	return nil
}

// InvalidateOwner clears the owner if it is still expectedInstance.
func (d *PostgresDirectory) InvalidateOwner(ctx context.Context, deviceID, expectedInstance string) (bool, error) {
	tag, err := d.pool.Exec(ctx, `
		UPDATE device_sessions SET instance_id = NULL
		WHERE device_id = $1 AND instance_id = $2`,
		deviceID, expectedInstance)
	if err != nil {
		return false, fmt.Errorf("invalidating owner: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Heartbeat refreshes the device's heartbeat and re-asserts the owner.
func (d *PostgresDirectory) Heartbeat(ctx context.Context, deviceID, instanceID string) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE device_sessions
		SET instance_id = $1, online = TRUE, last_heartbeat = $2
		WHERE device_id = $3`,
		instanceID, d.now(), deviceID)
	if err != nil {
		return fmt.Errorf("device heartbeat: %w", err)
	}
	return nil
}

// UpdateStatus caches home and accessory counts.
func (d *PostgresDirectory) UpdateStatus(ctx context.Context, deviceID string, homeCount, accessoryCount int) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE device_sessions SET home_count = $1, accessory_count = $2
		WHERE device_id = $3`,
		homeCount, accessoryCount, deviceID)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return nil
}

// Listeners returns the instances hosting a live listener for userID.
func (d *PostgresDirectory) Listeners(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.pool.Query(ctx, `
		SELECT DISTINCT instance_id FROM listener_sessions
		WHERE user_id = $1 AND last_heartbeat >= $2
		ORDER BY instance_id`,
		userID, d.now().Add(-d.staleAfter))
	if err != nil {
		return nil, fmt.Errorf("querying listeners: %w", err)
	}
	instances, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning listeners: %w", err)
	}
	return instances, nil
}

// AddListener registers a listener session.
func (d *PostgresDirectory) AddListener(ctx context.Context, sessionID, userID, instanceID string) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO listener_sessions (session_id, user_id, instance_id, connected_at, last_heartbeat)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			instance_id = EXCLUDED.instance_id,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		sessionID, userID, instanceID, d.now())
	if err != nil {
		return fmt.Errorf("adding listener: %w", err)
	}
	return nil
}

// RemoveListener deletes a listener session.
func (d *PostgresDirectory) RemoveListener(ctx context.Context, sessionID string) error {
	if _, err := d.pool.Exec(ctx,
		"DELETE FROM listener_sessions WHERE session_id = $1", sessionID); err != nil {
		return fmt.Errorf("removing listener: %w", err)
	}
	return nil
}

// HeartbeatInstance refreshes every session held by instanceID.
func (d *PostgresDirectory) HeartbeatInstance(ctx context.Context, instanceID string) error {
	now := d.now()
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"UPDATE device_sessions SET last_heartbeat = $1 WHERE instance_id = $2 AND online",
			now, instanceID); err != nil {
			return fmt.Errorf("refreshing device sessions: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE listener_sessions SET last_heartbeat = $1 WHERE instance_id = $2",
			now, instanceID); err != nil {
			return fmt.Errorf("refreshing listener sessions: %w", err)
		}
		return nil
	})
}

// CleanupStale removes stale listener sessions and marks stale devices offline.
func (d *PostgresDirectory) CleanupStale(ctx context.Context) (int64, error) {
	cutoff := d.now().Add(-d.staleAfter)
	var affected int64
	err := pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, "DELETE FROM listener_sessions WHERE last_heartbeat < $1", cutoff)
		if err != nil {
			return fmt.Errorf("deleting stale listeners: %w", err)
		}
		affected += tag.RowsAffected()

		tag, err = tx.Exec(ctx, `
			UPDATE device_sessions SET online = FALSE, instance_id = NULL
			WHERE online AND last_heartbeat < $1`, cutoff)
		if err != nil {
			return fmt.Errorf("expiring stale devices: %w", err)
		}
		affected += tag.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

// CleanupInstance releases everything held by instanceID.
func (d *PostgresDirectory) CleanupInstance(ctx context.Context, instanceID string) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			"DELETE FROM listener_sessions WHERE instance_id = $1", instanceID); err != nil {
			return fmt.Errorf("deleting listeners: %w", err)
		}
		if _, err := tx.Exec(ctx,
			"UPDATE device_sessions SET online = FALSE, instance_id = NULL WHERE instance_id = $1",
			instanceID); err != nil {
			return fmt.Errorf("releasing devices: %w", err)
		}
		return nil
	})
}
