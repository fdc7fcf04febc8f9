package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/homecast-relay/internal/infrastructure/database"
)

// SQLiteDirectory implements Directory on the relay's SQLite database.
type SQLiteDirectory struct {
	db         *sql.DB
	clock      clock.Clock
	staleAfter time.Duration
}

var _ Directory = (*SQLiteDirectory)(nil)

// NewSQLiteDirectory creates a directory over an open, migrated database.
func NewSQLiteDirectory(db *sql.DB, clk clock.Clock, staleAfter time.Duration) *SQLiteDirectory {
	if clk == nil {
		clk = clock.New()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &SQLiteDirectory{db: db, clock: clk, staleAfter: staleAfter}
}

func (d *SQLiteDirectory) now() string {
	return database.FormatTime(d.clock.Now())
}

func (d *SQLiteDirectory) cutoff() string {
	return database.FormatTime(d.clock.Now().Add(-d.staleAfter))
}

// Get returns the device's session.
func (d *SQLiteDirectory) Get(ctx context.Context, deviceID string) (*Record, error) {
	query := `
		SELECT device_id, user_id, instance_id, online, home_count, accessory_count,
			connected_at, last_heartbeat
		FROM device_sessions
		WHERE device_id = ?`

	var (
		r             Record
		instanceID    sql.NullString
		online        int
		connectedAt   string
		lastHeartbeat string
	)
	err := d.db.QueryRowContext(ctx, query, deviceID).Scan(
		&r.DeviceID, &r.UserID, &instanceID, &online, &r.HomeCount, &r.AccessoryCount,
		&connectedAt, &lastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying device session: %w", err)
	}

	r.InstanceID = instanceID.String
	r.Online = online != 0
	if r.ConnectedAt, err = database.ParseTime(connectedAt); err != nil {
		return nil, err
	}
	if r.LastHeartbeat, err = database.ParseTime(lastHeartbeat); err != nil {
		return nil, err
	}
	r.Stale = d.clock.Now().Sub(r.LastHeartbeat) > d.staleAfter
	return &r, nil
}

// SetOwner records a connect (online) or disconnect (!online).
func (d *SQLiteDirectory) SetOwner(ctx context.Context, deviceID, userID, instanceID string, online bool) error {
	now := d.now()
	if online {
		_, err := d.db.ExecContext(ctx, `
			INSERT INTO device_sessions
				(device_id, user_id, instance_id, online, connected_at, last_heartbeat)
			VALUES (?, ?, ?, 1, ?, ?)
			ON CONFLICT(device_id) DO UPDATE SET
				user_id = excluded.user_id,
				instance_id = excluded.instance_id,
				online = 1,
				connected_at = excluded.connected_at,
				last_heartbeat = excluded.last_heartbeat`,
			deviceID, userID, instanceID, now, now)
		if err != nil {
			return fmt.Errorf("marking device online: %w", err)
		}
		return nil
	}

	_, err := d.db.ExecContext(ctx, `
		UPDATE device_sessions
		SET online = 0, instance_id = NULL, last_heartbeat = ?
		WHERE device_id = ? AND instance_id = ?`,
		now, deviceID, instanceID)
	if err != nil {
		return fmt.Errorf("marking device offline: %w", err)
	}
	return nil
}

// InvalidateOwner clears the owner if it is still expectedInstance.
func (d *SQLiteDirectory) InvalidateOwner(ctx context.Context, deviceID, expectedInstance string) (bool, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE device_sessions SET instance_id = NULL
		WHERE device_id = ? AND instance_id = ?`,
		deviceID, expectedInstance)
	if err != nil {
		return false, fmt.Errorf("invalidating owner: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("invalidating owner: %w", err)
	}
	return n > 0, nil
}

// Heartbeat refreshes the device's heartbeat and re-asserts the owner.
func (d *SQLiteDirectory) Heartbeat(ctx context.Context, deviceID, instanceID string) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE device_sessions
		SET instance_id = ?, online = 1, last_heartbeat = ?
		WHERE device_id = ?`,
		instanceID, d.now(), deviceID)
	if err != nil {
		return fmt.Errorf("device heartbeat: %w", err)
	}
	return nil
}

// UpdateStatus caches home and accessory counts.
func (d *SQLiteDirectory) UpdateStatus(ctx context.Context, deviceID string, homeCount, accessoryCount int) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE device_sessions SET home_count = ?, accessory_count = ?
		WHERE device_id = ?`,
		homeCount, accessoryCount, deviceID)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}
	return nil
}

// Listeners returns the instances hosting a live listener for userID.
func (d *SQLiteDirectory) Listeners(ctx context.Context, userID string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT DISTINCT instance_id FROM listener_sessions
		WHERE user_id = ? AND last_heartbeat >= ?
		ORDER BY instance_id`,
		userID, d.cutoff())
	if err != nil {
		return nil, fmt.Errorf("querying listeners: %w", err)
	}
	defer rows.Close()

	var instances []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning listener row: %w", err)
		}
		instances = append(instances, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating listeners: %w", err)
	}
	return instances, nil
}

// AddListener registers a listener session.
func (d *SQLiteDirectory) AddListener(ctx context.Context, sessionID, userID, instanceID string) error {
	now := d.now()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO listener_sessions (session_id, user_id, instance_id, connected_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			instance_id = excluded.instance_id,
			last_heartbeat = excluded.last_heartbeat`,
		sessionID, userID, instanceID, now, now)
	if err != nil {
		return fmt.Errorf("adding listener: %w", err)
	}
	return nil
}

// RemoveListener deletes a listener session.
func (d *SQLiteDirectory) RemoveListener(ctx context.Context, sessionID string) error {
	if _, err := d.db.ExecContext(ctx,
		"DELETE FROM listener_sessions WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("removing listener: %w", err)
	}
	return nil
}

// HeartbeatInstance refreshes every session held by instanceID.
func (d *SQLiteDirectory) HeartbeatInstance(ctx context.Context, instanceID string) error {
	now := d.now()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		"UPDATE device_sessions SET last_heartbeat = ? WHERE instance_id = ? AND online = 1",
		now, instanceID); err != nil {
		return fmt.Errorf("refreshing device sessions: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE listener_sessions SET last_heartbeat = ? WHERE instance_id = ?",
		now, instanceID); err != nil {
		return fmt.Errorf("refreshing listener sessions: %w", err)
	}
	return tx.Commit()
}

// CleanupStale removes stale listener sessions and marks stale devices offline.
func (d *SQLiteDirectory) CleanupStale(ctx context.Context) (int64, error) {
	cutoff := d.cutoff()
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	res, err := tx.ExecContext(ctx,
		"DELETE FROM listener_sessions WHERE last_heartbeat < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting stale listeners: %w", err)
	}
	listeners, _ := res.RowsAffected() //nolint:errcheck // SQLite always reports

	res, err = tx.ExecContext(ctx, `
		UPDATE device_sessions SET online = 0, instance_id = NULL
		WHERE online = 1 AND last_heartbeat < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("expiring stale devices: %w", err)
	}
	devices, _ := res.RowsAffected() //nolint:errcheck // SQLite always reports

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing cleanup: %w", err)
	}
	return listeners + devices, nil
}

// CleanupInstance releases everything held by instanceID.
func (d *SQLiteDirectory) CleanupInstance(ctx context.Context, instanceID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM listener_sessions WHERE instance_id = ?", instanceID); err != nil {
		return fmt.Errorf("deleting listeners: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE device_sessions SET online = 0, instance_id = NULL WHERE instance_id = ?",
		instanceID); err != nil {
		return fmt.Errorf("releasing devices: %w", err)
	}
	return tx.Commit()
}
