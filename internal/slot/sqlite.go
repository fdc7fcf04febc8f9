package slot

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nerrad567/homecast-relay/internal/infrastructure/database"
)

// SQLitePool implements Pool on the relay's SQLite database.
type SQLitePool struct {
	db         *sql.DB
	names      []string
	clock      clock.Clock
	staleAfter time.Duration
}

var _ Pool = (*SQLitePool)(nil)

// NewSQLitePool creates a pool over names (in first-fit order).
func NewSQLitePool(db *sql.DB, names []string, clk clock.Clock, staleAfter time.Duration) *SQLitePool {
	if clk == nil {
		clk = clock.New()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &SQLitePool{db: db, names: names, clock: clk, staleAfter: staleAfter}
}

func (p *SQLitePool) now() string {
	return database.FormatTime(p.clock.Now())
}

func (p *SQLitePool) cutoff() string {
	return database.FormatTime(p.clock.Now().Add(-p.staleAfter))
}

// Claim returns the caller's slot or claims the first free or stale one.
func (p *SQLitePool) Claim(ctx context.Context, instanceID string) (string, error) {
	now, cutoff := p.now(), p.cutoff()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	var held string
	err = tx.QueryRowContext(ctx,
		"SELECT slot_name FROM topic_slots WHERE instance_id = ?", instanceID).Scan(&held)
	switch {
	case err == nil:
		if _, err := tx.ExecContext(ctx,
			"UPDATE topic_slots SET last_heartbeat = ? WHERE slot_name = ?", now, held); err != nil {
			return "", fmt.Errorf("refreshing held slot: %w", err)
		}
		return held, tx.Commit()
	case !errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("querying held slot: %w", err)
	}

	for _, name := range p.names {
		// Untracked names are inserted; tracked ones are taken only when free
		// or stale.
		res, err := tx.ExecContext(ctx, `
			INSERT INTO topic_slots (slot_name, instance_id, claimed_at, last_heartbeat)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(slot_name) DO UPDATE SET
				instance_id = excluded.instance_id,
				claimed_at = excluded.claimed_at,
				last_heartbeat = excluded.last_heartbeat
			WHERE topic_slots.instance_id IS NULL OR topic_slots.last_heartbeat < ?`,
			name, instanceID, now, now, cutoff)
		if err != nil {
			return "", fmt.Errorf("claiming slot %s: %w", name, err)
		}
		if n, _ := res.RowsAffected(); n == 1 { //nolint:errcheck // SQLite always reports
			if err := tx.Commit(); err != nil {
				return "", fmt.Errorf("committing claim: %w", err)
			}
			return name, nil
		}
	}
	return "", ErrPoolExhausted
}

// ClaimOrAdopt claims slotName for instanceID.
func (p *SQLitePool) ClaimOrAdopt(ctx context.Context, instanceID, slotName string) (string, error) {
	if !inPool(p.names, slotName) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSlot, slotName)
	}
	now := p.now()

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	// One slot per instance: drop any other claim first.
	if _, err := tx.ExecContext(ctx, `
		UPDATE topic_slots SET instance_id = NULL
		WHERE instance_id = ? AND slot_name <> ?`, instanceID, slotName); err != nil {
		return "", fmt.Errorf("releasing previous slot: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO topic_slots (slot_name, instance_id, claimed_at, last_heartbeat)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(slot_name) DO UPDATE SET
			instance_id = excluded.instance_id,
			claimed_at = excluded.claimed_at,
			last_heartbeat = excluded.last_heartbeat
		WHERE topic_slots.instance_id IS NULL
			OR topic_slots.instance_id = excluded.instance_id
			OR topic_slots.last_heartbeat < ?`,
		slotName, instanceID, now, now, p.cutoff())
	if err != nil {
		return "", fmt.Errorf("adopting slot %s: %w", slotName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // SQLite always reports
		return "", fmt.Errorf("%w: %s", ErrSlotTaken, slotName)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing adoption: %w", err)
	}
	return slotName, nil
}

// Heartbeat renews the caller's claim.
func (p *SQLitePool) Heartbeat(ctx context.Context, instanceID string) error {
	res, err := p.db.ExecContext(ctx,
		"UPDATE topic_slots SET last_heartbeat = ? WHERE instance_id = ?",
		p.now(), instanceID)
	if err != nil {
		return fmt.Errorf("slot heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 { //nolint:errcheck // SQLite always reports
		return ErrNoSlot
	}
	return nil
}

// Release frees the caller's slot. The row is kept so the channel stays
// tracked and is not mistaken for an orphan.
func (p *SQLitePool) Release(ctx context.Context, instanceID string) error {
	if _, err := p.db.ExecContext(ctx,
		"UPDATE topic_slots SET instance_id = NULL WHERE instance_id = ?", instanceID); err != nil {
		return fmt.Errorf("releasing slot: %w", err)
	}
	return nil
}

// SlotForInstance returns the instance's live slot.
func (p *SQLitePool) SlotForInstance(ctx context.Context, instanceID string) (string, error) {
	var name string
	err := p.db.QueryRowContext(ctx, `
		SELECT slot_name FROM topic_slots
		WHERE instance_id = ? AND last_heartbeat >= ?`,
		instanceID, p.cutoff()).Scan(&name)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrNoSlot
		}
		return "", fmt.Errorf("querying slot: %w", err)
	}
	return name, nil
}

// AllSlotNames returns every tracked slot.
func (p *SQLitePool) AllSlotNames(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT slot_name FROM topic_slots ORDER BY slot_name")
	if err != nil {
		return nil, fmt.Errorf("querying slots: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scanning slot row: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating slots: %w", err)
	}
	return names, nil
}

// DeleteSlot removes the slot row.
func (p *SQLitePool) DeleteSlot(ctx context.Context, slotName string) error {
	if _, err := p.db.ExecContext(ctx,
		"DELETE FROM topic_slots WHERE slot_name = ?", slotName); err != nil {
		return fmt.Errorf("deleting slot %s: %w", slotName, err)
	}
	return nil
}
