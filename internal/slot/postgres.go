package slot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// claimLockID serialises slot claims across instances.
const claimLockID = 0x736c6f74 // "slot"

// PostgresPool implements Pool on a shared Postgres database.
type PostgresPool struct {
	pool       *pgxpool.Pool
	names      []string
	clock      clock.Clock
	staleAfter time.Duration
}

var _ Pool = (*PostgresPool)(nil)

// NewPostgresPool creates a pool over names (in first-fit order).
func NewPostgresPool(pool *pgxpool.Pool, names []string, clk clock.Clock, staleAfter time.Duration) *PostgresPool {
	if clk == nil {
		clk = clock.New()
	}
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &PostgresPool{pool: pool, names: names, clock: clk, staleAfter: staleAfter}
}

func (p *PostgresPool) now() time.Time {
	return p.clock.Now().UTC()
}

// Claim returns the caller's slot or claims the first free or stale one.
func (p *PostgresPool) Claim(ctx context.Context, instanceID string) (string, error) {
	now := p.now()
	cutoff := now.Add(-p.staleAfter)

	var claimed string
	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", claimLockID); err != nil {
			return fmt.Errorf("acquiring claim lock: %w", err)
		}

		err := tx.QueryRow(ctx, `
			UPDATE topic_slots SET last_heartbeat = $1
			WHERE instance_id = $2
			RETURNING slot_name`, now, instanceID).Scan(&claimed)
		if err == nil {
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("refreshing held slot: %w", err)
		}

		for _, name := range p.names {
			tag, err := tx.Exec(ctx, `
				INSERT INTO topic_slots (slot_name, instance_id, claimed_at, last_heartbeat)
				VALUES ($1, $2, $3, $3)
				ON CONFLICT (slot_name) DO UPDATE SET
					instance_id = EXCLUDED.instance_id,
					claimed_at = EXCLUDED.claimed_at,
					last_heartbeat = EXCLUDED.last_heartbeat
				WHERE topic_slots.instance_id IS NULL OR topic_slots.last_heartbeat < $4`,
				name, instanceID, now, cutoff)
			if err != nil {
				return fmt.Errorf("claiming slot %s: %w", name, err)
			}
			if tag.RowsAffected() == 1 {
				claimed = name
				return nil
			}
		}
		return ErrPoolExhausted
	})
	if err != nil {
		return "", err
	}
	return claimed, nil
}

// ClaimOrAdopt claims slotName for instanceID.
func (p *PostgresPool) ClaimOrAdopt(ctx context.Context, instanceID, slotName string) (string, error) {
	if !inPool(p.names, slotName) {
		return "", fmt.Errorf("%w: %s", ErrUnknownSlot, slotName)
	}
	now := p.now()

	err := pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", claimLockID); err != nil {
			return fmt.Errorf("acquiring claim lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE topic_slots SET instance_id = NULL
			WHERE instance_id = $1 AND slot_name <> $2`, instanceID, slotName); err != nil {
			return fmt.Errorf("releasing previous slot: %w", err)
		}

		tag, err := tx.Exec(ctx, `
			INSERT INTO topic_slots (slot_name, instance_id, claimed_at, last_heartbeat)
			VALUES ($1, $2, $3, $3)
			ON CONFLICT (slot_name) DO UPDATE SET
				instance_id = EXCLUDED.instance_id,
				claimed_at = EXCLUDED.claimed_at,
				last_heartbeat = EXCLUDED.last_heartbeat
			WHERE topic_slots.instance_id IS NULL
				OR topic_slots.instance_id = EXCLUDED.instance_id
				OR topic_slots.last_heartbeat < $4`,
			slotName, instanceID, now, now.Add(-p.staleAfter))
		if err != nil {
			return fmt.Errorf("adopting slot %s: %w", slotName, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: %s", ErrSlotTaken, slotName)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return slotName, nil
}

// Heartbeat renews the caller's claim.
func (p *PostgresPool) Heartbeat(ctx context.Context, instanceID string) error {
	tag, err := p.pool.Exec(ctx,
		"UPDATE topic_slots SET last_heartbeat = $1 WHERE instance_id = $2",
		p.now(), instanceID)
	if err != nil {
		return fmt.Errorf("slot heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNoSlot
	}
	return nil
}

// Release frees the caller's slot and keeps the row tracked.
func (p *PostgresPool) Release(ctx context.Context, instanceID string) error {
	if _, err := p.pool.Exec(ctx,
		"UPDATE topic_slots SET instance_id = NULL WHERE instance_id = $1", instanceID); err != nil {
		return fmt.Errorf("releasing slot: %w", err)
	}
	return nil
}

// SlotForInstance returns the instance's live slot.
func (p *PostgresPool) SlotForInstance(ctx context.Context, instanceID string) (string, error) {
	var name string
	err := p.pool.QueryRow(ctx, `
		SELECT slot_name FROM topic_slots
		WHERE instance_id = $1 AND last_heartbeat >= $2`,
		instanceID, p.now().Add(-p.staleAfter)).Scan(&name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNoSlot
		}
		return "", fmt.Errorf("querying slot: %w", err)
	}
	return name, nil
}

// AllSlotNames returns every tracked slot.
func (p *PostgresPool) AllSlotNames(ctx context.Context) ([]string, error) {
	rows, err := p.pool.Query(ctx, "SELECT slot_name FROM topic_slots ORDER BY slot_name")
	if err != nil {
		return nil, fmt.Errorf("querying slots: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning slots: %w", err)
	}
	return names, nil
}

// DeleteSlot removes the slot row.
func (p *PostgresPool) DeleteSlot(ctx context.Context, slotName string) error {
	if _, err := p.pool.Exec(ctx,
		"DELETE FROM topic_slots WHERE slot_name = $1", slotName); err != nil {
		return fmt.Errorf("deleting slot %s: %w", slotName, err)
	}
	return nil
}
