// Package outbox drains the transactional outbox that escrow transitions
// write, delivering lifecycle events to an external publisher at least once.
package outbox

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Publisher receives drained messages. Delivery is at-least-once; consumers
// must dedupe on escrow_id plus topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// LogPublisher writes messages to the process log. Stands in until a real
// broker is attached.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, topic string, payload []byte) error {
	log.Printf("outbox: %s %s", topic, payload)
	return nil
}

const maxAttempts = 5

type Dispatcher struct {
	pool     *pgxpool.Pool
	pub      Publisher
	interval time.Duration
}

func NewDispatcher(pool *pgxpool.Pool, pub Publisher, interval time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &Dispatcher{pool: pool, pub: pub, interval: interval}
}

// Run polls for pending messages until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.DrainOnce(ctx); err != nil {
				log.Printf("outbox: drain: %v", err)
			}
		}
	}
}

// DrainOnce claims and delivers one batch of pending messages. SKIP LOCKED
// lets several dispatchers share the table without double delivery.
func (d *Dispatcher) DrainOnce(ctx context.Context) error {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id, topic, payload, attempts
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT 32
		FOR UPDATE SKIP LOCKED
	`)
	if err != nil {
		return fmt.Errorf("outbox: claim batch: %w", err)
	}

	type pending struct {
		id       int64
		topic    string
		payload  []byte
		attempts int
	}
	batch := []pending{}
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.topic, &p.payload, &p.attempts); err != nil {
			rows.Close()
			return fmt.Errorf("outbox: scan: %w", err)
		}
		batch = append(batch, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("outbox: iterate: %w", err)
	}

	for _, p := range batch {
		if err := d.pub.Publish(ctx, p.topic, p.payload); err != nil {
			status := "pending"
			if p.attempts+1 >= maxAttempts {
				status = "dead"
			}
			if _, err := tx.Exec(ctx,
				`UPDATE outbox SET attempts = attempts + 1, status = $1 WHERE id = $2`,
				status, p.id); err != nil {
				return fmt.Errorf("outbox: record failure: %w", err)
			}
			continue
		}
		if _, err := tx.Exec(ctx, `
			UPDATE outbox
			SET status = 'processed', attempts = attempts + 1, processed_at = now()
			WHERE id = $1
		`, p.id); err != nil {
			return fmt.Errorf("outbox: mark processed: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("outbox: commit: %w", err)
	}
	return nil
}
