// Package oracles holds SQL invariant checks the stress suite evaluates
// against a live database while the actors run.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_single_settlement_per_direction",
			SQL: `SELECT escrow_id, direction, COUNT(*) FROM settlement_transfers
                  GROUP BY escrow_id, direction HAVING COUNT(*) > 1`,
		},
		{
			Name: "O2_no_double_spend",
			SQL: `SELECT escrow_id FROM settlement_transfers
                  WHERE direction IN ('release','refund')
                  GROUP BY escrow_id HAVING COUNT(DISTINCT direction) > 1`,
		},
		{
			// A completed outbound transfer may briefly precede the status
			// commit of the transition that issued it, so only settled rows
			// past a grace window count as violations.
			Name: "O3_outbound_matches_status",
			SQL: `SELECT st.escrow_id, st.direction, e.status
                  FROM settlement_transfers st
                  JOIN escrows e ON e.id = st.escrow_id
                  WHERE st.state = 'completed'
                    AND st.created_at < now() - interval '10 seconds'
                    AND ((st.direction = 'release' AND e.status <> 'FundsReleased')
                      OR (st.direction = 'refund' AND e.status <> 'Refunded'))`,
		},
		{
			Name: "O4_terminal_status_has_transfer",
			SQL: `SELECT e.id, e.status FROM escrows e
                  WHERE (e.status = 'FundsReleased' AND NOT EXISTS (
                            SELECT 1 FROM settlement_transfers st
                            WHERE st.escrow_id = e.id AND st.direction = 'release'))
                     OR (e.status = 'Refunded' AND NOT EXISTS (
                            SELECT 1 FROM settlement_transfers st
                            WHERE st.escrow_id = e.id AND st.direction = 'refund'))`,
		},
		{
			Name: "O5_status_timestamps_consistent",
			SQL: `SELECT id, status FROM escrows
                  WHERE (status = 'Agreed' AND agreed_at IS NULL)
                     OR (status = 'Funded' AND funded_at IS NULL)
                     OR (status = 'GoodsShipped' AND shipped_at IS NULL)
                     OR (status = 'Disputed' AND disputed_at IS NULL)
                     OR (status = 'FundsReleased' AND released_at IS NULL)
                     OR (status = 'Refunded' AND resolved_at IS NULL)
                     OR (status = 'Cancelled' AND cancelled_at IS NULL)`,
		},
		{
			Name: "O6_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_funded_implies_inbound",
			SQL: `SELECT e.id FROM escrows e
                  WHERE e.status IN ('Funded','GoodsShipped','FundsReleased')
                    AND e.funded_at IS NOT NULL
                    AND NOT EXISTS (
                        SELECT 1 FROM settlement_transfers st
                        WHERE st.escrow_id = e.id AND st.direction = 'inbound')`,
		},
		{
			Name: "O8_outbox_not_stuck",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			// A pending reservation that never finalizes means a transfer
			// was abandoned between the ledger call and its bookkeeping.
			Name: "O9_no_abandoned_reservations",
			SQL: `SELECT id, escrow_id, direction FROM settlement_transfers
                  WHERE state = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
	}
}

// Run executes every oracle and returns the first failure (name and a sample
// row) or an empty name when all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		if rows.Next() {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
