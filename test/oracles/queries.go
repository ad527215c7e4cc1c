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
			Name: "O1_known_status",
			SQL: `SELECT id, status FROM escrows
                  WHERE status NOT IN ('created','funded','released','refunded','disputed','resolved')`,
		},
		{
			Name: "O2_terminal_has_resolved_at",
			SQL: `SELECT id, status FROM escrows
                  WHERE status IN ('released','refunded','resolved') AND resolved_at IS NULL`,
		},
		{
			Name: "O3_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT escrow_id, seq,
                             LAG(seq) OVER (PARTITION BY escrow_id ORDER BY seq) AS prev
                      FROM escrow_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O4_money_states_need_funding",
			SQL: `SELECT id, status FROM escrows
                  WHERE status IN ('funded','released','disputed','resolved') AND funded_at IS NULL`,
		},
		{
			Name: "O5_dispute_linkage",
			SQL: `SELECT e.id, e.status, d.phase FROM escrows e
                  JOIN disputes d ON d.escrow_id = e.id
                  WHERE (d.phase = 'enforced' AND e.status NOT IN ('resolved','refunded'))
                     OR (e.status = 'disputed' AND d.phase IN ('enforced'))`,
		},
		{
			Name: "O6_disputed_escrow_has_dispute",
			SQL: `SELECT e.id FROM escrows e
                  WHERE e.status = 'disputed'
                    AND NOT EXISTS (SELECT 1 FROM disputes d WHERE d.escrow_id = e.id)`,
		},
		{
			Name: "O7_fee_never_swallows_amount",
			SQL:  `SELECT id, amount_sats, fee_sats FROM escrows WHERE fee_sats < 0 OR fee_sats >= amount_sats`,
		},
		{
			Name: "O8_no_funded_hold",
			SQL:  `SELECT id FROM escrows WHERE hold AND status IN ('funded','released','disputed','resolved')`,
		},
		{
			Name: "O9_trust_composite_bounded",
			SQL:  `SELECT agent_id, composite FROM trust_records WHERE composite < 0 OR composite > 1`,
		},
		{
			Name: "O10_ruled_dispute_has_outcome",
			SQL: `SELECT id, phase FROM disputes
                  WHERE phase IN ('ruled','enforced') AND ruling_outcome IS NULL`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
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
