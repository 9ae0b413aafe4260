package storage

import (
	"context"
	"database/sql"

	"fenex/internal/model"
)

func InsertTrade(tx *sql.Tx, t *model.Trade) error {
	return tx.QueryRow(
		`INSERT INTO trades (id, buy_order_id, sell_order_id, buy_user_id, sell_user_id, price, quantity, seq)
		 VALUES (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7)
		 RETURNING id, created_at`,
		t.BuyOrderID, t.SellOrderID, t.BuyUserID, t.SellUserID, t.Price, t.Quantity, t.Seq,
	).Scan(&t.ID, &t.CreatedAt)
}

func (s *Store) ListTradesByUser(ctx context.Context, userID string, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, buy_order_id, sell_order_id, buy_user_id, sell_user_id, price, quantity, seq, created_at
		 FROM trades WHERE buy_user_id=$1 OR sell_user_id=$1
		 ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

// ListTopTrades returns the highest-notional (price*quantity) recent trades,
// the feed the "/trades/top" endpoint surfaces.
func (s *Store) ListTopTrades(ctx context.Context, limit int) ([]model.Trade, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, buy_order_id, sell_order_id, buy_user_id, sell_user_id, price, quantity, seq, created_at
		 FROM trades ORDER BY (price * quantity) DESC, created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTrades(rows)
}

func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.DB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq),0) FROM (
			SELECT seq FROM orders
			UNION ALL SELECT seq FROM trades
		 ) t`,
	).Scan(&seq)
	return seq, err
}

func scanTrades(rows *sql.Rows) ([]model.Trade, error) {
	var out []model.Trade
	for rows.Next() {
		var t model.Trade
		if err := rows.Scan(&t.ID, &t.BuyOrderID, &t.SellOrderID, &t.BuyUserID, &t.SellUserID, &t.Price, &t.Quantity, &t.Seq, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}
