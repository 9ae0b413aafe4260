package storage

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"fenex/internal/model"
)

func InsertOrder(tx *sql.Tx, o *model.Order) error {
	price := decimal.NullDecimal{}
	if o.Price != nil {
		price = decimal.NullDecimal{Decimal: *o.Price, Valid: true}
	}
	return tx.QueryRow(
		`INSERT INTO orders (id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq)
		 VALUES (gen_random_uuid(), $1,$2,$3,$4,$5,$6,$7,$8)
		 RETURNING id, created_at, updated_at`,
		o.UserID, o.Side, o.Kind, price, o.Quantity, o.RemainingQuantity, o.Status, o.Seq,
	).Scan(&o.ID, &o.CreatedAt, &o.UpdatedAt)
}

// GetOrderForUpdate locks the order row for the lifetime of tx.
func (s *Store) GetOrderForUpdate(tx *sql.Tx, id string) (*model.Order, error) {
	return scanOrderRow(tx.QueryRow(
		`SELECT id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq, created_at, updated_at
		 FROM orders WHERE id=$1 FOR UPDATE`, id))
}

func (s *Store) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrderRow(s.DB.QueryRowContext(ctx,
		`SELECT id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq, created_at, updated_at
		 FROM orders WHERE id=$1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

// NextPendingOpposite returns the single best PENDING order on the given
// side, locking it with SKIP LOCKED so a concurrent matcher scanning the
// same side simply moves on to the next-best row instead of blocking.
// excludeIDs lets a caller step past resting orders it has already visited
// in this pass (self-trade skip-and-advance).
func NextPendingOpposite(tx *sql.Tx, side model.Side, excludeIDs []string) (*model.Order, error) {
	orderClause := "price ASC, created_at ASC, seq ASC"
	if side == model.SideBuy {
		orderClause = "price DESC, created_at ASC, seq ASC"
	}
	if excludeIDs == nil {
		// pq binds a nil slice as NULL, and NOT (id = ANY(NULL)) matches no row.
		excludeIDs = []string{}
	}
	q := `SELECT id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq, created_at, updated_at
	      FROM orders
	      WHERE status='PENDING' AND side=$1 AND NOT (id = ANY($2))
	      ORDER BY ` + orderClause + `
	      LIMIT 1 FOR UPDATE SKIP LOCKED`
	o, err := scanOrderRow(tx.QueryRow(q, side, pq.Array(excludeIDs)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return o, err
}

func UpdateOrderFill(tx *sql.Tx, o *model.Order) error {
	_, err := tx.Exec(
		`UPDATE orders SET remaining_quantity=$1, status=$2, updated_at=now() WHERE id=$3`,
		o.RemainingQuantity, o.Status, o.ID,
	)
	return err
}

func CancelOrderTx(tx *sql.Tx, orderID string) error {
	_, err := tx.Exec(
		`UPDATE orders SET status='CANCELED', updated_at=now() WHERE id=$1`, orderID)
	return err
}

func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq, created_at, updated_at
		 FROM orders WHERE user_id=$1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (s *Store) ListAllOrders(ctx context.Context) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq, created_at, updated_at
		 FROM orders ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListPendingOldestFirst returns every PENDING order across both sides,
// oldest created_at first — the order the periodic sweeper re-evaluates
// resting orders in.
func (s *Store) ListPendingOldestFirst(ctx context.Context) ([]model.Order, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq, created_at, updated_at
		 FROM orders WHERE status='PENDING' ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListBookLevels returns every PENDING order on side, in the priority order
// the book would match them, for rebuilding the in-memory index on startup.
func (s *Store) ListBookLevels(ctx context.Context, side model.Side) ([]model.Order, error) {
	orderClause := "price ASC, created_at ASC, seq ASC"
	if side == model.SideBuy {
		orderClause = "price DESC, created_at ASC, seq ASC"
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id, user_id, side, order_kind, price, quantity, remaining_quantity, status, seq, created_at, updated_at
		 FROM orders WHERE status='PENDING' AND side=$1 ORDER BY `+orderClause, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func scanOrderRow(row *sql.Row) (*model.Order, error) {
	o := &model.Order{}
	var price decimal.NullDecimal
	if err := row.Scan(&o.ID, &o.UserID, &o.Side, &o.Kind, &price, &o.Quantity, &o.RemainingQuantity, &o.Status, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	if price.Valid {
		o.Price = &price.Decimal
	}
	return o, nil
}

func scanOrders(rows *sql.Rows) ([]model.Order, error) {
	var out []model.Order
	for rows.Next() {
		o := model.Order{}
		var price decimal.NullDecimal
		if err := rows.Scan(&o.ID, &o.UserID, &o.Side, &o.Kind, &price, &o.Quantity, &o.RemainingQuantity, &o.Status, &o.Seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		if price.Valid {
			o.Price = &price.Decimal
		}
		out = append(out, o)
	}
	return out, nil
}
