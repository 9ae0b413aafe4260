package engine

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenex/internal/exch"
	"fenex/internal/model"
	"fenex/internal/storage"
)

// sweep re-evaluates every PENDING order, oldest created_at first, against
// the opposite side. A resting order can go from unmatched to matched
// between sweeps as new liquidity arrives on the other side without a
// fresh placement ever touching it. Each order commits independently so one
// order's failure never blocks the rest of the pass; failures accumulate
// into a single returned error.
func (e *Engine) sweep() error {
	ctx := context.Background()
	pending, err := e.store.ListPendingOldestFirst(ctx)
	if err != nil {
		return exch.Wrap(exch.KindInternal, "list pending orders", err)
	}

	var errs *multierror.Error
	tradeCount := 0
	for i := range pending {
		n, err := e.sweepOne(ctx, &pending[i])
		if err != nil {
			log.Error().Err(err).Str("order_id", pending[i].ID).Msg("engine: sweep failed for order")
			errs = multierror.Append(errs, err)
			continue
		}
		tradeCount += n
	}

	if tradeCount > 0 {
		log.Info().Int("trades", tradeCount).Msg("engine: sweep matched resting orders")
	}
	return errs.ErrorOrNil()
}

// sweepOne re-runs the matching loop for an already-resting order and
// returns how many trades it produced.
func (e *Engine) sweepOne(ctx context.Context, order *model.Order) (int, error) {
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return 0, exch.Wrap(exch.KindTransient, "begin transaction", err)
	}
	defer tx.Rollback()

	locked, err := e.store.GetOrderForUpdate(tx, order.ID)
	if err != nil {
		return 0, exch.Wrap(exch.KindInternal, "load order", err)
	}
	if locked == nil || locked.Status != model.StatusPending {
		return 0, nil // raced with a placement/cancel that already resolved it
	}

	w, err := e.store.GetWalletForUpdate(tx, locked.UserID)
	if err != nil {
		return 0, exch.Wrap(exch.KindInternal, "load wallet", err)
	}

	// A swept order is always LIMIT — MARKET orders never remain PENDING —
	// so the MARKET-BUY cash tracker the matching loop threads through is
	// unused here.
	var marketCashReserve decimal.Decimal
	walletDeltas := map[string]*model.Wallet{locked.UserID: w}
	wasRemaining := locked.RemainingQuantity

	trades, mutations, err := e.matchLoop(tx, locked, w, &marketCashReserve, walletDeltas)
	if err != nil {
		return 0, err
	}

	if err := storage.UpdateOrderFill(tx, locked); err != nil {
		return 0, exch.Wrap(exch.KindInternal, "update order", err)
	}

	if !locked.RemainingQuantity.Equal(wasRemaining) {
		mutations = append(mutations, bookMutation{side: locked.Side, orderID: locked.ID, remaining: locked.RemainingQuantity})
	}

	if err := tx.Commit(); err != nil {
		return 0, exch.Wrap(exch.KindTransient, "commit", err)
	}

	e.applyPostCommit(trades, mutations, walletDeltas)
	return len(trades), nil
}
