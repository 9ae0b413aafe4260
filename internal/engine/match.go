package engine

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"fenex/internal/exch"
	"fenex/internal/model"
	"fenex/internal/storage"
	"fenex/internal/wallet"
)

// bookMutation records a cache-side effect to apply to the in-memory book
// only once the transaction producing it has committed.
type bookMutation struct {
	side      model.Side
	orderID   string
	remaining decimal.Decimal
	insert    *model.Order
}

// processOrder validates req, reserves funds, persists N as PENDING and
// runs the matching loop against the opposite side until N is EXECUTED,
// the opposite side is drained of compatible orders, or a terminal
// incompatibility is reached. It always runs on the single-writer
// goroutine.
func (e *Engine) processOrder(userID string, req model.PlaceOrderReq) (model.PlaceOrderResult, error) {
	if err := validatePlacement(req); err != nil {
		return model.PlaceOrderResult{}, err
	}

	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return model.PlaceOrderResult{}, exch.Wrap(exch.KindTransient, "begin transaction", err)
	}
	defer tx.Rollback()

	w, err := e.store.GetWalletForUpdate(tx, userID)
	if err != nil {
		return model.PlaceOrderResult{}, exch.Wrap(exch.KindInternal, "load wallet", err)
	}

	// marketCashReserve tracks the cash still earmarked for this order when
	// it is a MARKET BUY — the wallet's aggregate reserved_balance also
	// covers any of the user's other resting orders, so the leftover to
	// refund at termination must be tracked locally, not read off the
	// wallet row.
	var marketCashReserve decimal.Decimal

	switch {
	case req.Side == model.SideBuy && req.Kind == model.KindLimit:
		if err := wallet.ReserveBuy(tx, w, *req.Price, req.Quantity); err != nil {
			return model.PlaceOrderResult{}, err
		}
	case req.Side == model.SideBuy && req.Kind == model.KindMarket:
		marketCashReserve = w.Balance
		if err := wallet.ReserveCash(tx, w, marketCashReserve); err != nil {
			return model.PlaceOrderResult{}, err
		}
	case req.Side == model.SideSell:
		if err := wallet.ReserveSell(tx, w, req.Quantity); err != nil {
			return model.PlaceOrderResult{}, err
		}
	}

	order := &model.Order{
		UserID:            userID,
		Side:              req.Side,
		Kind:              req.Kind,
		Price:             req.Price,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
		Status:            model.StatusPending,
		Seq:               e.nextSeq(),
	}
	if err := storage.InsertOrder(tx, order); err != nil {
		return model.PlaceOrderResult{}, exch.Wrap(exch.KindInternal, "insert order", err)
	}
	if err := storage.AppendEvent(tx, &order.Seq, "OrderAccepted", map[string]any{
		"order_id": order.ID, "user_id": userID, "side": order.Side, "order_kind": order.Kind, "quantity": order.Quantity,
	}); err != nil {
		log.Warn().Err(err).Str("order_id", order.ID).Msg("engine: append OrderAccepted event failed")
	}

	walletDeltas := map[string]*model.Wallet{userID: w}
	trades, mutations, err := e.matchLoop(tx, order, w, &marketCashReserve, walletDeltas)
	if err != nil {
		return model.PlaceOrderResult{}, err
	}

	if err := storage.UpdateOrderFill(tx, order); err != nil {
		return model.PlaceOrderResult{}, exch.Wrap(exch.KindInternal, "update order", err)
	}

	if order.Kind == model.KindLimit && order.Status == model.StatusPending && order.RemainingQuantity.IsPositive() {
		mutations = append(mutations, bookMutation{insert: order})
	}

	if err := tx.Commit(); err != nil {
		return model.PlaceOrderResult{}, exch.Wrap(exch.KindTransient, "commit", err)
	}

	e.applyPostCommit(trades, mutations, walletDeltas)

	return model.PlaceOrderResult{Order: *order, Trades: trades}, nil
}

func validatePlacement(req model.PlaceOrderReq) error {
	if req.Side != model.SideBuy && req.Side != model.SideSell {
		return exch.New(exch.KindValidation, "side must be BUY or SELL")
	}
	if req.Kind != model.KindLimit && req.Kind != model.KindMarket {
		return exch.New(exch.KindValidation, "order_kind must be LIMIT or MARKET")
	}
	if !req.Quantity.IsPositive() {
		return exch.New(exch.KindValidation, "quantity must be > 0")
	}
	if req.Kind == model.KindLimit {
		if req.Price == nil || !req.Price.IsPositive() {
			return exch.New(exch.KindValidation, "price must be > 0 for a LIMIT order")
		}
	} else if req.Price != nil {
		return exch.New(exch.KindValidation, "price must be absent for a MARKET order")
	}
	return nil
}

// matchLoop runs the outer matching loop for order N (already persisted
// PENDING, wallet w already locked). It returns the trades written and the
// book-cache effects to apply once the caller's transaction commits.
func (e *Engine) matchLoop(tx *sql.Tx, n *model.Order, w *model.Wallet, marketCashReserve *decimal.Decimal, walletDeltas map[string]*model.Wallet) ([]model.Trade, []bookMutation, error) {
	var trades []model.Trade
	var mutations []bookMutation
	var excludeIDs []string

	oppositeSide := model.SideSell
	if n.Side == model.SideSell {
		oppositeSide = model.SideBuy
	}

	for n.Status == model.StatusPending && n.RemainingQuantity.IsPositive() {
		o, err := storage.NextPendingOpposite(tx, oppositeSide, excludeIDs)
		if err != nil {
			return nil, nil, exch.Wrap(exch.KindInternal, "scan opposite side", err)
		}
		if o == nil {
			break // book drained of opposite PENDING orders
		}

		if o.UserID == n.UserID {
			excludeIDs = append(excludeIDs, o.ID)
			continue // self-trade protection: skip and advance past O
		}

		if !compatible(n, o) {
			// Either both LIMIT (nothing deeper in the book can cross
			// either, since O was the best available) or both MARKET
			// (no price to trade at) — both are terminal.
			break
		}

		execPrice, err := execPrice(n, o)
		if err != nil {
			return nil, nil, err
		}
		tradeQty := decimal.Min(n.RemainingQuantity, o.RemainingQuantity)
		if !tradeQty.IsPositive() {
			break
		}

		oppWallet, ok := walletDeltas[o.UserID]
		if !ok {
			oppWallet, err = e.store.GetWalletForUpdate(tx, o.UserID)
			if err != nil {
				return nil, nil, exch.Wrap(exch.KindInternal, "load opposite wallet", err)
			}
			walletDeltas[o.UserID] = oppWallet
		}

		var buyOrder, sellOrder *model.Order
		var buyWallet, sellWallet *model.Wallet
		if n.Side == model.SideBuy {
			buyOrder, buyWallet = n, w
			sellOrder, sellWallet = o, oppWallet
		} else {
			buyOrder, buyWallet = o, oppWallet
			sellOrder, sellWallet = n, w
		}

		notional := execPrice.Mul(tradeQty).RoundBank(2)
		outOfCash := n.Kind == model.KindMarket && n.Side == model.SideBuy && marketCashReserve.LessThan(notional)
		if outOfCash || buyWallet.ReservedBalance.LessThan(notional) || sellWallet.ReservedHoldings.LessThan(tradeQty) {
			if n.Kind == model.KindMarket && n.Side == model.SideBuy {
				// Ran out of cash mid-sweep: a legitimate termination, not
				// an error.
				break
			}
			log.Warn().Str("order_id", o.ID).Msg("engine: affordability invariant failed against resting order, skipping")
			excludeIDs = append(excludeIDs, o.ID)
			continue
		}

		if err := wallet.Settle(tx, buyWallet, sellWallet, execPrice, tradeQty); err != nil {
			return nil, nil, exch.Wrap(exch.KindInternal, "settle", err)
		}

		// Price improvement: a LIMIT BUY taker reserved at its own limit
		// price, but the resting maker may have quoted a better (lower)
		// price. The maker always consumes exactly its own reservation, so
		// only the taker side can have anything left to refund.
		if n.Side == model.SideBuy && n.IsLimit() && execPrice.LessThan(*n.Price) {
			improvement := n.Price.Sub(execPrice).Mul(tradeQty).RoundBank(2)
			if err := wallet.Release(tx, w, model.SideBuy, improvement); err != nil {
				return nil, nil, exch.Wrap(exch.KindInternal, "refund price improvement", err)
			}
		}

		if n.Side == model.SideBuy && n.Kind == model.KindMarket {
			*marketCashReserve = marketCashReserve.Sub(notional)
		}

		n.RemainingQuantity = n.RemainingQuantity.Sub(tradeQty)
		if n.RemainingQuantity.IsZero() {
			n.Status = model.StatusExecuted
		}
		o.RemainingQuantity = o.RemainingQuantity.Sub(tradeQty)
		if o.RemainingQuantity.IsZero() {
			o.Status = model.StatusExecuted
		}
		if err := storage.UpdateOrderFill(tx, o); err != nil {
			return nil, nil, exch.Wrap(exch.KindInternal, "update maker order", err)
		}

		trade := model.Trade{
			BuyOrderID:  buyOrder.ID,
			SellOrderID: sellOrder.ID,
			BuyUserID:   buyOrder.UserID,
			SellUserID:  sellOrder.UserID,
			Price:       execPrice,
			Quantity:    tradeQty,
			Seq:         e.nextSeq(),
			CreatedAt:   time.Now(),
		}
		if err := storage.InsertTrade(tx, &trade); err != nil {
			return nil, nil, exch.Wrap(exch.KindInternal, "insert trade", err)
		}
		trades = append(trades, trade)

		if err := storage.AppendEvent(tx, &trade.Seq, "TradeExecuted", map[string]any{
			"trade_id": trade.ID, "price": trade.Price, "quantity": trade.Quantity,
			"buy_order": trade.BuyOrderID, "sell_order": trade.SellOrderID,
		}); err != nil {
			log.Warn().Err(err).Str("trade_id", trade.ID).Msg("engine: append TradeExecuted event failed")
		}

		mutations = append(mutations, bookMutation{side: o.Side, orderID: o.ID, remaining: o.RemainingQuantity})

		if o.Status == model.StatusExecuted {
			excludeIDs = nil // the level may have changed; re-scan fresh
		} else {
			excludeIDs = append(excludeIDs, o.ID)
		}
	}

	// A MARKET order can never rest: whatever remains unfilled when the
	// loop above stops must be released and the order closed out.
	if n.Kind == model.KindMarket && n.Status == model.StatusPending {
		n.Status = model.StatusCanceled
		if n.Side == model.SideSell {
			if err := wallet.Release(tx, w, model.SideSell, n.RemainingQuantity); err != nil {
				return nil, nil, exch.Wrap(exch.KindInternal, "release unfilled market sell", err)
			}
		}
	}

	// A MARKET BUY reserves the buyer's entire balance up front since it
	// has no price to size the reservation against. Whatever of that
	// reservation wasn't spent on settled notional must be refunded on
	// every termination path — fully filled or not — not only when the
	// order is left PENDING.
	if n.Kind == model.KindMarket && n.Side == model.SideBuy {
		if err := wallet.RefundCashDelta(tx, w, *marketCashReserve); err != nil {
			return nil, nil, exch.Wrap(exch.KindInternal, "refund unspent market cash", err)
		}
	}

	return trades, mutations, nil
}

// compatible implements the price-crossing rule of §4.4: two MARKET orders
// never cross, a MARKET order crosses anything, and two LIMIT orders cross
// only if their prices overlap.
func compatible(n, o *model.Order) bool {
	if n.IsMarket() && o.IsMarket() {
		return false
	}
	if n.IsMarket() || o.IsMarket() {
		return true
	}
	if n.Side == model.SideBuy {
		return n.Price.GreaterThanOrEqual(*o.Price)
	}
	return n.Price.LessThanOrEqual(*o.Price)
}

// execPrice implements the "passive maker" rule: the resting order's price
// wins whenever it has one.
func execPrice(n, o *model.Order) (decimal.Decimal, error) {
	if o.IsLimit() {
		return *o.Price, nil
	}
	if n.IsLimit() {
		return *n.Price, nil
	}
	return decimal.Decimal{}, exch.New(exch.KindInternal, "both orders are MARKET, no price discovery")
}

// applyPostCommit folds a committed transaction's effects into the
// in-memory book and hands trades/book/wallet events to the outbox. Called
// only after tx.Commit() has succeeded.
func (e *Engine) applyPostCommit(trades []model.Trade, mutations []bookMutation, walletDeltas map[string]*model.Wallet) {
	for _, m := range mutations {
		if m.insert != nil {
			e.book.Insert(m.insert)
			continue
		}
		e.book.UpdateRemaining(m.side, m.orderID, m.remaining)
	}

	if e.outbox == nil {
		return
	}
	for _, t := range trades {
		e.outbox.PublishTrade(t)
	}
	if len(mutations) > 0 {
		e.outbox.PublishBook(e.book.Snapshot(e.bookTop))
	}
	for _, w := range walletDeltas {
		e.outbox.PublishWallet(model.WalletDelta{
			UserID:           w.UserID,
			Balance:          w.Balance,
			ReservedBalance:  w.ReservedBalance,
			Holdings:         w.Holdings,
			ReservedHoldings: w.ReservedHoldings,
		})
	}
}
