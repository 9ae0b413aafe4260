package engine

import (
	"context"

	"github.com/rs/zerolog/log"

	"fenex/internal/exch"
	"fenex/internal/model"
	"fenex/internal/storage"
	"fenex/internal/wallet"
)

// cancelOrder releases a PENDING order's reservation and marks it CANCELED.
// A MARKET order is never found PENDING here — it either fills or is closed
// out within its own placement transaction — so reaching one is an internal
// inconsistency rather than a user-facing case.
func (e *Engine) cancelOrder(userID, orderID string, isAdmin bool) error {
	ctx := context.Background()
	tx, err := e.store.BeginTx(ctx)
	if err != nil {
		return exch.Wrap(exch.KindTransient, "begin transaction", err)
	}
	defer tx.Rollback()

	o, err := e.store.GetOrderForUpdate(tx, orderID)
	if err != nil {
		return exch.Wrap(exch.KindInternal, "load order", err)
	}
	if o == nil {
		return exch.ErrNotFound
	}
	if !isAdmin && o.UserID != userID {
		return exch.New(exch.KindAuth, "not the order owner")
	}
	if o.Status != model.StatusPending {
		return exch.ErrNotCancelable
	}
	if o.Kind == model.KindMarket {
		return exch.Wrap(exch.KindInternal, "market order found PENDING, cannot cancel", nil)
	}

	w, err := e.store.GetWalletForUpdate(tx, o.UserID)
	if err != nil {
		return exch.Wrap(exch.KindInternal, "load wallet", err)
	}

	if o.Side == model.SideBuy {
		residual := o.Price.Mul(o.RemainingQuantity).RoundBank(2)
		if err := wallet.Release(tx, w, model.SideBuy, residual); err != nil {
			return exch.Wrap(exch.KindInternal, "release buy reservation", err)
		}
	} else {
		if err := wallet.Release(tx, w, model.SideSell, o.RemainingQuantity); err != nil {
			return exch.Wrap(exch.KindInternal, "release sell reservation", err)
		}
	}

	if err := storage.CancelOrderTx(tx, orderID); err != nil {
		return exch.Wrap(exch.KindInternal, "cancel order", err)
	}

	if err := storage.AppendEvent(tx, &o.Seq, "OrderCanceled", map[string]any{
		"order_id": o.ID, "user_id": o.UserID, "remaining_quantity": o.RemainingQuantity,
	}); err != nil {
		log.Warn().Err(err).Str("order_id", o.ID).Msg("engine: append OrderCanceled event failed")
	}

	if err := tx.Commit(); err != nil {
		return exch.Wrap(exch.KindTransient, "commit", err)
	}

	e.book.Remove(o.Side, o.ID)
	if e.outbox != nil {
		e.outbox.PublishBook(e.book.Snapshot(e.bookTop))
		e.outbox.PublishWallet(model.WalletDelta{
			UserID:           w.UserID,
			Balance:          w.Balance,
			ReservedBalance:  w.ReservedBalance,
			Holdings:         w.Holdings,
			ReservedHoldings: w.ReservedHoldings,
		})
	}
	return nil
}
