// Package wallet implements the reservation protocol: funds and assets are
// locked at order entry and settled atomically on fill. Every operation
// here runs against a wallet row the caller has already locked with
// storage.GetWalletForUpdate, inside the caller's transaction.
package wallet

import (
	"database/sql"

	"github.com/shopspring/decimal"

	"fenex/internal/exch"
	"fenex/internal/model"
	"fenex/internal/storage"
)

// ReserveBuy moves price*qty from balance to reserved_balance for a LIMIT
// BUY. Returns ErrInsufficientFunds if balance is short.
func ReserveBuy(tx *sql.Tx, w *model.Wallet, price, qty decimal.Decimal) error {
	cost := price.Mul(qty).RoundBank(2)
	if w.Balance.LessThan(cost) {
		return exch.ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(cost)
	w.ReservedBalance = w.ReservedBalance.Add(cost)
	return storage.SaveWallet(tx, w)
}

// ReserveCash locks an exact cash amount for a MARKET BUY, which has no
// price at entry time. The engine must never spend more than this across
// all fills of the order.
func ReserveCash(tx *sql.Tx, w *model.Wallet, cash decimal.Decimal) error {
	if w.Balance.LessThan(cash) {
		return exch.ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(cash)
	w.ReservedBalance = w.ReservedBalance.Add(cash)
	return storage.SaveWallet(tx, w)
}

// ReserveSell moves qty from holdings to reserved_holdings for a SELL order
// (LIMIT or MARKET). Returns ErrInsufficientAsset if holdings are short.
func ReserveSell(tx *sql.Tx, w *model.Wallet, qty decimal.Decimal) error {
	if w.Holdings.LessThan(qty) {
		return exch.ErrInsufficientAsset
	}
	w.Holdings = w.Holdings.Sub(qty)
	w.ReservedHoldings = w.ReservedHoldings.Add(qty)
	return storage.SaveWallet(tx, w)
}

// Release gives back a reservation, used on cancel and on the unexecuted
// remainder of a filled-then-canceled order. amount is fiat for a buy-side
// release, asset quantity for a sell-side release.
func Release(tx *sql.Tx, w *model.Wallet, side model.Side, amount decimal.Decimal) error {
	switch side {
	case model.SideBuy:
		if w.ReservedBalance.LessThan(amount) {
			return exch.Wrap(exch.KindInternal, "release exceeds reserved balance", nil)
		}
		w.ReservedBalance = w.ReservedBalance.Sub(amount)
		w.Balance = w.Balance.Add(amount)
	case model.SideSell:
		if w.ReservedHoldings.LessThan(amount) {
			return exch.Wrap(exch.KindInternal, "release exceeds reserved holdings", nil)
		}
		w.ReservedHoldings = w.ReservedHoldings.Sub(amount)
		w.Holdings = w.Holdings.Add(amount)
	}
	return storage.SaveWallet(tx, w)
}

// Settle atomically transfers reserved fiat from buyer to seller and
// reserved asset from seller to buyer for one fill. The preconditions
// (each decremented field must be at least the decrement) are asserted
// before any field is mutated; a violation aborts the match without
// touching either wallet, and the caller rolls back the transaction.
func Settle(tx *sql.Tx, buy, sell *model.Wallet, execPrice, qty decimal.Decimal) error {
	notional := execPrice.Mul(qty).RoundBank(2)

	if buy.ReservedBalance.LessThan(notional) {
		return exch.Wrap(exch.KindInternal, "settlement would underflow buyer reserved balance", nil)
	}
	if sell.ReservedHoldings.LessThan(qty) {
		return exch.Wrap(exch.KindInternal, "settlement would underflow seller reserved holdings", nil)
	}

	buy.ReservedBalance = buy.ReservedBalance.Sub(notional)
	buy.Holdings = buy.Holdings.Add(qty)
	sell.ReservedHoldings = sell.ReservedHoldings.Sub(qty)
	sell.Balance = sell.Balance.Add(notional)

	if err := storage.SaveWallet(tx, buy); err != nil {
		return err
	}
	return storage.SaveWallet(tx, sell)
}

// RefundCashDelta releases the unspent slice of a MARKET BUY's cash
// reservation once the engine knows no further fill will occur — the
// difference between what was reserved and what notional actually settled.
func RefundCashDelta(tx *sql.Tx, w *model.Wallet, unspent decimal.Decimal) error {
	if unspent.IsZero() {
		return nil
	}
	return Release(tx, w, model.SideBuy, unspent)
}
