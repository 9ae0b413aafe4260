package storage

import (
	"context"
	"database/sql"

	"github.com/shopspring/decimal"

	"fenex/internal/exch"
	"fenex/internal/model"
)

func (s *Store) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := s.DB.QueryRowContext(ctx,
		`SELECT user_id, balance, reserved_balance, holdings, reserved_holdings
		 FROM wallets WHERE user_id=$1`, userID,
	).Scan(&w.UserID, &w.Balance, &w.ReservedBalance, &w.Holdings, &w.ReservedHoldings)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// GetWalletForUpdate locks the wallet row for the lifetime of tx. It does
// not order locks across calls: the matching engine locks the placing
// user's wallet first and each opposite user's wallet after it, not in
// ascending user-id order.
func (s *Store) GetWalletForUpdate(tx *sql.Tx, userID string) (*model.Wallet, error) {
	w := &model.Wallet{}
	err := tx.QueryRow(
		`SELECT user_id, balance, reserved_balance, holdings, reserved_holdings
		 FROM wallets WHERE user_id=$1 FOR UPDATE`, userID,
	).Scan(&w.UserID, &w.Balance, &w.ReservedBalance, &w.Holdings, &w.ReservedHoldings)
	return w, err
}

// SaveWallet writes back all four balances of w within tx. Callers are
// expected to have recomputed the four fields from a locked read.
func SaveWallet(tx *sql.Tx, w *model.Wallet) error {
	_, err := tx.Exec(
		`UPDATE wallets SET balance=$1, reserved_balance=$2, holdings=$3, reserved_holdings=$4 WHERE user_id=$5`,
		w.Balance, w.ReservedBalance, w.Holdings, w.ReservedHoldings, w.UserID,
	)
	return err
}

// AdjustBalance applies an external fiat move (top-up or deduct) to userID's
// spendable balance, outside the reservation protocol. A negative delta
// that would drive balance below zero is rejected before anything is
// written.
func (s *Store) AdjustBalance(ctx context.Context, userID string, delta decimal.Decimal) (*model.Wallet, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := s.GetWalletForUpdate(tx, userID)
	if err != nil {
		return nil, err
	}
	next := w.Balance.Add(delta)
	if next.IsNegative() {
		return nil, exch.ErrInsufficientFunds
	}
	w.Balance = next
	if err := SaveWallet(tx, w); err != nil {
		return nil, err
	}
	return w, tx.Commit()
}

// AdjustHoldings applies an external asset move (credit or withdraw) to
// userID's spendable holdings, outside the reservation protocol.
func (s *Store) AdjustHoldings(ctx context.Context, userID string, delta decimal.Decimal) (*model.Wallet, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	w, err := s.GetWalletForUpdate(tx, userID)
	if err != nil {
		return nil, err
	}
	next := w.Holdings.Add(delta)
	if next.IsNegative() {
		return nil, exch.ErrInsufficientAsset
	}
	w.Holdings = next
	if err := SaveWallet(tx, w); err != nil {
		return nil, err
	}
	return w, tx.Commit()
}
