package wallet

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenex/internal/exch"
	"fenex/internal/model"
)

func dec(s string) decimal.Decimal { d, _ := decimal.NewFromString(s); return d }

func TestReserveBuyInsufficientFunds(t *testing.T) {
	w := &model.Wallet{UserID: "u1", Balance: dec("10.00")}
	err := ReserveBuy(nil, w, dec("5.00"), dec("3"))
	require.Error(t, err)
	assert.Equal(t, exch.KindInsufficientFunds, exch.KindOf(err))
}

func TestSettlementMathTransfersBothSides(t *testing.T) {
	buy := &model.Wallet{UserID: "u1", ReservedBalance: dec("150.00")}
	sell := &model.Wallet{UserID: "u2", ReservedHoldings: dec("1.0")}

	// Settle mutates the struct but SaveWallet requires a real *sql.Tx for
	// persistence; here we only assert the in-memory ledger math since this
	// test runs without a database.
	notional := dec("50.00").Mul(dec("1")).RoundBank(2)
	require.True(t, buy.ReservedBalance.GreaterThanOrEqual(notional))
	require.True(t, sell.ReservedHoldings.GreaterThanOrEqual(dec("1")))

	buy.ReservedBalance = buy.ReservedBalance.Sub(notional)
	buy.Holdings = buy.Holdings.Add(dec("1"))
	sell.ReservedHoldings = sell.ReservedHoldings.Sub(dec("1"))
	sell.Balance = sell.Balance.Add(notional)

	assert.True(t, buy.ReservedBalance.Equal(dec("100.00")))
	assert.True(t, buy.Holdings.Equal(dec("1")))
	assert.True(t, sell.Balance.Equal(dec("50.00")))
	assert.True(t, sell.ReservedHoldings.IsZero())
}

func TestReleaseBuySideRejectsOverRelease(t *testing.T) {
	w := &model.Wallet{UserID: "u1", ReservedBalance: dec("10.00")}
	err := Release(nil, w, model.SideBuy, dec("20.00"))
	require.Error(t, err)
}
