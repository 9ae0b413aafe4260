package book

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenex/internal/model"
)

func dec(s string) decimal.Decimal { d, _ := decimal.NewFromString(s); return d }

func order(id string, side model.Side, price string, qty string, at time.Time) *model.Order {
	p := dec(price)
	return &model.Order{ID: id, Side: side, Kind: model.KindLimit, Price: &p, RemainingQuantity: dec(qty), CreatedAt: at}
}

func TestBestPricePicksHighestBidLowestAsk(t *testing.T) {
	b := New()
	now := time.Now()
	b.Insert(order("b1", model.SideBuy, "40.00", "1", now))
	b.Insert(order("b2", model.SideBuy, "45.00", "1", now.Add(time.Second)))
	b.Insert(order("a1", model.SideSell, "55.00", "1", now))
	b.Insert(order("a2", model.SideSell, "50.00", "1", now.Add(time.Second)))

	require.NotNil(t, b.BestPrice(model.SideBuy))
	assert.True(t, b.BestPrice(model.SideBuy).Equal(dec("45.00")))
	require.NotNil(t, b.BestPrice(model.SideSell))
	assert.True(t, b.BestPrice(model.SideSell).Equal(dec("50.00")))
}

func TestRemoveClearsEmptyLevel(t *testing.T) {
	b := New()
	now := time.Now()
	b.Insert(order("a1", model.SideSell, "50.00", "2", now))
	assert.Equal(t, 1, b.Size())

	b.Remove(model.SideSell, "a1")
	assert.Equal(t, 0, b.Size())
	assert.Nil(t, b.BestPrice(model.SideSell))
}

func TestUpdateRemainingZeroRemoves(t *testing.T) {
	b := New()
	now := time.Now()
	b.Insert(order("a1", model.SideSell, "50.00", "5", now))
	b.UpdateRemaining(model.SideSell, "a1", dec("0"))
	assert.Equal(t, 0, b.Size())
}

func TestSnapshotAggregatesAtLevel(t *testing.T) {
	b := New()
	now := time.Now()
	b.Insert(order("a1", model.SideSell, "50.00", "2", now))
	b.Insert(order("a2", model.SideSell, "50.00", "3", now.Add(time.Second)))

	snap := b.Snapshot(5)
	require.Len(t, snap.SellOrders, 1)
	assert.True(t, snap.SellOrders[0].RemainingQuantity.Equal(dec("5")))
}

func TestSnapshotRespectsDepth(t *testing.T) {
	b := New()
	now := time.Now()
	for i := 0; i < 5; i++ {
		b.Insert(order("b"+string(rune('0'+i)), model.SideBuy, "4"+string(rune('0'+i))+".00", "1", now.Add(time.Duration(i)*time.Second)))
	}
	snap := b.Snapshot(3)
	assert.Len(t, snap.BuyOrders, 3)
}
