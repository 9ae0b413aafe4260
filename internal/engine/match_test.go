package engine

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fenex/internal/model"
)

func price(s string) *decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return &d
}

func qty(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func limitOrder(side model.Side, p string) *model.Order {
	return &model.Order{Side: side, Kind: model.KindLimit, Price: price(p), RemainingQuantity: qty("1")}
}

func marketOrder(side model.Side) *model.Order {
	return &model.Order{Side: side, Kind: model.KindMarket, RemainingQuantity: qty("1")}
}

func TestCompatibleBothMarketNeverCrosses(t *testing.T) {
	assert.False(t, compatible(marketOrder(model.SideBuy), marketOrder(model.SideSell)))
}

func TestCompatibleMarketCrossesAnyLimit(t *testing.T) {
	assert.True(t, compatible(marketOrder(model.SideBuy), limitOrder(model.SideSell, "100.00")))
	assert.True(t, compatible(marketOrder(model.SideSell), limitOrder(model.SideBuy, "1.00")))
}

func TestCompatibleLimitBuyCrossesAtOrAboveAskPrice(t *testing.T) {
	n := limitOrder(model.SideBuy, "100.00")
	assert.True(t, compatible(n, limitOrder(model.SideSell, "100.00")))
	assert.True(t, compatible(n, limitOrder(model.SideSell, "99.50")))
	assert.False(t, compatible(n, limitOrder(model.SideSell, "100.01")))
}

func TestCompatibleLimitSellCrossesAtOrBelowBidPrice(t *testing.T) {
	n := limitOrder(model.SideSell, "100.00")
	assert.True(t, compatible(n, limitOrder(model.SideBuy, "100.00")))
	assert.True(t, compatible(n, limitOrder(model.SideBuy, "100.50")))
	assert.False(t, compatible(n, limitOrder(model.SideBuy, "99.99")))
}

func TestExecPricePrefersRestingLimitPrice(t *testing.T) {
	n := limitOrder(model.SideBuy, "101.00")
	o := limitOrder(model.SideSell, "99.00")
	p, err := execPrice(n, o)
	require.NoError(t, err)
	assert.True(t, p.Equal(qty("99.00")))
}

func TestExecPriceFallsBackToTakerLimitWhenRestingIsMarket(t *testing.T) {
	n := limitOrder(model.SideBuy, "101.00")
	o := marketOrder(model.SideSell)
	p, err := execPrice(n, o)
	require.NoError(t, err)
	assert.True(t, p.Equal(qty("101.00")))
}

func TestExecPriceErrorsWhenBothMarket(t *testing.T) {
	_, err := execPrice(marketOrder(model.SideBuy), marketOrder(model.SideSell))
	assert.Error(t, err)
}

func TestValidatePlacementRejectsMissingLimitPrice(t *testing.T) {
	err := validatePlacement(model.PlaceOrderReq{Side: model.SideBuy, Kind: model.KindLimit, Quantity: qty("1")})
	assert.Error(t, err)
}

func TestValidatePlacementRejectsPriceOnMarketOrder(t *testing.T) {
	err := validatePlacement(model.PlaceOrderReq{Side: model.SideBuy, Kind: model.KindMarket, Price: price("1.00"), Quantity: qty("1")})
	assert.Error(t, err)
}

func TestValidatePlacementRejectsNonPositiveQuantity(t *testing.T) {
	err := validatePlacement(model.PlaceOrderReq{Side: model.SideSell, Kind: model.KindMarket, Quantity: qty("0")})
	assert.Error(t, err)
}
