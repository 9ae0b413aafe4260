package engine

import (
	"fenex/internal/model"
)

// Outbox receives events only after the transaction that produced them has
// committed — the engine never calls it while holding a ledger lock.
type Outbox interface {
	PublishTrade(t model.Trade)
	PublishBook(snapshot model.BookSnapshot)
	PublishWallet(delta model.WalletDelta)
}

// command is the unit of work the single-writer goroutine consumes off its
// channel; every request to the engine becomes one of these.
type command interface{ exec(e *Engine) }

type placeCmd struct {
	userID string
	req    model.PlaceOrderReq
	result chan<- placeResult
}

type placeResult struct {
	out model.PlaceOrderResult
	err error
}

type cancelCmd struct {
	userID  string
	orderID string
	isAdmin bool
	result  chan<- error
}

type sweepCmd struct {
	result chan<- error
}

func (c placeCmd) exec(e *Engine) {
	res, err := e.processOrder(c.userID, c.req)
	c.result <- placeResult{out: res, err: err}
}

func (c cancelCmd) exec(e *Engine) {
	c.result <- e.cancelOrder(c.userID, c.orderID, c.isAdmin)
}

func (c sweepCmd) exec(e *Engine) {
	c.result <- e.sweep()
}
