// Package engine implements the matching engine and order lifecycle: a
// single-writer actor goroutine that serializes every placement,
// cancellation and sweep pass through one command channel, supervised by
// a tomb so a shutdown request unwinds cleanly.
package engine

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	tomb "gopkg.in/tomb.v2"

	"fenex/internal/book"
	"fenex/internal/model"
	"fenex/internal/storage"
)

const cmdBufferSize = 256

// Engine owns the single order-matching goroutine for this system's one
// tradable pair.
type Engine struct {
	store   *storage.Store
	book    *book.Book
	outbox  Outbox
	seq     atomic.Int64
	cmdCh   chan command
	t       tomb.Tomb
	bookTop int
}

// New constructs the engine and rebuilds its in-memory book from the
// ledger — the book is a cache, never the source of truth, so every boot
// starts from what the ledger says is PENDING.
func New(ctx context.Context, store *storage.Store, outbox Outbox, bookTopN int) (*Engine, error) {
	b := book.New()

	for _, side := range []model.Side{model.SideBuy, model.SideSell} {
		orders, err := store.ListBookLevels(ctx, side)
		if err != nil {
			return nil, fmt.Errorf("rebuild book: %w", err)
		}
		for i := range orders {
			b.Insert(&orders[i])
		}
	}

	maxSeq, err := store.MaxSeq(ctx)
	if err != nil {
		return nil, fmt.Errorf("load seq: %w", err)
	}

	e := &Engine{
		store:   store,
		book:    b,
		outbox:  outbox,
		cmdCh:   make(chan command, cmdBufferSize),
		bookTop: bookTopN,
	}
	e.seq.Store(maxSeq)
	log.Info().Int("resting_orders", b.Size()).Int64("seq", maxSeq).Msg("engine: book rebuilt from ledger")
	return e, nil
}

// Start launches the single-writer goroutine under tomb supervision.
func (e *Engine) Start() {
	e.t.Go(func() error {
		for {
			select {
			case <-e.t.Dying():
				return nil
			case cmd := <-e.cmdCh:
				cmd.exec(e)
			}
		}
	})
}

// Stop signals the goroutine to exit and waits for it.
func (e *Engine) Stop() error {
	e.t.Kill(nil)
	return e.t.Wait()
}

func (e *Engine) nextSeq() int64 { return e.seq.Add(1) }

// PlaceOrder submits req to the single-writer goroutine and blocks for the
// post-matching result.
func (e *Engine) PlaceOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (model.PlaceOrderResult, error) {
	ch := make(chan placeResult, 1)
	select {
	case e.cmdCh <- placeCmd{userID: userID, req: req, result: ch}:
	case <-ctx.Done():
		return model.PlaceOrderResult{}, ctx.Err()
	}
	select {
	case r := <-ch:
		return r.out, r.err
	case <-ctx.Done():
		return model.PlaceOrderResult{}, ctx.Err()
	}
}

// CancelOrder submits a cancel request; isAdmin lets an admin cancel any
// user's order per the role-gated access the order surface describes.
func (e *Engine) CancelOrder(ctx context.Context, userID, orderID string, isAdmin bool) error {
	ch := make(chan error, 1)
	select {
	case e.cmdCh <- cancelCmd{userID: userID, orderID: orderID, isAdmin: isAdmin, result: ch}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep submits one sweep pass and blocks until it completes.
func (e *Engine) Sweep(ctx context.Context) error {
	ch := make(chan error, 1)
	select {
	case e.cmdCh <- sweepCmd{result: ch}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
