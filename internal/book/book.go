// Package book maintains the two in-memory price-time priority indexes —
// one per side — that back top-of-book snapshots and WS broadcasts. It is
// a cache, never the source of truth: the matching engine decides fills by
// querying the ledger directly under row locks, and the book is rebuilt
// from the ledger on every process start.
package book

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"fenex/internal/model"
)

// entry is one resting order tracked at a price level, in FIFO arrival order.
type entry struct {
	orderID   string
	kind      model.OrderKind
	remaining decimal.Decimal
	createdAt time.Time
}

// level groups every resting order at one price, oldest first.
type level struct {
	price   decimal.Decimal
	entries []entry
}

type sideIndex struct {
	tree *btree.BTreeG[*level]
}

// Book is the pair of per-side indexes for the one tradable pair this
// system serves.
type Book struct {
	mu   sync.Mutex
	buy  sideIndex
	sell sideIndex
	// byID lets Remove/UpdateRemaining locate an order's price level without
	// a linear scan.
	byID map[string]decimal.Decimal
}

func New() *Book {
	buyLess := func(a, b *level) bool { return a.price.GreaterThan(b.price) } // higher price first
	sellLess := func(a, b *level) bool { return a.price.LessThan(b.price) }  // lower price first
	return &Book{
		buy:  sideIndex{tree: btree.NewBTreeG(buyLess)},
		sell: sideIndex{tree: btree.NewBTreeG(sellLess)},
		byID: make(map[string]decimal.Decimal),
	}
}

func (b *Book) sideFor(side model.Side) *sideIndex {
	if side == model.SideBuy {
		return &b.buy
	}
	return &b.sell
}

// Insert adds a PENDING order to the index for its side. MARKET orders
// never rest (they either fill immediately or terminate), so only LIMIT
// orders with a price are ever inserted.
func (b *Book) Insert(o *model.Order) {
	if o.Price == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.sideFor(o.Side)
	key := &level{price: *o.Price}
	lv, ok := idx.tree.GetMut(key)
	if !ok {
		lv = &level{price: *o.Price}
		idx.tree.Set(lv)
	}
	lv.entries = append(lv.entries, entry{orderID: o.ID, kind: o.Kind, remaining: o.RemainingQuantity, createdAt: o.CreatedAt})
	b.byID[o.ID] = *o.Price
}

// Remove drops an order from the book, used on full fill and on cancel.
func (b *Book) Remove(side model.Side, orderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(side, orderID)
}

func (b *Book) removeLocked(side model.Side, orderID string) {
	price, ok := b.byID[orderID]
	if !ok {
		return
	}
	idx := b.sideFor(side)
	key := &level{price: price}
	lv, ok := idx.tree.GetMut(key)
	if !ok {
		return
	}
	for i, e := range lv.entries {
		if e.orderID == orderID {
			lv.entries = append(lv.entries[:i], lv.entries[i+1:]...)
			break
		}
	}
	if len(lv.entries) == 0 {
		idx.tree.Delete(key)
	}
	delete(b.byID, orderID)
}

// UpdateRemaining reflects a partial fill. If remaining reaches zero the
// entry is removed outright.
func (b *Book) UpdateRemaining(side model.Side, orderID string, remaining decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining.IsZero() || remaining.IsNegative() {
		b.removeLocked(side, orderID)
		return
	}
	price, ok := b.byID[orderID]
	if !ok {
		return
	}
	idx := b.sideFor(side)
	lv, ok := idx.tree.GetMut(&level{price: price})
	if !ok {
		return
	}
	for i := range lv.entries {
		if lv.entries[i].orderID == orderID {
			lv.entries[i].remaining = remaining
			break
		}
	}
}

// BestPrice returns the top-of-book price for side, or nil if empty.
func (b *Book) BestPrice(side model.Side) *decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := b.sideFor(side)
	lv, ok := idx.tree.Min()
	if !ok {
		return nil
	}
	p := lv.price
	return &p
}

// Snapshot returns up to depth price levels per side, in priority order,
// aggregating remaining quantity at each price — the shape the event bus
// broadcasts as "Order Book Update".
func (b *Book) Snapshot(depth int) model.BookSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := model.BookSnapshot{}
	b.buy.tree.Scan(func(lv *level) bool {
		if len(snap.BuyOrders) >= depth {
			return false
		}
		snap.BuyOrders = append(snap.BuyOrders, levelSummary(lv))
		return true
	})
	b.sell.tree.Scan(func(lv *level) bool {
		if len(snap.SellOrders) >= depth {
			return false
		}
		snap.SellOrders = append(snap.SellOrders, levelSummary(lv))
		return true
	})
	return snap
}

func levelSummary(lv *level) model.BookLevel {
	total := decimal.Zero
	oldest := lv.entries[0].createdAt
	kind := lv.entries[0].kind
	for _, e := range lv.entries {
		total = total.Add(e.remaining)
		if e.createdAt.Before(oldest) {
			oldest = e.createdAt
		}
	}
	return model.BookLevel{Price: lv.price, RemainingQuantity: total, CreatedAt: oldest, Kind: kind}
}

// Size reports the number of distinct resting orders tracked, for tests
// and diagnostics.
func (b *Book) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byID)
}
