// Package model holds the domain types shared across the ledger, wallet,
// book and engine packages: users, wallets, orders and trades.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

type OrderKind string

const (
	KindLimit  OrderKind = "LIMIT"
	KindMarket OrderKind = "MARKET"
)

type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING"
	StatusExecuted OrderStatus = "EXECUTED"
	StatusCanceled OrderStatus = "CANCELED"
)

// ── Domain objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet tracks spendable and reserved fiat and asset for one user.
// balance+reserved_balance is conserved by any purely-internal reservation
// move; only settlement crosses wallets.
type Wallet struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	ReservedBalance  decimal.Decimal `json:"reserved_balance"`
	Holdings         decimal.Decimal `json:"holdings"`
	ReservedHoldings decimal.Decimal `json:"reserved_holdings"`
}

type Order struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	Side              Side            `json:"side"`
	Kind              OrderKind       `json:"order_kind"`
	Price             *decimal.Decimal `json:"price,omitempty"`
	Quantity          decimal.Decimal `json:"quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Status            OrderStatus     `json:"status"`
	Seq               int64           `json:"seq"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (o *Order) IsLimit() bool  { return o.Kind == KindLimit }
func (o *Order) IsMarket() bool { return o.Kind == KindMarket }

type Trade struct {
	ID            string          `json:"id"`
	BuyOrderID    string          `json:"buy_order_id"`
	SellOrderID   string          `json:"sell_order_id"`
	BuyUserID     string          `json:"buy_user_id"`
	SellUserID    string          `json:"sell_user_id"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Seq           int64           `json:"seq"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ── API types ────────────────────────────────────────

type PlaceOrderReq struct {
	Side     Side             `json:"side"`
	Kind     OrderKind        `json:"order_kind"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity decimal.Decimal  `json:"quantity"`
}

type PlaceOrderResult struct {
	Order  Order   `json:"order"`
	Trades []Trade `json:"trades"`
}

type BookLevel struct {
	Price             decimal.Decimal `json:"price"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	CreatedAt         time.Time       `json:"created_at"`
	Kind              OrderKind       `json:"order_kind"`
}

type BookSnapshot struct {
	BuyOrders  []BookLevel `json:"buy_orders"`
	SellOrders []BookLevel `json:"sell_orders"`
}

// WalletDelta is the post-commit projection of a wallet mutation, handed to
// the event bus only once the transaction that produced it has committed.
type WalletDelta struct {
	UserID           string          `json:"user_id"`
	Balance          decimal.Decimal `json:"balance"`
	ReservedBalance  decimal.Decimal `json:"reserved_balance"`
	Holdings         decimal.Decimal `json:"holdings"`
	ReservedHoldings decimal.Decimal `json:"reserved_holdings"`
}
