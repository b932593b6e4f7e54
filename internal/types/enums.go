package types

// InstrumentType classifies a tradable (or index) instrument.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQUITY"
	InstrumentFuture InstrumentType = "FUTURE"
	InstrumentOption InstrumentType = "OPTION"
	InstrumentIndex  InstrumentType = "INDEX"
)

// Valid reports whether the instrument type is one of the closed set.
func (t InstrumentType) Valid() bool {
	switch t {
	case InstrumentEquity, InstrumentFuture, InstrumentOption, InstrumentIndex:
		return true
	}
	return false
}

// Derivative reports whether the instrument carries an expiry.
func (t InstrumentType) Derivative() bool {
	return t == InstrumentFuture || t == InstrumentOption
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "BUY"
	SideSell OrderSide = "SELL"
)

func (s OrderSide) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the reducing side for s.
func (s OrderSide) Opposite() OrderSide {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign returns +1 for BUY and -1 for SELL.
func (s OrderSide) Sign() int64 {
	if s == SideBuy {
		return 1
	}
	return -1
}

// OrderType distinguishes market and limit orders.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool { return t == OrderMarket || t == OrderLimit }

// OrderStatus is the order state machine: OPEN is initial, the rest are
// terminal and final.
type OrderStatus string

const (
	StatusOpen      OrderStatus = "OPEN"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderStatus) Terminal() bool { return s != StatusOpen }

// TransactionType tags a ledger entry.
type TransactionType string

const (
	TxnCredit     TransactionType = "CREDIT"
	TxnDebit      TransactionType = "DEBIT"
	TxnBlock      TransactionType = "BLOCK"
	TxnUnblock    TransactionType = "UNBLOCK"
	TxnSettlement TransactionType = "SETTLEMENT"
)

// ExitReason records why a closing order was generated.
type ExitReason string

const (
	ExitManual ExitReason = "MANUAL"
	ExitExpiry ExitReason = "EXPIRY"
)
