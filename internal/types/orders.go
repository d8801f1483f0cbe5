package types

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrSlippageExceeded  = errors.New("realized price outside slippage bound")
	ErrInvalidOrder      = errors.New("invalid order")
)

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusRouting   OrderStatus = "ROUTING"
	StatusBuilding  OrderStatus = "BUILDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusConfirmed OrderStatus = "CONFIRMED"
	StatusFailed    OrderStatus = "FAILED"
)

// next holds the success path; FAILED is reachable from every non-terminal state
var next = map[OrderStatus]OrderStatus{
	StatusPending:   StatusRouting,
	StatusRouting:   StatusBuilding,
	StatusBuilding:  StatusSubmitted,
	StatusSubmitted: StatusConfirmed,
}

// IsTerminal reports whether no further transitions follow s
func (s OrderStatus) IsTerminal() bool {
	return s == StatusConfirmed || s == StatusFailed
}

// CanTransitionTo reports whether the lifecycle graph allows moving from s to to
func (s OrderStatus) CanTransitionTo(to OrderStatus) bool {
	if s.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return next[s] == to
}

// Order is a swap request driven through the execution pipeline
type Order struct {
	gorm.Model     `json:"-"`
	OrderID        string      `gorm:"uniqueIndex" json:"order_id"`
	TokenIn        string      `json:"token_in"`
	TokenOut       string      `json:"token_out"`
	Amount         float64     `json:"amount"`
	Slippage       float64     `json:"slippage"`
	Status         OrderStatus `gorm:"index" json:"status"`
	SelectedDex    string      `json:"selected_dex,omitempty"`
	ExecutionPrice *float64    `json:"execution_price,omitempty"`
	TxHash         string      `json:"tx_hash,omitempty"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	RetryCount     int         `json:"retry_count"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Transition moves the order to the given status if the lifecycle graph allows it
func (o *Order) Transition(to OrderStatus) error {
	if !o.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
	}
	o.Status = to
	o.UpdatedAt = time.Now()
	return nil
}

// BeginAttempt resets the order for a fresh run. attempt is the 0-based job attempt number
// and is recorded as the retry count.
func (o *Order) BeginAttempt(attempt int) {
	o.Status = StatusPending
	o.SelectedDex = ""
	o.ExecutionPrice = nil
	o.TxHash = ""
	o.ErrorMessage = ""
	o.RetryCount = attempt
	o.UpdatedAt = time.Now()
}

// Confirm records the execution outcome and moves the order to CONFIRMED
func (o *Order) Confirm(txHash string, price float64) error {
	if err := o.Transition(StatusConfirmed); err != nil {
		return err
	}
	o.TxHash = txHash
	o.ExecutionPrice = &price
	return nil
}

// Fail moves the order to FAILED with the given reason
func (o *Order) Fail(reason string) error {
	if err := o.Transition(StatusFailed); err != nil {
		return err
	}
	if reason == "" {
		reason = "order failed"
	}
	o.ErrorMessage = reason
	return nil
}

// Validate checks the field invariants tied to the order status
func (o *Order) Validate() error {
	failed := o.Status == StatusFailed
	if failed != (o.ErrorMessage != "") {
		return fmt.Errorf("order %s: error message must be set only when FAILED", o.OrderID)
	}
	confirmed := o.Status == StatusConfirmed
	if confirmed != (o.TxHash != "") || confirmed != (o.ExecutionPrice != nil) {
		return fmt.Errorf("order %s: execution details must be set only when CONFIRMED", o.OrderID)
	}
	if o.RetryCount < 0 {
		return fmt.Errorf("order %s: negative retry count", o.OrderID)
	}
	return nil
}

// Quote is one venue's offer for one attempt of an order
type Quote struct {
	gorm.Model      `json:"-"`
	QuoteID         string    `gorm:"uniqueIndex" json:"quote_id"`
	OrderID         string    `gorm:"index" json:"order_id"`
	Attempt         int       `json:"attempt"`
	DexName         string    `json:"dex_name"`
	Price           float64   `json:"price"`
	Fee             float64   `json:"fee"`
	EstimatedOutput float64   `json:"estimated_output"`
	CreatedAt       time.Time `json:"created_at"`
}

// EstimatedOutput is the output amount a trade of amount yields at price after fee
func EstimatedOutput(amount, price, fee float64) float64 {
	return amount * price * (1 - fee)
}

// WithinSlippage reports whether realized lies in [quoted*(1-slippage), quoted]
func WithinSlippage(quoted, realized, slippage float64) bool {
	return realized >= quoted*(1-slippage) && realized <= quoted
}

// ExecutionRequest is what a venue needs to execute a swap
type ExecutionRequest struct {
	OrderID  string
	Venue    string
	TokenIn  string
	TokenOut string
	Amount   float64
	Slippage float64
	Quote    Quote
}

// ExecutionResult is returned by a venue after a swap lands
type ExecutionResult struct {
	Reference     string
	RealizedPrice float64
	AmountOut     float64
}
