package trading

import (
	"time"

	"github.com/ksred/klear-dex/internal/types"
	"gorm.io/gorm"
)

type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// OrderRequest is the body of an execute request
type OrderRequest struct {
	TokenIn  string  `json:"tokenIn" validate:"required,alphanum,max=16"`
	TokenOut string  `json:"tokenOut" validate:"required,alphanum,max=16,nefield=TokenIn"`
	Amount   float64 `json:"amount" validate:"gt=0"`
	Slippage float64 `json:"slippage" validate:"gte=0,lte=1"`
}

func (r OrderRequest) toOrder(orderID string) *types.Order {
	return &types.Order{
		OrderID:  orderID,
		TokenIn:  r.TokenIn,
		TokenOut: r.TokenOut,
		Amount:   r.Amount,
		Slippage: r.Slippage,
		Status:   types.StatusPending,
	}
}

// OrderAccepted is returned once an order is persisted and queued
type OrderAccepted struct {
	OrderID string            `json:"orderId"`
	Status  types.OrderStatus `json:"status"`
	WsURL   string            `json:"wsUrl"`
}
