package types

import "encoding/json"

// QuoteView is the wire form of a quote inside a routing update
type QuoteView struct {
	DexName         string  `json:"dexName"`
	Price           float64 `json:"price"`
	Fee             float64 `json:"fee"`
	EstimatedOutput float64 `json:"estimatedOutput"`
}

// StatusUpdate is a single status transition as seen by subscribers.
// Stage-specific fields are only populated by their constructor.
type StatusUpdate struct {
	OrderID        string      `json:"orderId"`
	Status         OrderStatus `json:"status"`
	Message        string      `json:"message"`
	Quotes         []QuoteView `json:"quotes,omitempty"`
	SelectedDex    string      `json:"selectedDex,omitempty"`
	TxHash         string      `json:"txHash,omitempty"`
	ExecutionPrice *float64    `json:"executionPrice,omitempty"`
	Error          string      `json:"error,omitempty"`
	RetryCount     *int        `json:"retryCount,omitempty"`
}

func NewStatusUpdate(orderID string, status OrderStatus, message string) StatusUpdate {
	return StatusUpdate{OrderID: orderID, Status: status, Message: message}
}

func NewRoutingUpdate(orderID string, quotes []Quote, selected string) StatusUpdate {
	views := make([]QuoteView, len(quotes))
	for i, q := range quotes {
		views[i] = QuoteView{
			DexName:         q.DexName,
			Price:           q.Price,
			Fee:             q.Fee,
			EstimatedOutput: q.EstimatedOutput,
		}
	}
	return StatusUpdate{
		OrderID:     orderID,
		Status:      StatusRouting,
		Message:     "Best route selected: " + selected,
		Quotes:      views,
		SelectedDex: selected,
	}
}

func NewConfirmedUpdate(orderID, txHash string, price float64) StatusUpdate {
	return StatusUpdate{
		OrderID:        orderID,
		Status:         StatusConfirmed,
		Message:        "Transaction confirmed",
		TxHash:         txHash,
		ExecutionPrice: &price,
	}
}

func NewFailedUpdate(orderID, errMsg string, retryCount int) StatusUpdate {
	return StatusUpdate{
		OrderID:    orderID,
		Status:     StatusFailed,
		Message:    "Order failed",
		Error:      errMsg,
		RetryCount: &retryCount,
	}
}

// Encode returns the serialized form shared by live delivery and the buffer
func (u StatusUpdate) Encode() ([]byte, error) {
	return json.Marshal(u)
}

// DecodeStatusUpdate parses a serialized update
func DecodeStatusUpdate(data []byte) (StatusUpdate, error) {
	var u StatusUpdate
	err := json.Unmarshal(data, &u)
	return u, err
}
