package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	path := []OrderStatus{StatusPending, StatusRouting, StatusBuilding, StatusSubmitted, StatusConfirmed}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, path[i].CanTransitionTo(path[i+1]), "%s -> %s", path[i], path[i+1])
		assert.True(t, path[i].CanTransitionTo(StatusFailed), "%s -> FAILED", path[i])
	}

	assert.False(t, StatusPending.CanTransitionTo(StatusBuilding), "no skipping")
	assert.False(t, StatusSubmitted.CanTransitionTo(StatusRouting), "no going back")
	assert.False(t, StatusConfirmed.CanTransitionTo(StatusFailed))
	assert.False(t, StatusFailed.CanTransitionTo(StatusPending))
	assert.True(t, StatusConfirmed.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusSubmitted.IsTerminal())
}

func TestOrderLifecycleInvariants(t *testing.T) {
	order := &Order{OrderID: "ord-1", Status: StatusPending, Amount: 1, Slippage: 0.01}
	require.NoError(t, order.Validate())

	err := order.Transition(StatusSubmitted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, order.Transition(StatusRouting))
	require.NoError(t, order.Transition(StatusBuilding))
	require.NoError(t, order.Transition(StatusSubmitted))
	require.NoError(t, order.Confirm("abc", 95.1))
	require.NoError(t, order.Validate())
	assert.Equal(t, 95.1, *order.ExecutionPrice)

	assert.ErrorIs(t, order.Fail("late"), ErrInvalidTransition)

	order.BeginAttempt(2)
	assert.Equal(t, StatusPending, order.Status)
	assert.Equal(t, 2, order.RetryCount)
	assert.Empty(t, order.TxHash)
	assert.Nil(t, order.ExecutionPrice)
	require.NoError(t, order.Validate())

	require.NoError(t, order.Fail(""))
	assert.Equal(t, "order failed", order.ErrorMessage)
	require.NoError(t, order.Validate())

	order.ErrorMessage = ""
	assert.Error(t, order.Validate())
}

func TestEstimatedOutputAndSlippage(t *testing.T) {
	assert.InDelta(t, 142.3716, EstimatedOutput(1.5, 95.2, 0.003), 1e-9)
	assert.InDelta(t, 143.4126, EstimatedOutput(1.5, 95.8, 0.002), 1e-9)

	assert.True(t, WithinSlippage(100, 100, 0.01))
	assert.True(t, WithinSlippage(100, 99.5, 0.01))
	assert.False(t, WithinSlippage(100, 98.9, 0.01))
	assert.False(t, WithinSlippage(100, 100.01, 0.01))
}

func TestStatusUpdateWireFields(t *testing.T) {
	decode := func(u StatusUpdate) map[string]any {
		data, err := u.Encode()
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	}

	plain := decode(NewStatusUpdate("o1", StatusBuilding, "Building transaction"))
	assert.Equal(t, map[string]any{"orderId": "o1", "status": "BUILDING", "message": "Building transaction"}, plain)

	routing := decode(NewRoutingUpdate("o1", []Quote{
		{DexName: "RAYDIUM", Price: 95.2, Fee: 0.003, EstimatedOutput: 142.38},
	}, "RAYDIUM"))
	assert.Equal(t, "RAYDIUM", routing["selectedDex"])
	quotes := routing["quotes"].([]any)
	require.Len(t, quotes, 1)
	assert.Equal(t, map[string]any{"dexName": "RAYDIUM", "price": 95.2, "fee": 0.003, "estimatedOutput": 142.38}, quotes[0])
	assert.NotContains(t, routing, "txHash")
	assert.NotContains(t, routing, "retryCount")

	confirmed := decode(NewConfirmedUpdate("o1", "deadbeef", 95.0))
	assert.Equal(t, "deadbeef", confirmed["txHash"])
	assert.Equal(t, 95.0, confirmed["executionPrice"])
	assert.NotContains(t, confirmed, "quotes")
	assert.NotContains(t, confirmed, "error")

	failed := decode(NewFailedUpdate("o1", "boom", 0))
	assert.Equal(t, "boom", failed["error"])
	assert.Equal(t, 0.0, failed["retryCount"], "zero retry count is still present")
	assert.NotContains(t, failed, "selectedDex")
}

func TestDecodeStatusUpdateRoundTrip(t *testing.T) {
	in := NewFailedUpdate("o9", "quote timeout", 2)
	data, err := in.Encode()
	require.NoError(t, err)

	out, err := DecodeStatusUpdate(data)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
