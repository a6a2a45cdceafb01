package types

import "testing"

func TestOrderStatusIsTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusNew, false},
		{StatusAccepted, false},
		{StatusPartiallyFilled, false},
		{StatusFilled, true},
		{StatusCanceled, true},
		{StatusRejected, true},
		{StatusExpired, true},
	}

	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPlaceOrderRequestOptionalPrice(t *testing.T) {
	t.Parallel()

	req := PlaceOrderRequest{
		Symbol:        "BTC-USDT",
		Side:          Buy,
		Type:          Market,
		TIF:           GTC,
		Qty:           1.0,
		ClientOrderID: "c1",
	}
	if req.Price != nil {
		t.Errorf("market order Price = %v, want nil", req.Price)
	}

	px := 50000.0
	req.Price = &px
	if req.Price == nil || *req.Price != 50000.0 {
		t.Errorf("limit order Price = %v, want 50000.0", req.Price)
	}
}
