package application

import (
	"context"
	"math/big"
	"testing"
	"time"
)

type stubPriceSource struct {
	price *big.Int
	calls int
}

func (s *stubPriceSource) GasPrice(ctx context.Context) (*big.Int, error) {
	s.calls++
	return new(big.Int).Set(s.price), nil
}

func TestCurrentPriceCachesWithinTTL(t *testing.T) {
	source := &stubPriceSource{price: big.NewInt(1_000_000_000)}
	pricer, err := NewGasPricer(source, GasPricerConfig{TTL: time.Minute})
	if err != nil {
		t.Fatalf("new pricer: %v", err)
	}
	ctx := context.Background()

	first, err := pricer.CurrentPrice(ctx)
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	source.price = big.NewInt(2_000_000_000)
	second, err := pricer.CurrentPrice(ctx)
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if first.Cmp(second) != 0 {
		t.Errorf("expected cached price %s, got %s", first, second)
	}
	if source.calls != 1 {
		t.Errorf("expected 1 source fetch, got %d", source.calls)
	}
}

func TestCurrentPriceRefreshesWhenStale(t *testing.T) {
	source := &stubPriceSource{price: big.NewInt(1_000_000_000)}
	pricer, err := NewGasPricer(source, GasPricerConfig{TTL: time.Nanosecond})
	if err != nil {
		t.Fatalf("new pricer: %v", err)
	}
	ctx := context.Background()

	if _, err := pricer.CurrentPrice(ctx); err != nil {
		t.Fatalf("current price: %v", err)
	}
	time.Sleep(time.Millisecond)
	source.price = big.NewInt(3_000_000_000)
	refreshed, err := pricer.CurrentPrice(ctx)
	if err != nil {
		t.Fatalf("current price: %v", err)
	}
	if refreshed.Cmp(big.NewInt(3_000_000_000)) != 0 {
		t.Errorf("expected refreshed price, got %s", refreshed)
	}
	if source.calls != 2 {
		t.Errorf("expected 2 source fetches, got %d", source.calls)
	}
}

func TestWithBufferArithmetic(t *testing.T) {
	source := &stubPriceSource{price: big.NewInt(1)}
	pricer, err := NewGasPricer(source, GasPricerConfig{BufferPct: 20})
	if err != nil {
		t.Fatalf("new pricer: %v", err)
	}

	cases := []struct {
		estimate uint64
		want     uint64
	}{
		{100, 120},
		{1, 1},
		{0, 0},
		{21000, 25200},
		{5, 6},
	}
	for _, tc := range cases {
		if got := pricer.WithBuffer(tc.estimate); got != tc.want {
			t.Errorf("WithBuffer(%d) = %d, want %d", tc.estimate, got, tc.want)
		}
	}
}
