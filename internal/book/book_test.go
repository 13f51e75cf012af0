package book

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lvl(price, amount string) Level {
	return Level{
		Price:  decimal.RequireFromString(price),
		Amount: decimal.RequireFromString(amount),
	}
}

func TestBook_SnapshotThenRemove(t *testing.T) {
	b := New("binance", "BTCUSDT")

	b.Apply(true, []Level{lvl("100", "5")}, []Level{lvl("101", "5")})

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.NewFromInt(100)))

	// Removing the only bid leaves the ask side untouched.
	b.Apply(false, []Level{lvl("100", "0")}, nil)

	_, ok = b.BestBid()
	assert.False(t, ok)

	ask, ok := b.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, ask.Amount.Equal(decimal.NewFromInt(5)))
}

func TestBook_ZeroAmountAbsentPriceIsNoop(t *testing.T) {
	b := New("binance", "BTCUSDT")
	b.Apply(true, []Level{lvl("100", "1")}, nil)

	b.Apply(false, []Level{lvl("99", "0")}, nil)

	bids, _ := b.Len()
	assert.Equal(t, 1, bids)
}

func TestBook_ReapplyIsIdempotent(t *testing.T) {
	b := New("binance", "BTCUSDT")

	b.Apply(false, []Level{lvl("100", "2")}, nil)
	b.Apply(false, []Level{lvl("100", "2")}, nil)

	bids, _ := b.Len()
	require.Equal(t, 1, bids)

	bid, _ := b.BestBid()
	assert.True(t, bid.Amount.Equal(decimal.NewFromInt(2)))
}

func TestBook_DuplicatePriceLastWriteWins(t *testing.T) {
	b := New("binance", "BTCUSDT")

	b.Apply(false, []Level{lvl("100", "2"), lvl("100", "7")}, nil)

	bid, ok := b.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Amount.Equal(decimal.NewFromInt(7)))
}

func TestBook_SnapshotReplacesPriorState(t *testing.T) {
	b := New("deribit", "BTC-PERPETUAL")

	b.Apply(true,
		[]Level{lvl("100", "1"), lvl("99", "2"), lvl("98", "3")},
		[]Level{lvl("101", "1"), lvl("102", "2")})

	b.Apply(true, []Level{lvl("50", "1")}, []Level{lvl("51", "1")})

	bids, asks := b.Depth(10)
	require.Len(t, bids, 1)
	require.Len(t, asks, 1)
	assert.True(t, bids[0].Price.Equal(decimal.NewFromInt(50)))
	assert.True(t, asks[0].Price.Equal(decimal.NewFromInt(51)))
}

func TestBook_DepthOrderingAndCap(t *testing.T) {
	b := New("binance", "BTCUSDT")

	b.Apply(false,
		[]Level{lvl("98", "1"), lvl("100", "1"), lvl("99", "1")},
		[]Level{lvl("103", "1"), lvl("101", "1"), lvl("102", "1")})

	bids, asks := b.Depth(2)
	require.Len(t, bids, 2)
	require.Len(t, asks, 2)

	// Bids best-first descending, asks ascending.
	assert.True(t, bids[0].Price.Equal(decimal.NewFromInt(100)))
	assert.True(t, bids[1].Price.Equal(decimal.NewFromInt(99)))
	assert.True(t, asks[0].Price.Equal(decimal.NewFromInt(101)))
	assert.True(t, asks[1].Price.Equal(decimal.NewFromInt(102)))
}

func TestBook_BestBidBelowBestAskAfterSnapshot(t *testing.T) {
	b := New("binance", "BTCUSDT")

	b.Apply(true,
		[]Level{lvl("99.5", "1"), lvl("99.4", "2")},
		[]Level{lvl("99.6", "1"), lvl("99.7", "2")})

	bid, okBid := b.BestBid()
	ask, okAsk := b.BestAsk()
	require.True(t, okBid)
	require.True(t, okAsk)
	assert.True(t, bid.Price.LessThan(ask.Price))
}

func TestBook_CrossedStateDoesNotPanic(t *testing.T) {
	b := New("binance", "BTCUSDT")

	// Bid above ask, as can happen mid multi-message snapshot.
	b.Apply(false, []Level{lvl("102", "1")}, []Level{lvl("101", "1")})
	b.Apply(false, []Level{lvl("103", "1")}, nil)

	bid, _ := b.BestBid()
	assert.True(t, bid.Price.Equal(decimal.NewFromInt(103)))
}

func TestBook_MalformedLevelsDropped(t *testing.T) {
	b := New("binance", "BTCUSDT")

	b.Apply(false, []Level{lvl("-1", "5"), lvl("100", "-2"), lvl("100", "1")}, nil)

	bids, _ := b.Len()
	require.Equal(t, 1, bids)

	bid, _ := b.BestBid()
	assert.True(t, bid.Amount.Equal(decimal.NewFromInt(1)))
}

func TestBook_ResetClearsBothSides(t *testing.T) {
	b := New("binance", "BTCUSDT")
	b.Apply(true, []Level{lvl("100", "5")}, []Level{lvl("101", "5")})

	b.Reset()

	bids, asks := b.Depth(10)
	assert.Empty(t, bids)
	assert.Empty(t, asks)

	_, ok := b.BestBid()
	assert.False(t, ok)
	_, ok = b.BestAsk()
	assert.False(t, ok)
}

func TestSide_InsertKeepsOrder(t *testing.T) {
	s := NewSide(false)

	for _, p := range []string{"5", "1", "3", "2", "4"} {
		s.Update(lvl(p, "1"))
	}

	levels := s.Depth(5)
	require.Len(t, levels, 5)
	for i := 1; i < len(levels); i++ {
		assert.True(t, levels[i-1].Price.LessThan(levels[i].Price))
	}
}
