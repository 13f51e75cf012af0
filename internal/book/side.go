package book

import (
	"sort"

	"github.com/shopspring/decimal"
)

// Level is one resting (price, amount) pair on a book side.
type Level struct {
	Price  decimal.Decimal
	Amount decimal.Decimal
}

// Side holds one side of an order book as a slice ordered best-first:
// descending prices for bids, ascending for asks. Prices are unique.
type Side struct {
	bids   bool
	levels []Level
}

// NewSide creates an empty side. Pass bids=true for the bid side.
func NewSide(bids bool) *Side {
	return &Side{bids: bids}
}

// search returns the index at which price sits (or would be inserted) in
// best-first order, and whether the price is already present.
func (s *Side) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		cmp := s.levels[i].Price.Cmp(price)
		if s.bids {
			return cmp <= 0
		}
		return cmp >= 0
	})
	if i < len(s.levels) && s.levels[i].Price.Equal(price) {
		return i, true
	}
	return i, false
}

// Update inserts or overwrites the level at l.Price. An amount of zero
// removes the price if present and is a no-op otherwise.
func (s *Side) Update(l Level) {
	i, found := s.search(l.Price)

	if l.Amount.IsZero() {
		if found {
			s.levels = append(s.levels[:i], s.levels[i+1:]...)
		}
		return
	}

	if found {
		s.levels[i].Amount = l.Amount
		return
	}

	s.levels = append(s.levels, Level{})
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = l
}

// Best returns the top-of-book level, or false if the side is empty.
func (s *Side) Best() (Level, bool) {
	if len(s.levels) == 0 {
		return Level{}, false
	}
	return s.levels[0], true
}

// Depth returns up to n levels in best-first order. The returned slice is
// a copy and safe to retain.
func (s *Side) Depth(n int) []Level {
	if n > len(s.levels) {
		n = len(s.levels)
	}
	out := make([]Level, n)
	copy(out, s.levels[:n])
	return out
}

// Len returns the number of populated price levels.
func (s *Side) Len() int { return len(s.levels) }

// Clear removes every level.
func (s *Side) Clear() { s.levels = s.levels[:0] }
