package book

import (
	"time"

	"github.com/shopspring/decimal"
)

// Depth is a point-in-time aggregation of the book's resting liquidity,
// grouped per ISIN and price level. It is what the depth endpoint serves and
// what the snapshot cache stores.
type Depth struct {
	Market  string       `json:"market"`
	Bids    []DepthLevel `json:"bids"`
	Asks    []DepthLevel `json:"asks"`
	TakenAt time.Time    `json:"taken_at"`
}

// DepthLevel sums the resting quantity at one price for one instrument.
type DepthLevel struct {
	ISIN     string          `json:"isin"`
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
	Orders   int             `json:"orders"`
}

// Snapshot builds a Depth from the current book contents. Each side is read
// under its own lock; the two sides may be a few microseconds apart, which is
// acceptable for a depth view.
func (b *Book) Snapshot() *Depth {
	return &Depth{
		Market:  b.market,
		Bids:    b.bids.depth(),
		Asks:    b.asks.depth(),
		TakenAt: time.Now(),
	}
}

func (s *bookSide) depth() []DepthLevel {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []DepthLevel
	for isin, levels := range s.levels {
		for _, level := range levels {
			total := decimal.Zero
			for _, o := range level.orders {
				total = total.Add(o.RemainingQuantity)
			}
			out = append(out, DepthLevel{
				ISIN:     isin,
				Price:    level.price,
				Quantity: total,
				Orders:   len(level.orders),
			})
		}
	}
	return out
}
