package oracle

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-ledger/internal/model"
)

var (
	syntheticFloor = decimal.NewFromFloat(0.05)
	syntheticCeil  = decimal.NewFromFloat(0.95)
	syntheticBand  = decimal.NewFromFloat(0.05)
)

// syntheticStep is the largest move of one tick.
const syntheticStep = 0.01

// Synthetic fills in marks for markets the live feed did not price. Each
// market walks randomly around the entry price of the first order seen on
// it, staying within ±5% of that anchor and inside [0.05, 0.95].
type Synthetic struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last map[string]decimal.Decimal // market id -> last price of the anchor outcome
	now  func() time.Time
}

// NewSynthetic creates a synthetic feed. The same seed yields the same walk.
func NewSynthetic(seed uint64) *Synthetic {
	return &Synthetic{
		rng:  rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		last: make(map[string]decimal.Decimal),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Fill adds a synthetic mark to marks for every open order whose market has
// no entry. Existing live marks are left untouched. It returns the number of
// markets filled.
func (s *Synthetic) Fill(marks model.MarkSnapshot, open []model.Order) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	filled := 0
	for i := range open {
		o := &open[i]
		if _, ok := marks[o.MarketID]; ok {
			continue
		}
		p := s.step(o.MarketID, o.EntryPrice)
		m := model.MarkPrice{Yes: p, No: decimal.NewFromInt(1).Sub(p), ObservedAt: s.now(), Synthetic: true}
		if o.Outcome == model.OutcomeNo {
			m.Yes, m.No = m.No, m.Yes
		}
		marks[o.MarketID] = m
		filled++
	}
	return filled
}

// Forget drops the walk state of markets no longer referenced.
func (s *Synthetic) Forget(keep []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]struct{}, len(keep))
	for _, id := range keep {
		want[id] = struct{}{}
	}
	for id := range s.last {
		if _, ok := want[id]; !ok {
			delete(s.last, id)
		}
	}
}

func (s *Synthetic) step(marketID string, anchor decimal.Decimal) decimal.Decimal {
	prev, ok := s.last[marketID]
	if !ok {
		prev = anchor
	}
	move := decimal.NewFromFloat((s.rng.Float64()*2 - 1) * syntheticStep).Round(6)
	p := prev.Add(move)

	lo := anchor.Mul(decimal.NewFromInt(1).Sub(syntheticBand))
	hi := anchor.Mul(decimal.NewFromInt(1).Add(syntheticBand))
	p = clamp(p, lo, hi)
	p = clamp(p, syntheticFloor, syntheticCeil)

	s.last[marketID] = p
	return p
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
