package engine

import (
	"sync"

	"go.uber.org/zap"

	"github.com/merkle-trade/perp-engine/internal/perp/model"
)

// journalCapacity bounds the in-memory tail; older events are only visible
// through the structured log stream.
const journalCapacity = 4096

// Journal keeps a bounded in-memory tail of tagged position events and
// mirrors each one to the structured log.
type Journal struct {
	mu      sync.Mutex
	logger  *zap.Logger
	entries []model.PositionEvent
}

func NewJournal(logger *zap.Logger) *Journal {
	return &Journal{logger: logger.Named("journal")}
}

// Append records an event. Called inside the settlement's atomic unit.
func (j *Journal) Append(ev model.PositionEvent) {
	j.mu.Lock()
	j.entries = append(j.entries, ev)
	if len(j.entries) > journalCapacity {
		j.entries = j.entries[len(j.entries)-journalCapacity:]
	}
	j.mu.Unlock()

	j.logger.Info("position event",
		zap.String("type", ev.Type),
		zap.String("market", ev.Market.String()),
		zap.String("owner", ev.Owner.String()),
		zap.String("side", ev.Side),
		zap.Uint64("order_id", ev.OrderID),
		zap.String("size", ev.Size.String()),
		zap.String("collateral", ev.Collateral.String()),
		zap.String("price", ev.Price.String()),
		zap.String("pnl", ev.PnL.String()),
		zap.String("reason", ev.Reason),
	)
}

// Events returns a copy of the retained tail.
func (j *Journal) Events() []model.PositionEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]model.PositionEvent, len(j.entries))
	copy(out, j.entries)
	return out
}

// Last returns the most recent event, if any.
func (j *Journal) Last() (model.PositionEvent, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.entries) == 0 {
		return model.PositionEvent{}, false
	}
	return j.entries[len(j.entries)-1], true
}
