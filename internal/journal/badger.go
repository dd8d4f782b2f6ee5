package journal

import (
	"encoding/json"
	"fmt"

	badger "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"

	"github.com/gaiadex/engine/pkg/models"
)

// Badger persists the journal in an embedded badger store. Keys are
// prefixed per record type; trades are keyed by ID and never rewritten.
type Badger struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens (or creates) the store at path.
func OpenBadger(path string, logger *zap.Logger) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // badger's own logger is too chatty for the engine
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal at %s: %w", path, err)
	}
	return &Badger{db: db, logger: logger.Named("journal")}, nil
}

func (b *Badger) set(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

func (b *Badger) AppendOrder(order *models.Order) error {
	return b.set("order:"+order.ID.String(), order)
}

func (b *Badger) UpdateOrder(order *models.Order) error {
	return b.set("order:"+order.ID.String(), order)
}

func (b *Badger) AppendTrade(trade *models.Trade) error {
	return b.set("trade:"+trade.ID.String(), trade)
}

func (b *Badger) UpsertPosition(pos *models.LiquidityPosition) error {
	return b.set("position:"+pos.ID.String(), pos)
}

func (b *Badger) DeletePosition(id string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte("position:" + id))
	})
}

func (b *Badger) Close() error { return b.db.Close() }
