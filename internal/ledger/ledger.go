// Package ledger owns the authoritative record of open and closed positions
// per (user, symbol). It is the safety point for the buy/sell alternation
// invariant: every mutation runs a read-check-write inside one transaction,
// serialized per (user, symbol), with the accompanying trade row inserted in
// the same transaction so a crash cannot leave one without the other.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"signaltrader/internal/pkg/pricing"
	"signaltrader/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	// ErrPositionExists rejects a buy while an open position exists.
	ErrPositionExists = errors.New("open position already exists")
	// ErrNoPosition rejects a sell with nothing to sell.
	ErrNoPosition = errors.New("no open position")
)

type Ledger struct {
	store *store.Store

	// SQLite has no row locks, so the read-check-write is serialized with a
	// per-(user,symbol) mutex. Two concurrent buys for the same key cannot
	// both observe "no open position".
	mu   sync.Mutex
	keys map[string]*sync.Mutex
}

func New(st *store.Store) *Ledger {
	return &Ledger{store: st, keys: make(map[string]*sync.Mutex)}
}

func (l *Ledger) keyLock(userID, symbol string) *sync.Mutex {
	key := userID + "|" + symbol
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.keys[key]
	if !ok {
		m = &sync.Mutex{}
		l.keys[key] = m
	}
	return m
}

// GetOpen returns the open position for (userID, symbol), or nil when none.
func (l *Ledger) GetOpen(ctx context.Context, userID, symbol string) (*store.Position, error) {
	var pos store.Position
	err := l.store.DB().WithContext(ctx).
		Where("user_id = ? AND symbol = ? AND is_open = ?", userID, symbol, true).
		First(&pos).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

// OpenParams describes a position-opening mutation.
type OpenParams struct {
	UserID   string
	Symbol   string
	Exchange string
	Side     string // store.SideLong / store.SideShort
	Price    float64
	Size     float64

	// AllowGrow permits pyramiding: adding size to an existing open position
	// at a weighted-average entry. The executor leaves it false, so a second
	// concurrent buy fails with ErrPositionExists.
	AllowGrow bool
}

// OpenOrGrow creates the position (or grows it when AllowGrow) and appends the
// trade row in the same transaction.
func (l *Ledger) OpenOrGrow(ctx context.Context, p OpenParams, tr *store.Trade) (*store.Position, error) {
	if p.Size <= 0 {
		return nil, fmt.Errorf("ledger: size must be positive, got %v", p.Size)
	}
	lock := l.keyLock(p.UserID, p.Symbol)
	lock.Lock()
	defer lock.Unlock()

	var result *store.Position
	err := l.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing store.Position
		err := tx.Where("user_id = ? AND symbol = ? AND is_open = ?", p.UserID, p.Symbol, true).
			First(&existing).Error
		switch {
		case err == nil:
			if !p.AllowGrow {
				return fmt.Errorf("%w: %s %s", ErrPositionExists, p.UserID, p.Symbol)
			}
			existing.EntryPrice = pricing.WeightedEntry(existing.EntryPrice, existing.Size, p.Price, p.Size)
			existing.Size += p.Size
			if pricing.GT(p.Price, existing.HighestPrice) {
				existing.HighestPrice = p.Price
			}
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			result = &existing
		case errors.Is(err, gorm.ErrRecordNotFound):
			pos := store.Position{
				ID:           uuid.NewString(),
				UserID:       p.UserID,
				Symbol:       p.Symbol,
				Exchange:     p.Exchange,
				Side:         p.Side,
				EntryPrice:   p.Price,
				Size:         p.Size,
				InitialSize:  p.Size,
				HighestPrice: p.Price,
				IsOpen:       true,
				OpenedAt:     time.Now().UTC(),
			}
			if err := tx.Create(&pos).Error; err != nil {
				return err
			}
			result = &pos
		default:
			return err
		}
		if tr != nil {
			store.NormalizeTrade(tr)
			return tx.Create(tr).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// CloseResult reports the outcome of a reduce-or-close mutation.
type CloseResult struct {
	Closed   bool
	PnL      float64
	Position *store.Position
}

// ReduceOrClose sells size units of the open position at price. A size at or
// above the remaining position closes it fully; less reduces it. The realized
// P&L for the leg is recorded on the trade row, which is inserted in the same
// transaction.
func (l *Ledger) ReduceOrClose(ctx context.Context, positionID string, price, size float64, tr *store.Trade) (CloseResult, error) {
	if size <= 0 {
		return CloseResult{}, fmt.Errorf("ledger: size must be positive, got %v", size)
	}
	var head store.Position
	if err := l.store.DB().WithContext(ctx).Where("id = ?", positionID).First(&head).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return CloseResult{}, ErrNoPosition
		}
		return CloseResult{}, err
	}

	lock := l.keyLock(head.UserID, head.Symbol)
	lock.Lock()
	defer lock.Unlock()

	var out CloseResult
	err := l.store.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pos store.Position
		if err := tx.Where("id = ? AND is_open = ?", positionID, true).First(&pos).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNoPosition
			}
			return err
		}
		if pricing.GTE(size, pos.Size) {
			// Full close.
			legSize := pos.Size
			pnl := pricing.RealizedPnL(pos.Side, pos.EntryPrice, price, legSize)
			pos.IsOpen = false
			pos.ExitPrice = price
			pos.PnL = pnl
			pos.ClosedAt = time.Now().UTC().Unix()
			if err := tx.Save(&pos).Error; err != nil {
				return err
			}
			out = CloseResult{Closed: true, PnL: pnl, Position: &pos}
		} else {
			// Partial close: the leg P&L lives on the trade row only.
			pnl := pricing.RealizedPnL(pos.Side, pos.EntryPrice, price, size)
			pos.Size -= size
			if err := tx.Save(&pos).Error; err != nil {
				return err
			}
			out = CloseResult{Closed: false, PnL: pnl, Position: &pos}
		}
		if tr != nil {
			tr.PnL = out.PnL
			store.NormalizeTrade(tr)
			return tx.Create(tr).Error
		}
		return nil
	})
	if err != nil {
		return CloseResult{}, err
	}
	return out, nil
}

// UpdateTrailing persists the monitor's high-water mark and stop price for an
// open position. No trade row accompanies this mutation.
func (l *Ledger) UpdateTrailing(ctx context.Context, positionID string, highest, stop float64) error {
	return l.store.DB().WithContext(ctx).Model(&store.Position{}).
		Where("id = ? AND is_open = ?", positionID, true).
		Updates(map[string]any{
			"highest_price":       highest,
			"trailing_stop_price": stop,
		}).Error
}
