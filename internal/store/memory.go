package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradedesk/ledger-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Transactions stage their writes and merge on commit, so a
// failed transaction leaves no trace. A single mutex serializes whole
// transactions, which trivially satisfies per-key serialization.
type MemoryStore struct {
	mu sync.RWMutex

	nextTradeID        int64
	nextAuditID        int64
	nextPortfolioID    int64
	nextSecurityID     int64
	nextCounterpartyID int64

	trades         map[int64]*model.Trade
	positions      map[model.PositionKey]model.Position
	audit          []model.AuditEntry
	portfolios     map[int64]*model.Portfolio
	securities     map[int64]*model.Security
	counterparties map[int64]*model.Counterparty
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trades:         make(map[int64]*model.Trade),
		positions:      make(map[model.PositionKey]model.Position),
		portfolios:     make(map[int64]*model.Portfolio),
		securities:     make(map[int64]*model.Security),
		counterparties: make(map[int64]*model.Counterparty),
	}
}

// memTx stages writes against its parent store. Reads overlay staged state
// on the committed state.
type memTx struct {
	s           *MemoryStore
	nextTradeID int64
	trades      map[int64]*model.Trade
	positions   map[model.PositionKey]model.Position
	audit       []model.AuditEntry
}

// WithinTx holds the store lock for the duration of fn. On error (or panic)
// the staged maps are simply discarded.
func (s *MemoryStore) WithinTx(_ context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:           s,
		nextTradeID: s.nextTradeID,
		trades:      make(map[int64]*model.Trade),
		positions:   make(map[model.PositionKey]model.Position),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// Commit: merge staged state.
	s.nextTradeID = tx.nextTradeID
	for id, t := range tx.trades {
		cp := *t
		s.trades[id] = &cp
	}
	for key, pos := range tx.positions {
		s.positions[key] = pos
	}
	for _, e := range tx.audit {
		s.nextAuditID++
		e.ID = s.nextAuditID
		s.audit = append(s.audit, e)
	}
	return nil
}

func (tx *memTx) GetTradeForUpdate(_ context.Context, id int64) (*model.Trade, error) {
	if t, ok := tx.trades[id]; ok {
		cp := *t
		return &cp, nil
	}
	t, ok := tx.s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) (int64, error) {
	tx.nextTradeID++
	cp := *t
	cp.ID = tx.nextTradeID
	tx.trades[cp.ID] = &cp
	return cp.ID, nil
}

func (tx *memTx) UpdateTradeStatus(ctx context.Context, id int64, status model.TradeStatus, replacedBy *int64) error {
	t, err := tx.GetTradeForUpdate(ctx, id)
	if err != nil {
		return err
	}
	t.Status = status
	t.ReplacedBy = replacedBy
	tx.trades[id] = t
	return nil
}

func (tx *memTx) LockPosition(_ context.Context, key model.PositionKey) (model.Position, error) {
	if pos, ok := tx.positions[key]; ok {
		return pos, nil
	}
	if pos, ok := tx.s.positions[key]; ok {
		return pos, nil
	}
	return flatPosition(key), nil
}

func (tx *memTx) SavePosition(_ context.Context, pos model.Position) error {
	key := model.PositionKey{PortfolioID: pos.PortfolioID, SecurityID: pos.SecurityID}
	tx.positions[key] = pos
	return nil
}

func (tx *memTx) TradesForKey(_ context.Context, key model.PositionKey) ([]model.Trade, error) {
	var trades []model.Trade
	for id, t := range tx.s.trades {
		if _, staged := tx.trades[id]; staged {
			continue
		}
		if t.Key() == key {
			trades = append(trades, *t)
		}
	}
	for _, t := range tx.trades {
		if t.Key() == key {
			trades = append(trades, *t)
		}
	}
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID < trades[j].ID })
	return trades, nil
}

func (tx *memTx) AppendAudit(_ context.Context, e *model.AuditEntry) error {
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	tx.audit = append(tx.audit, cp)
	return nil
}

func (tx *memTx) PortfolioExists(_ context.Context, id int64) (bool, error) {
	_, ok := tx.s.portfolios[id]
	return ok, nil
}

func (tx *memTx) SecurityExists(_ context.Context, id int64) (bool, error) {
	_, ok := tx.s.securities[id]
	return ok, nil
}

func (tx *memTx) CounterpartyExists(_ context.Context, id int64) (bool, error) {
	_, ok := tx.s.counterparties[id]
	return ok, nil
}

// --- Read-only store methods ---

func (s *MemoryStore) GetTrade(_ context.Context, id int64) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.trades[id]
	if !ok {
		return nil, fmt.Errorf("trade %d: %w", id, ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTrades(_ context.Context) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trades := make([]model.Trade, 0, len(s.trades))
	for _, t := range s.trades {
		trades = append(trades, *t)
	}
	// Newest first, matching the blotter.
	sort.Slice(trades, func(i, j int) bool { return trades[i].ID > trades[j].ID })
	return trades, nil
}

func (s *MemoryStore) GetPosition(_ context.Context, key model.PositionKey) (model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if pos, ok := s.positions[key]; ok {
		return pos, nil
	}
	return flatPosition(key), nil
}

func (s *MemoryStore) ListPositions(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	positions := make([]model.Position, 0, len(s.positions))
	for _, pos := range s.positions {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool {
		if positions[i].PortfolioID != positions[j].PortfolioID {
			return positions[i].PortfolioID < positions[j].PortfolioID
		}
		return positions[i].SecurityID < positions[j].SecurityID
	})
	return positions, nil
}

func (s *MemoryStore) ListAudit(_ context.Context) ([]model.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]model.AuditEntry, len(s.audit))
	copy(entries, s.audit)
	// Newest first.
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID > entries[j].ID })
	return entries, nil
}

// --- Catalog ---

func (s *MemoryStore) GetPortfolio(_ context.Context, id int64) (*model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.portfolios[id]
	if !ok {
		return nil, fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetSecurity(_ context.Context, id int64) (*model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.securities[id]
	if !ok {
		return nil, fmt.Errorf("security %d: %w", id, ErrNotFound)
	}
	cp := *sec
	return &cp, nil
}

func (s *MemoryStore) GetCounterparty(_ context.Context, id int64) (*model.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.counterparties[id]
	if !ok {
		return nil, fmt.Errorf("counterparty %d: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListPortfolios(_ context.Context) ([]model.Portfolio, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Portfolio, 0, len(s.portfolios))
	for _, p := range s.portfolios {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListSecurities(_ context.Context) ([]model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Security, 0, len(s.securities))
	for _, sec := range s.securities {
		out = append(out, *sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListCounterparties(_ context.Context) ([]model.Counterparty, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Counterparty, 0, len(s.counterparties))
	for _, c := range s.counterparties {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) InsertPortfolio(_ context.Context, p *model.Portfolio) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPortfolioID++
	cp := *p
	cp.ID = s.nextPortfolioID
	s.portfolios[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) InsertSecurity(_ context.Context, sec *model.Security) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSecurityID++
	cp := *sec
	cp.ID = s.nextSecurityID
	s.securities[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) InsertCounterparty(_ context.Context, c *model.Counterparty) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextCounterpartyID++
	cp := *c
	cp.ID = s.nextCounterpartyID
	s.counterparties[cp.ID] = &cp
	return cp.ID, nil
}

func (s *MemoryStore) DeletePortfolio(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.portfolios[id]; !ok {
		return fmt.Errorf("portfolio %d: %w", id, ErrNotFound)
	}
	delete(s.portfolios, id)
	return nil
}

func (s *MemoryStore) DeleteSecurity(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.securities[id]; !ok {
		return fmt.Errorf("security %d: %w", id, ErrNotFound)
	}
	delete(s.securities, id)
	return nil
}

func (s *MemoryStore) DeleteCounterparty(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.counterparties[id]; !ok {
		return fmt.Errorf("counterparty %d: %w", id, ErrNotFound)
	}
	delete(s.counterparties, id)
	return nil
}

func (s *MemoryStore) IsReferenced(_ context.Context, kind RefKind, id int64) (bool, error) {
	if kind != RefPortfolio && kind != RefSecurity && kind != RefCounterparty {
		return false, fmt.Errorf("unknown catalog kind %q", kind)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.trades {
		switch kind {
		case RefPortfolio:
			if t.PortfolioID == id {
				return true, nil
			}
		case RefSecurity:
			if t.SecurityID == id {
				return true, nil
			}
		case RefCounterparty:
			if t.CounterpartyID != nil && *t.CounterpartyID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func flatPosition(key model.PositionKey) model.Position {
	return model.Position{
		PortfolioID: key.PortfolioID,
		SecurityID:  key.SecurityID,
		NetQuantity: decimal.Zero,
		AverageCost: decimal.Zero,
	}
}
