package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradedesk/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store with a Redis read-through cache for
// position and catalog reads. Transactions pass straight through to the
// primary; the trading facade invalidates the touched position key after a
// successful commit. Cache failures never fail a request; reads fall back
// to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

var _ Store = (*CachedStore)(nil)

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{primary: primary, rdb: rdb, ttl: ttl}
}

// WithinTx passes through; commit/rollback semantics are the primary's.
func (s *CachedStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.primary.WithinTx(ctx, fn)
}

// InvalidatePosition drops the cached position for key. Called by the
// facade after a committed mutation.
func (s *CachedStore) InvalidatePosition(ctx context.Context, key model.PositionKey) {
	s.rdb.Del(ctx, positionCacheKey(key))
}

// --- Cached reads ---

func (s *CachedStore) GetPosition(ctx context.Context, key model.PositionKey) (model.Position, error) {
	data, err := s.rdb.Get(ctx, positionCacheKey(key)).Bytes()
	if err == nil {
		var pos model.Position
		if json.Unmarshal(data, &pos) == nil {
			return pos, nil
		}
	}

	pos, err := s.primary.GetPosition(ctx, key)
	if err != nil {
		return model.Position{}, err
	}
	if data, err := json.Marshal(pos); err == nil {
		s.rdb.Set(ctx, positionCacheKey(key), data, s.ttl)
	}
	return pos, nil
}

func (s *CachedStore) ListPortfolios(ctx context.Context) ([]model.Portfolio, error) {
	var out []model.Portfolio
	if s.cachedList(ctx, "catalog:portfolios", &out) {
		return out, nil
	}
	out, err := s.primary.ListPortfolios(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheList(ctx, "catalog:portfolios", out)
	return out, nil
}

func (s *CachedStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	var out []model.Security
	if s.cachedList(ctx, "catalog:securities", &out) {
		return out, nil
	}
	out, err := s.primary.ListSecurities(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheList(ctx, "catalog:securities", out)
	return out, nil
}

func (s *CachedStore) ListCounterparties(ctx context.Context) ([]model.Counterparty, error) {
	var out []model.Counterparty
	if s.cachedList(ctx, "catalog:counterparties", &out) {
		return out, nil
	}
	out, err := s.primary.ListCounterparties(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheList(ctx, "catalog:counterparties", out)
	return out, nil
}

// --- Catalog writes (invalidate list caches) ---

func (s *CachedStore) InsertPortfolio(ctx context.Context, p *model.Portfolio) (int64, error) {
	id, err := s.primary.InsertPortfolio(ctx, p)
	if err == nil {
		s.rdb.Del(ctx, "catalog:portfolios")
	}
	return id, err
}

func (s *CachedStore) InsertSecurity(ctx context.Context, sec *model.Security) (int64, error) {
	id, err := s.primary.InsertSecurity(ctx, sec)
	if err == nil {
		s.rdb.Del(ctx, "catalog:securities")
	}
	return id, err
}

func (s *CachedStore) InsertCounterparty(ctx context.Context, c *model.Counterparty) (int64, error) {
	id, err := s.primary.InsertCounterparty(ctx, c)
	if err == nil {
		s.rdb.Del(ctx, "catalog:counterparties")
	}
	return id, err
}

func (s *CachedStore) DeletePortfolio(ctx context.Context, id int64) error {
	err := s.primary.DeletePortfolio(ctx, id)
	if err == nil {
		s.rdb.Del(ctx, "catalog:portfolios")
	}
	return err
}

func (s *CachedStore) DeleteSecurity(ctx context.Context, id int64) error {
	err := s.primary.DeleteSecurity(ctx, id)
	if err == nil {
		s.rdb.Del(ctx, "catalog:securities")
	}
	return err
}

func (s *CachedStore) DeleteCounterparty(ctx context.Context, id int64) error {
	err := s.primary.DeleteCounterparty(ctx, id)
	if err == nil {
		s.rdb.Del(ctx, "catalog:counterparties")
	}
	return err
}

// --- Passthrough (not cached) ---

func (s *CachedStore) GetTrade(ctx context.Context, id int64) (*model.Trade, error) {
	return s.primary.GetTrade(ctx, id)
}

func (s *CachedStore) ListTrades(ctx context.Context) ([]model.Trade, error) {
	return s.primary.ListTrades(ctx)
}

func (s *CachedStore) ListPositions(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListPositions(ctx)
}

func (s *CachedStore) ListAudit(ctx context.Context) ([]model.AuditEntry, error) {
	return s.primary.ListAudit(ctx)
}

func (s *CachedStore) GetPortfolio(ctx context.Context, id int64) (*model.Portfolio, error) {
	return s.primary.GetPortfolio(ctx, id)
}

func (s *CachedStore) GetSecurity(ctx context.Context, id int64) (*model.Security, error) {
	return s.primary.GetSecurity(ctx, id)
}

func (s *CachedStore) GetCounterparty(ctx context.Context, id int64) (*model.Counterparty, error) {
	return s.primary.GetCounterparty(ctx, id)
}

func (s *CachedStore) IsReferenced(ctx context.Context, kind RefKind, id int64) (bool, error) {
	return s.primary.IsReferenced(ctx, kind, id)
}

// --- Cache helpers ---

func (s *CachedStore) cachedList(ctx context.Context, key string, dest any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dest) == nil
}

func (s *CachedStore) cacheList(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func positionCacheKey(key model.PositionKey) string {
	return fmt.Sprintf("position:%d:%d", key.PortfolioID, key.SecurityID)
}
