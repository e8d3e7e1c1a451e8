package trading

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/ledger-engine/internal/lifecycle"
	"github.com/tradedesk/ledger-engine/internal/model"
	"github.com/tradedesk/ledger-engine/internal/store"
)

// AddTradeRequest is the JSON body for POST /trades. Side accepts the long
// forms BUY/SELL and the single-letter forms B/S.
type AddTradeRequest struct {
	PortfolioID    int64           `json:"portfolio_id"`
	SecurityID     int64           `json:"security_id"`
	Side           string          `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	CounterpartyID *int64          `json:"counterparty_id,omitempty"`
}

// ReplaceTradeRequest is the JSON body for POST /trades/{tradeID}/replace.
// Only quantity and price can change; side, portfolio, and security changes
// require cancel plus a new trade.
type ReplaceTradeRequest struct {
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// PositionSummary is one row of the positions overview, joined with catalog
// names and the total cost of the holding.
type PositionSummary struct {
	PortfolioID   int64           `json:"portfolio_id"`
	PortfolioName string          `json:"portfolio_name"`
	SecurityID    int64           `json:"security_id"`
	Symbol        string          `json:"symbol"`
	NetQuantity   decimal.Decimal `json:"net_quantity"`
	AverageCost   decimal.Decimal `json:"average_cost"`
	CostTotal     decimal.Decimal `json:"cost_total"`
}

// Routes returns the router for the trading API.
func (s *Service) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/trades", s.handleListTrades)
	r.Post("/trades", s.handleAddTrade)
	r.Get("/trades/{tradeID}", s.handleGetTrade)
	r.Post("/trades/{tradeID}/cancel", s.handleCancelTrade)
	r.Post("/trades/{tradeID}/replace", s.handleReplaceTrade)

	r.Get("/positions", s.handleListPositions)
	r.Get("/audit", s.handleListAudit)

	s.catalogRoutes(r)

	if s.hub != nil {
		r.Get("/ws", s.hub.HandleWS)
	}
	return r
}

func (s *Service) handleAddTrade(w http.ResponseWriter, r *http.Request) {
	var req AddTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	trade, err := s.AddTrade(r.Context(), AddTradeInput{
		PortfolioID:    req.PortfolioID,
		SecurityID:     req.SecurityID,
		Side:           normalizeSide(req.Side),
		Quantity:       req.Quantity,
		Price:          req.Price,
		CounterpartyID: req.CounterpartyID,
	}, actorFrom(r))
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}

	writeJSON(w, http.StatusCreated, trade)
}

func (s *Service) handleCancelTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}

	trade, err := s.CancelTrade(r.Context(), id, actorFrom(r))
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Service) handleReplaceTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}

	var req ReplaceTradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	successor, err := s.ReplaceTrade(r.Context(), id, req.Quantity, req.Price, actorFrom(r))
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, successor)
}

func (s *Service) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	id, ok := tradeIDParam(w, r)
	if !ok {
		return
	}

	trade, err := s.store.GetTrade(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), httpStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, trade)
}

func (s *Service) handleListTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.store.ListTrades(r.Context())
	if err != nil {
		writeError(w, "failed to list trades", http.StatusInternalServerError)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// handleListPositions serves both the single-key query
// (?portfolio_id=&security_id=) and the full summary when no key is given.
func (s *Service) handleListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("portfolio_id") != "" || q.Get("security_id") != "" {
		s.handleGetPosition(w, r)
		return
	}

	ctx := r.Context()
	positions, err := s.store.ListPositions(ctx)
	if err != nil {
		writeError(w, "failed to list positions", http.StatusInternalServerError)
		return
	}

	portfolios, err := s.store.ListPortfolios(ctx)
	if err != nil {
		writeError(w, "failed to list portfolios", http.StatusInternalServerError)
		return
	}
	securities, err := s.store.ListSecurities(ctx)
	if err != nil {
		writeError(w, "failed to list securities", http.StatusInternalServerError)
		return
	}

	names := make(map[int64]string, len(portfolios))
	for _, p := range portfolios {
		names[p.ID] = p.Name
	}
	symbols := make(map[int64]string, len(securities))
	for _, sec := range securities {
		symbols[sec.ID] = sec.Symbol
	}

	summary := make([]PositionSummary, 0, len(positions))
	for _, pos := range positions {
		summary = append(summary, PositionSummary{
			PortfolioID:   pos.PortfolioID,
			PortfolioName: names[pos.PortfolioID],
			SecurityID:    pos.SecurityID,
			Symbol:        symbols[pos.SecurityID],
			NetQuantity:   pos.NetQuantity,
			AverageCost:   pos.AverageCost,
			CostTotal:     pos.NetQuantity.Mul(pos.AverageCost),
		})
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Service) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pid, err := strconv.ParseInt(q.Get("portfolio_id"), 10, 64)
	if err != nil {
		writeError(w, "portfolio_id must be an integer", http.StatusBadRequest)
		return
	}
	sid, err := strconv.ParseInt(q.Get("security_id"), 10, 64)
	if err != nil {
		writeError(w, "security_id must be an integer", http.StatusBadRequest)
		return
	}

	pos, err := s.GetPosition(r.Context(), model.PositionKey{PortfolioID: pid, SecurityID: sid})
	if err != nil {
		writeError(w, "failed to load position", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Service) handleListAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListAudit(r.Context())
	if err != nil {
		writeError(w, "failed to list audit entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- Helpers ---

// normalizeSide maps the accepted side spellings onto the canonical values.
// Unknown input passes through and fails validation downstream.
func normalizeSide(raw string) model.Side {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "B", "BUY":
		return model.SideBuy
	case "S", "SELL":
		return model.SideSell
	default:
		return model.Side(raw)
	}
}

// actorFrom extracts the caller identity from the X-Actor header.
func actorFrom(r *http.Request) string {
	if actor := strings.TrimSpace(r.Header.Get("X-Actor")); actor != "" {
		return actor
	}
	return DefaultActor
}

func tradeIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tradeID"), 10, 64)
	if err != nil {
		writeError(w, "trade id must be an integer", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// httpStatus maps the error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidState):
		return http.StatusConflict
	case store.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// rejectReason labels rejected mutations for metrics.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, lifecycle.ErrValidation):
		return "validation"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, lifecycle.ErrInvalidState):
		return "invalid_state"
	default:
		return "storage"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
