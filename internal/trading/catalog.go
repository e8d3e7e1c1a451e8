package trading

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/tradedesk/ledger-engine/internal/model"
	"github.com/tradedesk/ledger-engine/internal/store"
)

// Catalog handlers. Portfolios, securities and counterparties are reference
// data the ledger looks up but does not own; deletes are refused while any
// trade still references the row.

func (s *Service) catalogRoutes(r chi.Router) {
	r.Get("/portfolios", s.handleListPortfolios)
	r.Post("/portfolios", s.handleCreatePortfolio)
	r.Delete("/portfolios/{id}", s.catalogDelete(store.RefPortfolio))

	r.Get("/securities", s.handleListSecurities)
	r.Post("/securities", s.handleCreateSecurity)
	r.Delete("/securities/{id}", s.catalogDelete(store.RefSecurity))

	r.Get("/counterparties", s.handleListCounterparties)
	r.Post("/counterparties", s.handleCreateCounterparty)
	r.Delete("/counterparties/{id}", s.catalogDelete(store.RefCounterparty))
}

func (s *Service) handleListPortfolios(w http.ResponseWriter, r *http.Request) {
	portfolios, err := s.store.ListPortfolios(r.Context())
	if err != nil {
		writeError(w, "failed to list portfolios", http.StatusInternalServerError)
		return
	}
	if portfolios == nil {
		portfolios = []model.Portfolio{}
	}
	writeJSON(w, http.StatusOK, portfolios)
}

func (s *Service) handleCreatePortfolio(w http.ResponseWriter, r *http.Request) {
	var p model.Portfolio
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if p.BaseCurrency = strings.ToUpper(strings.TrimSpace(p.BaseCurrency)); p.BaseCurrency == "" {
		p.BaseCurrency = "USD"
	}

	id, err := s.store.InsertPortfolio(r.Context(), &p)
	if err != nil {
		writeError(w, "failed to create portfolio", http.StatusInternalServerError)
		return
	}
	p.ID = id
	writeJSON(w, http.StatusCreated, p)
}

func (s *Service) handleListSecurities(w http.ResponseWriter, r *http.Request) {
	securities, err := s.store.ListSecurities(r.Context())
	if err != nil {
		writeError(w, "failed to list securities", http.StatusInternalServerError)
		return
	}
	if securities == nil {
		securities = []model.Security{}
	}
	writeJSON(w, http.StatusOK, securities)
}

func (s *Service) handleCreateSecurity(w http.ResponseWriter, r *http.Request) {
	var sec model.Security
	if err := json.NewDecoder(r.Body).Decode(&sec); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	sec.Symbol = strings.ToUpper(strings.TrimSpace(sec.Symbol))
	if sec.Symbol == "" {
		writeError(w, "symbol is required", http.StatusBadRequest)
		return
	}
	if sec.SecType = strings.ToUpper(strings.TrimSpace(sec.SecType)); sec.SecType == "" {
		sec.SecType = "EQUITY"
	}
	if sec.Currency = strings.ToUpper(strings.TrimSpace(sec.Currency)); sec.Currency == "" {
		sec.Currency = "USD"
	}

	id, err := s.store.InsertSecurity(r.Context(), &sec)
	if err != nil {
		writeError(w, "failed to create security", http.StatusInternalServerError)
		return
	}
	sec.ID = id
	writeJSON(w, http.StatusCreated, sec)
}

func (s *Service) handleListCounterparties(w http.ResponseWriter, r *http.Request) {
	counterparties, err := s.store.ListCounterparties(r.Context())
	if err != nil {
		writeError(w, "failed to list counterparties", http.StatusInternalServerError)
		return
	}
	if counterparties == nil {
		counterparties = []model.Counterparty{}
	}
	writeJSON(w, http.StatusOK, counterparties)
}

func (s *Service) handleCreateCounterparty(w http.ResponseWriter, r *http.Request) {
	var c model.Counterparty
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}

	id, err := s.store.InsertCounterparty(r.Context(), &c)
	if err != nil {
		writeError(w, "failed to create counterparty", http.StatusInternalServerError)
		return
	}
	c.ID = id
	writeJSON(w, http.StatusCreated, c)
}

// catalogDelete builds a delete handler for one catalog kind. The
// is-referenced check is explicit rather than relying on a foreign-key
// failure, so the caller gets a readable conflict message.
func (s *Service) catalogDelete(kind store.RefKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			writeError(w, "id must be an integer", http.StatusBadRequest)
			return
		}

		ctx := r.Context()
		referenced, err := s.store.IsReferenced(ctx, kind, id)
		if err != nil {
			writeError(w, "failed to check references", http.StatusInternalServerError)
			return
		}
		if referenced {
			writeError(w, fmt.Sprintf("%s %d is referenced by existing trades", kind, id), http.StatusConflict)
			return
		}

		var delErr error
		switch kind {
		case store.RefPortfolio:
			delErr = s.store.DeletePortfolio(ctx, id)
		case store.RefSecurity:
			delErr = s.store.DeleteSecurity(ctx, id)
		case store.RefCounterparty:
			delErr = s.store.DeleteCounterparty(ctx, id)
		}
		if delErr != nil {
			writeError(w, delErr.Error(), httpStatus(delErr))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
