package trading_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tradedesk/ledger-engine/internal/model"
	"github.com/tradedesk/ledger-engine/internal/store"
	"github.com/tradedesk/ledger-engine/internal/trading"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type env struct {
	svc *trading.Service
	ms  *store.MemoryStore
	r   chi.Router

	portfolioID    int64
	securityID     int64
	counterpartyID int64
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()

	ms := store.NewMemoryStore()
	pid, err := ms.InsertPortfolio(ctx, &model.Portfolio{Name: "Global Macro", BaseCurrency: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	sid, err := ms.InsertSecurity(ctx, &model.Security{Symbol: "AAPL", SecType: "EQUITY", Currency: "USD"})
	if err != nil {
		t.Fatal(err)
	}
	cpid, err := ms.InsertCounterparty(ctx, &model.Counterparty{Name: "Broker One"})
	if err != nil {
		t.Fatal(err)
	}

	svc := trading.NewService(ms, nil)
	r := chi.NewRouter()
	r.Mount("/api/v1", svc.Routes())

	return &env{svc: svc, ms: ms, r: r, portfolioID: pid, securityID: sid, counterpartyID: cpid}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.r.ServeHTTP(rec, req)
	return rec
}

func decodeTrade(t *testing.T, rec *httptest.ResponseRecorder) model.Trade {
	t.Helper()
	var tr model.Trade
	if err := json.NewDecoder(rec.Body).Decode(&tr); err != nil {
		t.Fatalf("decode trade: %v (body %s)", err, rec.Body.String())
	}
	return tr
}

func (e *env) addTrade(t *testing.T, side string, qty, price float64) model.Trade {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/trades", trading.AddTradeRequest{
		PortfolioID: e.portfolioID,
		SecurityID:  e.securityID,
		Side:        side,
		Quantity:    d(qty),
		Price:       d(price),
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add trade: status %d, body %s", rec.Code, rec.Body.String())
	}
	return decodeTrade(t, rec)
}

func (e *env) position(t *testing.T) model.Position {
	t.Helper()
	pos, err := e.svc.GetPosition(context.Background(),
		model.PositionKey{PortfolioID: e.portfolioID, SecurityID: e.securityID})
	if err != nil {
		t.Fatal(err)
	}
	return pos
}

func (e *env) auditEntries(t *testing.T) []model.AuditEntry {
	t.Helper()
	entries, err := e.ms.ListAudit(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestAddTradeEndpoint(t *testing.T) {
	e := newTestEnv(t)

	tr := e.addTrade(t, "BUY", 100, 10)
	if tr.ID != 1 {
		t.Errorf("first ledger id: got %d, want 1", tr.ID)
	}
	if tr.Status != model.StatusNew {
		t.Errorf("status: got %s, want NEW", tr.Status)
	}
	if tr.ExternalRef == "" {
		t.Error("external ref missing")
	}

	pos := e.position(t)
	if !pos.NetQuantity.Equal(d(100)) || !pos.AverageCost.Equal(d(10)) {
		t.Errorf("position: got (%s, %s), want (100, 10)", pos.NetQuantity, pos.AverageCost)
	}

	audit := e.auditEntries(t)
	if len(audit) != 1 {
		t.Fatalf("audit entries: got %d, want 1", len(audit))
	}
	if audit[0].Action != model.ActionAddTrade || audit[0].RefID != tr.ID {
		t.Errorf("audit entry: %+v", audit[0])
	}
	if audit[0].Actor != trading.DefaultActor {
		t.Errorf("actor: got %q, want %q", audit[0].Actor, trading.DefaultActor)
	}
}

func TestAddTrade_SideSpellings(t *testing.T) {
	e := newTestEnv(t)

	if tr := e.addTrade(t, "b", 10, 5); tr.Side != model.SideBuy {
		t.Errorf("side b: got %s", tr.Side)
	}
	if tr := e.addTrade(t, "S", 10, 5); tr.Side != model.SideSell {
		t.Errorf("side S: got %s", tr.Side)
	}
	if tr := e.addTrade(t, " sell ", 10, 5); tr.Side != model.SideSell {
		t.Errorf("side ' sell ': got %s", tr.Side)
	}
}

func TestAddTrade_Validation(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name string
		req  trading.AddTradeRequest
	}{
		{"zero quantity", trading.AddTradeRequest{PortfolioID: e.portfolioID, SecurityID: e.securityID, Side: "BUY", Quantity: decimal.Zero, Price: d(10)}},
		{"negative price", trading.AddTradeRequest{PortfolioID: e.portfolioID, SecurityID: e.securityID, Side: "SELL", Quantity: d(10), Price: d(-1)}},
		{"bad side", trading.AddTradeRequest{PortfolioID: e.portfolioID, SecurityID: e.securityID, Side: "HOLD", Quantity: d(10), Price: d(10)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, "/trades", tc.req, nil)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status: got %d, want 400 (body %s)", rec.Code, rec.Body.String())
			}
		})
	}

	// Rejected attempts leave no trace: no trade, no audit, flat position.
	if len(e.auditEntries(t)) != 0 {
		t.Error("rejected mutations produced audit entries")
	}
	if rec := e.do(t, http.MethodGet, "/trades/1", nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("phantom trade persisted: status %d", rec.Code)
	}
	if pos := e.position(t); !pos.Flat() {
		t.Errorf("position moved on rejected trades: %+v", pos)
	}
}

func TestAddTrade_UnknownReferences(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/trades", trading.AddTradeRequest{
		PortfolioID: 999, SecurityID: e.securityID, Side: "BUY", Quantity: d(10), Price: d(10),
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown portfolio: got %d, want 404", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/trades", trading.AddTradeRequest{
		PortfolioID: e.portfolioID, SecurityID: 999, Side: "BUY", Quantity: d(10), Price: d(10),
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown security: got %d, want 404", rec.Code)
	}

	bad := int64(999)
	rec = e.do(t, http.MethodPost, "/trades", trading.AddTradeRequest{
		PortfolioID: e.portfolioID, SecurityID: e.securityID, Side: "BUY",
		Quantity: d(10), Price: d(10), CounterpartyID: &bad,
	}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown counterparty: got %d, want 404", rec.Code)
	}

	if len(e.auditEntries(t)) != 0 {
		t.Error("rejected mutations produced audit entries")
	}
}

func TestCancelTradeEndpoint(t *testing.T) {
	e := newTestEnv(t)
	tr := e.addTrade(t, "BUY", 100, 10)

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/cancel", tr.ID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d, body %s", rec.Code, rec.Body.String())
	}
	cancelled := decodeTrade(t, rec)
	if cancelled.Status != model.StatusCancelled {
		t.Errorf("status: got %s, want CANCELLED", cancelled.Status)
	}

	// The only trade is gone from the surviving history.
	if pos := e.position(t); !pos.Flat() || !pos.AverageCost.IsZero() {
		t.Errorf("position after cancel: got (%s, %s), want (0, 0)", pos.NetQuantity, pos.AverageCost)
	}

	audit := e.auditEntries(t)
	if len(audit) != 2 {
		t.Fatalf("audit entries: got %d, want 2", len(audit))
	}
	// Newest first.
	if audit[0].Action != model.ActionCancelTrade || audit[0].RefID != tr.ID {
		t.Errorf("cancel audit entry: %+v", audit[0])
	}

	// Cancel is not idempotent: a second cancel conflicts.
	rec = e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/cancel", tr.ID), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second cancel: got %d, want 409", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/trades/999/cancel", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cancel unknown trade: got %d, want 404", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/trades/abc/cancel", nil, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("cancel non-integer id: got %d, want 400", rec.Code)
	}

	// Failed cancels appended nothing.
	if got := len(e.auditEntries(t)); got != 2 {
		t.Errorf("audit entries after failed cancels: got %d, want 2", got)
	}
}

func TestCancelRestoresPriorBasis(t *testing.T) {
	e := newTestEnv(t)
	e.addTrade(t, "BUY", 100, 10)
	second := e.addTrade(t, "BUY", 50, 13)

	// (100*10 + 50*13) / 150 = 11 before the cancel.
	if pos := e.position(t); !pos.AverageCost.Equal(d(11)) {
		t.Fatalf("basis before cancel: got %s, want 11", pos.AverageCost)
	}

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/cancel", second.ID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel: status %d", rec.Code)
	}

	// Recomputed from the surviving history, not reversed as a delta.
	pos := e.position(t)
	if !pos.NetQuantity.Equal(d(100)) || !pos.AverageCost.Equal(d(10)) {
		t.Errorf("position after cancel: got (%s, %s), want (100, 10)", pos.NetQuantity, pos.AverageCost)
	}
}

func TestReplaceTradeEndpoint(t *testing.T) {
	e := newTestEnv(t)
	orig := e.addTrade(t, "BUY", 100, 10)

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/replace", orig.ID),
		trading.ReplaceTradeRequest{Quantity: d(150), Price: d(12)}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace: status %d, body %s", rec.Code, rec.Body.String())
	}
	successor := decodeTrade(t, rec)

	if successor.ID == orig.ID {
		t.Error("successor reused the original id")
	}
	if successor.Status != model.StatusNew {
		t.Errorf("successor status: got %s, want NEW", successor.Status)
	}
	if !successor.Quantity.Equal(d(150)) || !successor.Price.Equal(d(12)) {
		t.Errorf("successor economics: got (%s, %s), want (150, 12)", successor.Quantity, successor.Price)
	}
	if successor.Side != orig.Side || successor.PortfolioID != orig.PortfolioID || successor.SecurityID != orig.SecurityID {
		t.Error("successor did not carry the original's identity fields")
	}

	rec = e.do(t, http.MethodGet, fmt.Sprintf("/trades/%d", orig.ID), nil, nil)
	retired := decodeTrade(t, rec)
	if retired.Status != model.StatusReplaced {
		t.Errorf("original status: got %s, want REPLACED", retired.Status)
	}
	if retired.ReplacedBy == nil || *retired.ReplacedBy != successor.ID {
		t.Errorf("original replaced_by: got %v, want %d", retired.ReplacedBy, successor.ID)
	}

	// Only the successor survives in the history.
	pos := e.position(t)
	if !pos.NetQuantity.Equal(d(150)) || !pos.AverageCost.Equal(d(12)) {
		t.Errorf("position after replace: got (%s, %s), want (150, 12)", pos.NetQuantity, pos.AverageCost)
	}

	// One audit entry for the whole replace, referencing the original.
	audit := e.auditEntries(t)
	if len(audit) != 2 {
		t.Fatalf("audit entries: got %d, want 2 (add + replace)", len(audit))
	}
	rep := audit[0]
	if rep.Action != model.ActionReplaceTrade || rep.RefID != orig.ID {
		t.Errorf("replace audit entry: %+v", rep)
	}
	if want := fmt.Sprintf("replaced_by=%d", successor.ID); rep.Detail != want {
		t.Errorf("replace detail: got %q, want %q", rep.Detail, want)
	}
}

func TestReplaceTrade_Rejections(t *testing.T) {
	e := newTestEnv(t)
	tr := e.addTrade(t, "SELL", 40, 25)

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/replace", tr.ID),
		trading.ReplaceTradeRequest{Quantity: decimal.Zero, Price: d(25)}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("zero quantity: got %d, want 400", rec.Code)
	}

	if rec := e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/cancel", tr.ID), nil, nil); rec.Code != http.StatusOK {
		t.Fatal("cancel failed")
	}
	rec = e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/replace", tr.ID),
		trading.ReplaceTradeRequest{Quantity: d(50), Price: d(25)}, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("replace cancelled trade: got %d, want 409", rec.Code)
	}

	rec = e.do(t, http.MethodPost, "/trades/999/replace",
		trading.ReplaceTradeRequest{Quantity: d(50), Price: d(25)}, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("replace unknown trade: got %d, want 404", rec.Code)
	}

	// add + cancel, nothing for the rejected replaces.
	if got := len(e.auditEntries(t)); got != 2 {
		t.Errorf("audit entries: got %d, want 2", got)
	}
}

func TestReplaceChain(t *testing.T) {
	e := newTestEnv(t)
	first := e.addTrade(t, "BUY", 100, 10)

	rec := e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/replace", first.ID),
		trading.ReplaceTradeRequest{Quantity: d(120), Price: d(11)}, nil)
	second := decodeTrade(t, rec)

	// A successor is a full trade: it can be replaced again.
	rec = e.do(t, http.MethodPost, fmt.Sprintf("/trades/%d/replace", second.ID),
		trading.ReplaceTradeRequest{Quantity: d(90), Price: d(10.5)}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("second replace: status %d", rec.Code)
	}
	third := decodeTrade(t, rec)

	// Lineage first -> second -> third via replaced_by pointers.
	a, err := e.ms.GetTrade(context.Background(), first.ID)
	if err != nil {
		t.Fatal(err)
	}
	if a.ReplacedBy == nil || *a.ReplacedBy != second.ID {
		t.Errorf("first.replaced_by: got %v, want %d", a.ReplacedBy, second.ID)
	}
	b, err := e.ms.GetTrade(context.Background(), second.ID)
	if err != nil {
		t.Fatal(err)
	}
	if b.Status != model.StatusReplaced || b.ReplacedBy == nil || *b.ReplacedBy != third.ID {
		t.Errorf("second trade: status %s replaced_by %v", b.Status, b.ReplacedBy)
	}

	// Only the head of the chain counts.
	pos := e.position(t)
	if !pos.NetQuantity.Equal(d(90)) || !pos.AverageCost.Equal(d(10.5)) {
		t.Errorf("position: got (%s, %s), want (90, 10.5)", pos.NetQuantity, pos.AverageCost)
	}
}

func TestPositionEndpoints(t *testing.T) {
	e := newTestEnv(t)

	// A key with no trades reads as flat, not as an error.
	rec := e.do(t, http.MethodGet,
		fmt.Sprintf("/positions?portfolio_id=%d&security_id=%d", e.portfolioID, e.securityID), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("empty position: status %d", rec.Code)
	}
	var pos model.Position
	if err := json.NewDecoder(rec.Body).Decode(&pos); err != nil {
		t.Fatal(err)
	}
	if !pos.NetQuantity.IsZero() || !pos.AverageCost.IsZero() {
		t.Errorf("empty position: got (%s, %s), want (0, 0)", pos.NetQuantity, pos.AverageCost)
	}

	e.addTrade(t, "BUY", 80, 12.5)

	rec = e.do(t, http.MethodGet, "/positions", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("positions summary: status %d", rec.Code)
	}
	var summary []trading.PositionSummary
	if err := json.NewDecoder(rec.Body).Decode(&summary); err != nil {
		t.Fatal(err)
	}
	if len(summary) != 1 {
		t.Fatalf("summary rows: got %d, want 1", len(summary))
	}
	row := summary[0]
	if row.PortfolioName != "Global Macro" || row.Symbol != "AAPL" {
		t.Errorf("summary names: %+v", row)
	}
	if !row.CostTotal.Equal(d(80).Mul(d(12.5))) {
		t.Errorf("cost total: got %s, want 1000", row.CostTotal)
	}
}

func TestActorHeaderRecorded(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/trades", trading.AddTradeRequest{
		PortfolioID: e.portfolioID, SecurityID: e.securityID, Side: "BUY",
		Quantity: d(10), Price: d(10),
	}, map[string]string{"X-Actor": "jsmith"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add: status %d", rec.Code)
	}

	audit := e.auditEntries(t)
	if len(audit) != 1 || audit[0].Actor != "jsmith" {
		t.Errorf("audit actor: %+v", audit)
	}
}

func TestCatalogEndpoints(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/portfolios", model.Portfolio{Name: "Rates"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create portfolio: status %d", rec.Code)
	}
	var p model.Portfolio
	if err := json.NewDecoder(rec.Body).Decode(&p); err != nil {
		t.Fatal(err)
	}
	if p.BaseCurrency != "USD" {
		t.Errorf("base currency default: got %q, want USD", p.BaseCurrency)
	}

	rec = e.do(t, http.MethodPost, "/securities", model.Security{Symbol: "msft"}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create security: status %d", rec.Code)
	}
	var sec model.Security
	if err := json.NewDecoder(rec.Body).Decode(&sec); err != nil {
		t.Fatal(err)
	}
	if sec.Symbol != "MSFT" || sec.SecType != "EQUITY" || sec.Currency != "USD" {
		t.Errorf("security defaults: %+v", sec)
	}

	rec = e.do(t, http.MethodPost, "/portfolios", model.Portfolio{Name: "  "}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("blank name: got %d, want 400", rec.Code)
	}

	// Unreferenced rows delete cleanly.
	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/portfolios/%d", p.ID), nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Errorf("delete unreferenced: got %d, want 204", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, "/portfolios/999", nil, nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("delete missing: got %d, want 404", rec.Code)
	}

	// Rows referenced by trades are protected.
	e.addTrade(t, "BUY", 10, 10)
	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/securities/%d", e.securityID), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("delete referenced security: got %d, want 409", rec.Code)
	}
	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/portfolios/%d", e.portfolioID), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("delete referenced portfolio: got %d, want 409", rec.Code)
	}
}

func TestConcurrentAddsSameKey(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.svc.AddTrade(ctx, trading.AddTradeInput{
				PortfolioID: e.portfolioID,
				SecurityID:  e.securityID,
				Side:        model.SideBuy,
				Quantity:    d(1),
				Price:       d(10),
			}, "loadgen")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent add: %v", err)
		}
	}

	// No lost updates: every accepted trade is reflected.
	pos := e.position(t)
	if !pos.NetQuantity.Equal(d(n)) {
		t.Errorf("net quantity: got %s, want %d", pos.NetQuantity, n)
	}
	if !pos.AverageCost.Equal(d(10)) {
		t.Errorf("average cost: got %s, want 10", pos.AverageCost)
	}
	if got := len(e.auditEntries(t)); got != n {
		t.Errorf("audit entries: got %d, want %d", got, n)
	}
}

// flakyStore fails WithinTx with a transient conflict a fixed number of times
// before delegating to the wrapped store.
type flakyStore struct {
	store.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyStore) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return fmt.Errorf("simulated conflict: %w", store.ErrTransient)
	}
	f.mu.Unlock()
	return f.Store.WithinTx(ctx, fn)
}

func TestRetryOnTransientConflict(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	flaky := &flakyStore{Store: e.ms, failures: 2}
	svc := trading.NewService(flaky, nil)
	svc.SetRetryPolicy(3, time.Millisecond)

	// Two conflicts, then success on the third attempt.
	tr, err := svc.AddTrade(ctx, trading.AddTradeInput{
		PortfolioID: e.portfolioID,
		SecurityID:  e.securityID,
		Side:        model.SideBuy,
		Quantity:    d(5),
		Price:       d(20),
	}, "retry-test")
	if err != nil {
		t.Fatalf("add with transient conflicts: %v", err)
	}
	if tr.ID == 0 {
		t.Error("trade not persisted after retries")
	}

	// Conflicts on every attempt surface as transient errors.
	flaky.mu.Lock()
	flaky.failures = 10
	flaky.mu.Unlock()

	_, err = svc.AddTrade(ctx, trading.AddTradeInput{
		PortfolioID: e.portfolioID,
		SecurityID:  e.securityID,
		Side:        model.SideBuy,
		Quantity:    d(5),
		Price:       d(20),
	}, "retry-test")
	if err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
	if !store.IsTransient(err) {
		t.Errorf("exhausted retries: want transient error, got %v", err)
	}
}
