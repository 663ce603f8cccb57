package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/site-ledger/internal/adapter/storage"
	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/core/service"
)

type testEnv struct {
	store  *storage.Store
	ledger *service.LedgerService
	server *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store, err := storage.Open(context.Background(), storage.Options{
		Driver:  "sqlite3",
		DSN:     filepath.Join(t.TempDir(), "ledger.db"),
		Migrate: true,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := service.NewLedgerService(service.Deps{
		Wallets:     store.Wallets(),
		BudgetLines: store.BudgetLines(),
		Inventory:   store.Inventory(),
	})
	srv := httptest.NewServer(NewHTTPHandler(ledger, store, nil).Routes())
	t.Cleanup(srv.Close)
	return &testEnv{store: store, ledger: ledger, server: srv}
}

func (e *testEnv) do(t *testing.T, method, path, roles string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerUserID, "u-1")
	if roles != "" {
		req.Header.Set(headerUserRoles, roles)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHTTPHandler_HealthCheck(t *testing.T) {
	env := newTestEnv(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", "", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestHTTPHandler_WalletFlow(t *testing.T) {
	env := newTestEnv(t)

	var m MovementView
	status := env.do(t, http.MethodPost, "/api/projects/p1/wallet/ingress", "", map[string]string{
		"amount": "500", "reference": "advance", "evidence_ref": "bank-001",
	}, &m)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "500.0000", m.Amount)

	status = env.do(t, http.MethodPost, "/api/projects/p1/wallet/egress", "", map[string]string{
		"amount": "120.5", "reference": "fuel",
	}, &m)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, m.PendingEvidence)
	pendingID := m.ID

	var errResp ErrorResponse
	status = env.do(t, http.MethodPost, "/api/projects/p1/wallet/egress", "", map[string]string{
		"amount": "1000", "reference": "too much",
	}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(domain.KindInsufficientFunds), errResp.Error)

	status = env.do(t, http.MethodPost, "/api/projects/p1/wallet/movements/"+pendingID+"/evidence", "", map[string]string{
		"evidence_ref": "invoice.pdf",
	}, &m)
	require.Equal(t, http.StatusOK, status)
	assert.False(t, m.PendingEvidence)

	var w WalletView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/projects/p1/wallet", "", nil, &w))
	assert.Equal(t, "379.5000", w.Balance)
	assert.Zero(t, w.PendingEvidence)
	assert.Len(t, w.Movements, 2)
	assert.Equal(t, int64(2), w.Version)
}

func TestHTTPHandler_EvidenceThreshold(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/projects/p1/wallet/ingress", "",
		map[string]string{"amount": "100", "reference": "seed"}, nil))
	for i := 0; i < domain.MaxPendingEvidence; i++ {
		require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/projects/p1/wallet/egress", "",
			map[string]string{"amount": "1", "reference": "petty"}, nil))
	}
	var errResp ErrorResponse
	status := env.do(t, http.MethodPost, "/api/projects/p1/wallet/egress", "",
		map[string]string{"amount": "1", "reference": "petty"}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(domain.KindEvidenceThresholdExceeded), errResp.Error)
}

func TestHTTPHandler_BudgetAndInventory(t *testing.T) {
	env := newTestEnv(t)

	var line BudgetLineView
	status := env.do(t, http.MethodPost, "/api/budget-lines", "", map[string]string{
		"budget_id": "b1", "code": "02.01", "description": "Cement", "budgeted_amount": "1000",
	}, &line)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "1000.0000", line.Available)

	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/budget-lines/"+line.ID+"/reserve", "",
		map[string]string{"amount": "300"}, &line))
	assert.Equal(t, "300.0000", line.ReservedAmount)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/budget-lines/"+line.ID+"/execute", "",
		map[string]string{"amount": "200"}, &line))
	assert.Equal(t, "100.0000", line.ReservedAmount)
	assert.Equal(t, "200.0000", line.ExecutedAmount)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/api/budget-lines/"+line.ID+"/release", "",
		map[string]string{"amount": "500"}, &line))
	assert.Equal(t, "0.0000", line.ReservedAmount)

	var errResp ErrorResponse
	status = env.do(t, http.MethodPost, "/api/budget-lines/"+line.ID+"/execute-direct", "",
		map[string]string{"amount": "900"}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(domain.KindBudgetExceeded), errResp.Error)

	var mv InventoryMovementView
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/projects/p1/inventory/cement/receive", "",
		map[string]string{"quantity": "10", "unit_price": "25", "document_ref": "GR-1"}, &mv))
	assert.Equal(t, "25.0000", mv.UnitPrice)

	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/projects/p1/inventory/cement/issue", "",
		map[string]string{"quantity": "4", "budget_line_id": line.ID, "reference": "OUT-1"}, &mv))
	assert.Equal(t, "100.0000", mv.ActualCost)

	var tr TransferView
	require.Equal(t, http.StatusAccepted, env.do(t, http.MethodPost, "/api/projects/p1/inventory/cement/transfer", "",
		map[string]string{"quantity": "2", "destination_project_id": "p2"}, &tr))
	assert.Equal(t, "25.0000", tr.UnitCost)

	status = env.do(t, http.MethodPost, "/api/projects/p1/inventory/cement/issue", "",
		map[string]string{"quantity": "50", "budget_line_id": line.ID}, &errResp)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(domain.KindInsufficientQuantity), errResp.Error)

	var pos PositionView
	require.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/projects/p1/inventory/cement", "", nil, &pos))
	assert.Equal(t, "4.0000", pos.QuantityOnHand)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/projects/p2/inventory/cement", "", nil, nil),
		"destination receipt is applied by the consumer")
}

func TestHTTPHandler_AdjustRequiresRole(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/projects/p1/inventory/sand/receive", "",
		map[string]string{"quantity": "10", "unit_price": "3"}, nil))

	body := map[string]string{"quantity": "-2", "justification": "two bags ruined by rain on site", "reference": "CNT-9"}
	var errResp ErrorResponse
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/api/projects/p1/inventory/sand/adjust", "SITE_ENGINEER", body, &errResp))
	assert.Equal(t, string(domain.KindForbidden), errResp.Error)

	var mv InventoryMovementView
	require.Equal(t, http.StatusCreated, env.do(t, http.MethodPost, "/api/projects/p1/inventory/sand/adjust", "site_engineer, ADMIN_BODEGA", body, &mv))
	assert.Equal(t, "-2.0000", mv.Quantity)
	assert.Equal(t, "3.0000", mv.UnitPrice)
}

func TestHTTPHandler_RejectsBadInput(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodPost, env.server.URL+"/api/projects/p1/wallet/ingress", bytes.NewBufferString(`{"amount": "1"}`))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "no user header")

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/projects/p1/wallet/ingress", "", "not an object", nil))
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/api/projects/p1/wallet/ingress", "",
		map[string]string{"amount": "-5"}, nil))
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/budget-lines/nope", "", nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodDelete, "/api/budget-lines/nope", "", nil, nil))
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrOptimisticConflict))
	assert.Equal(t, http.StatusConflict, statusFor(domain.ErrAlreadyApplied))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestActor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, actorFrom(req))

	req.Header.Set(headerUserID, " u-9 ")
	req.Header.Set(headerUserRoles, "project_manager,,")
	sec := actorFrom(req)
	require.NotNil(t, sec)
	assert.Equal(t, "u-9", sec.CurrentUserID())
	assert.True(t, sec.HasRole("PROJECT_MANAGER"))
	assert.False(t, sec.HasRole("ADMIN_BODEGA"))
}
