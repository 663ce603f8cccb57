package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/rl1809/site-ledger/internal/core/domain"
	"github.com/rl1809/site-ledger/internal/core/service"
	"github.com/rl1809/site-ledger/internal/platform/logger"
	"github.com/rl1809/site-ledger/internal/port"
)

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type HTTPHandler struct {
	ledger *service.LedgerService
	health Pinger
	log    *logger.Logger
}

type walletMovementRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Reference   string          `json:"reference"`
	EvidenceRef string          `json:"evidence_ref"`
}

type evidenceRequest struct {
	EvidenceRef string `json:"evidence_ref"`
}

type createBudgetLineRequest struct {
	BudgetID       string          `json:"budget_id"`
	ParentID       string          `json:"parent_id"`
	Code           string          `json:"code"`
	Description    string          `json:"description"`
	BudgetedAmount decimal.Decimal `json:"budgeted_amount"`
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type receiveRequest struct {
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	DocumentRef string          `json:"document_ref"`
}

type issueRequest struct {
	Quantity     decimal.Decimal `json:"quantity"`
	BudgetLineID string          `json:"budget_line_id"`
	Reference    string          `json:"reference"`
}

type transferRequest struct {
	Quantity             decimal.Decimal `json:"quantity"`
	DestinationProjectID string          `json:"destination_project_id"`
	Reference            string          `json:"reference"`
}

type adjustRequest struct {
	Quantity      decimal.Decimal `json:"quantity"`
	Justification string          `json:"justification"`
	Reference     string          `json:"reference"`
}

type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewHTTPHandler(ledger *service.LedgerService, health Pinger, log *logger.Logger) *HTTPHandler {
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPHandler{ledger: ledger, health: health, log: log.With("component", "http")}
}

// Routes registers every endpoint on a new mux.
func (h *HTTPHandler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HealthCheck)

	mux.HandleFunc("GET /api/projects/{projectID}/wallet", h.GetWallet)
	mux.HandleFunc("POST /api/projects/{projectID}/wallet/ingress", h.Ingress)
	mux.HandleFunc("POST /api/projects/{projectID}/wallet/egress", h.Egress)
	mux.HandleFunc("POST /api/projects/{projectID}/wallet/movements/{movementID}/evidence", h.AttachEvidence)

	mux.HandleFunc("POST /api/budget-lines", h.CreateBudgetLine)
	mux.HandleFunc("GET /api/budget-lines/{lineID}", h.GetBudgetLine)
	mux.HandleFunc("POST /api/budget-lines/{lineID}/reserve", h.budgetOp(h.ledger.ReserveBudget))
	mux.HandleFunc("POST /api/budget-lines/{lineID}/release", h.budgetOp(h.ledger.ReleaseBudget))
	mux.HandleFunc("POST /api/budget-lines/{lineID}/execute", h.budgetOp(h.ledger.ExecuteBudget))
	mux.HandleFunc("POST /api/budget-lines/{lineID}/execute-direct", h.budgetOp(h.ledger.ExecuteBudgetDirect))

	mux.HandleFunc("GET /api/projects/{projectID}/inventory/{resourceID}", h.GetPosition)
	mux.HandleFunc("POST /api/projects/{projectID}/inventory/{resourceID}/receive", h.Receive)
	mux.HandleFunc("POST /api/projects/{projectID}/inventory/{resourceID}/issue", h.Issue)
	mux.HandleFunc("POST /api/projects/{projectID}/inventory/{resourceID}/transfer", h.Transfer)
	mux.HandleFunc("POST /api/projects/{projectID}/inventory/{resourceID}/adjust", h.Adjust)
	return mux
}

func (h *HTTPHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- wallet ---

func (h *HTTPHandler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.Wallet(r.Context(), r.PathValue("projectID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, walletView(wallet))
}

func (h *HTTPHandler) Ingress(w http.ResponseWriter, r *http.Request) {
	var req walletMovementRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.ledger.Ingress(r.Context(), actorFrom(r), r.PathValue("projectID"), req.Amount, req.Reference, req.EvidenceRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, movementView(m))
}

func (h *HTTPHandler) Egress(w http.ResponseWriter, r *http.Request) {
	var req walletMovementRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.ledger.Egress(r.Context(), actorFrom(r), r.PathValue("projectID"), req.Amount, req.Reference, req.EvidenceRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, movementView(m))
}

func (h *HTTPHandler) AttachEvidence(w http.ResponseWriter, r *http.Request) {
	var req evidenceRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.ledger.AttachEvidence(r.Context(), actorFrom(r), r.PathValue("projectID"), r.PathValue("movementID"), req.EvidenceRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, movementView(m))
}

// --- budget ---

func (h *HTTPHandler) CreateBudgetLine(w http.ResponseWriter, r *http.Request) {
	var req createBudgetLineRequest
	if !h.decode(w, r, &req) {
		return
	}
	line, err := h.ledger.CreateBudgetLine(r.Context(), actorFrom(r), domain.NewBudgetLineParams{
		BudgetID:       req.BudgetID,
		ParentID:       req.ParentID,
		Code:           req.Code,
		Description:    req.Description,
		BudgetedAmount: req.BudgetedAmount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, budgetLineView(line))
}

func (h *HTTPHandler) GetBudgetLine(w http.ResponseWriter, r *http.Request) {
	line, err := h.ledger.BudgetLine(r.Context(), r.PathValue("lineID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budgetLineView(line))
}

type budgetFunc func(ctx context.Context, sec port.SecurityContext, lineID string, amount decimal.Decimal) (*domain.BudgetLine, error)

func (h *HTTPHandler) budgetOp(fn budgetFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req amountRequest
		if !h.decode(w, r, &req) {
			return
		}
		line, err := fn(r.Context(), actorFrom(r), r.PathValue("lineID"), req.Amount)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, budgetLineView(line))
	}
}

// --- inventory ---

func (h *HTTPHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.Position(r.Context(), r.PathValue("projectID"), r.PathValue("resourceID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, positionView(p))
}

func (h *HTTPHandler) Receive(w http.ResponseWriter, r *http.Request) {
	var req receiveRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.ledger.ReceiveMaterial(r.Context(), actorFrom(r), r.PathValue("projectID"), r.PathValue("resourceID"),
		req.Quantity, req.UnitPrice, req.DocumentRef)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inventoryMovementView(m))
}

func (h *HTTPHandler) Issue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, cost, err := h.ledger.IssueMaterial(r.Context(), actorFrom(r), r.PathValue("projectID"), r.PathValue("resourceID"),
		req.Quantity, req.BudgetLineID, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	v := inventoryMovementView(m)
	v.ActualCost = amount(cost)
	writeJSON(w, http.StatusCreated, v)
}

func (h *HTTPHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	t, err := h.ledger.TransferMaterial(r.Context(), actorFrom(r), r.PathValue("projectID"), r.PathValue("resourceID"),
		req.Quantity, req.DestinationProjectID, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, transferView(t))
}

func (h *HTTPHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	m, err := h.ledger.AdjustInventory(r.Context(), actorFrom(r), r.PathValue("projectID"), r.PathValue("resourceID"),
		req.Quantity, req.Justification, req.Reference)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inventoryMovementView(m))
}

// --- plumbing ---

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Success: false,
			Error:   string(domain.KindValidation),
			Message: "invalid request body",
		})
		return false
	}
	return true
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	kind := string(domain.KindOf(err))
	message := err.Error()
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		if kind == "" {
			kind = "internal"
			message = "internal error"
		}
	}
	writeJSON(w, status, ErrorResponse{Success: false, Error: kind, Message: message})
}

func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindAggregateNotFound:
		return http.StatusNotFound
	case domain.KindOptimisticConflict, domain.KindAlreadyApplied:
		return http.StatusConflict
	case domain.KindInsufficientFunds, domain.KindEvidenceThresholdExceeded,
		domain.KindInsufficientQuantity, domain.KindBudgetExceeded:
		return http.StatusUnprocessableEntity
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
