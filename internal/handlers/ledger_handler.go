package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
)

const defaultListLimit = 50

// Ledger is the set of operations the handler exposes.
type Ledger interface {
	CreateAccount(ctx context.Context) (*models.Account, error)
	GetAccount(ctx context.Context, id int64) (*models.Account, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	ListTransactions(ctx context.Context, accountID int64, limit int) ([]*models.Transaction, error)
	Deposit(ctx context.Context, accountID, amount int64) (*models.Transaction, error)
	Transfer(ctx context.Context, senderID, receiverID, amount int64) (*models.Transaction, *models.Transaction, error)
	Reverse(ctx context.Context, transactionID int64) ([]*models.Transaction, error)
	Reconcile(ctx context.Context, accountID int64) error
}

type LedgerHandler struct {
	ledger    Ledger
	validator *ValidationHelper
	logger    *zap.Logger
}

func NewLedgerHandler(ledger Ledger, logger *zap.Logger) *LedgerHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerHandler{
		ledger:    ledger,
		validator: NewValidationHelper(),
		logger:    logger,
	}
}

// Register mounts the ledger routes on r.
func (h *LedgerHandler) Register(r chi.Router) {
	r.Post("/accounts", h.CreateAccount)
	r.Get("/accounts/{accountId}", h.GetAccount)
	r.Get("/accounts/{accountId}/transactions", h.ListTransactions)
	r.Get("/accounts/{accountId}/reconciliation", h.Reconcile)
	r.Post("/accounts/{accountId}/deposits", h.Deposit)
	r.Post("/transfers", h.Transfer)
	r.Get("/transactions/{txId}", h.GetTransaction)
	r.Post("/transactions/{txId}/reversal", h.Reverse)
}

type accountResponse struct {
	ID           int64     `json:"id"`
	Balance      string    `json:"balance"`
	BalanceMinor int64     `json:"balance_minor"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type transactionResponse struct {
	ID                   int64     `json:"id"`
	AccountID            int64     `json:"account_id"`
	RelatedAccountID     *int64    `json:"related_account_id,omitempty"`
	RelatedTransactionID *int64    `json:"related_transaction_id,omitempty"`
	Type                 string    `json:"type"`
	Amount               string    `json:"amount"`
	AmountMinor          int64     `json:"amount_minor"`
	Status               string    `json:"status"`
	CreatedAt            time.Time `json:"created_at"`
}

func newAccountResponse(a *models.Account) accountResponse {
	return accountResponse{
		ID:           a.ID,
		Balance:      toMajorUnits(a.Balance),
		BalanceMinor: a.Balance,
		CreatedAt:    a.CreatedAt,
		UpdatedAt:    a.UpdatedAt,
	}
}

func newTransactionResponse(t *models.Transaction) transactionResponse {
	return transactionResponse{
		ID:                   t.ID,
		AccountID:            t.AccountID,
		RelatedAccountID:     t.RelatedAccountID,
		RelatedTransactionID: t.RelatedTransactionID,
		Type:                 string(t.Type),
		Amount:               toMajorUnits(t.Amount),
		AmountMinor:          t.Amount,
		Status:               string(t.Status),
		CreatedAt:            t.CreatedAt,
	}
}

func newTransactionList(txs []*models.Transaction) []transactionResponse {
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, newTransactionResponse(tx))
	}
	return out
}

func (h *LedgerHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.ledger.CreateAccount(r.Context())
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	SendJSON(w, http.StatusCreated, newAccountResponse(account))
}

func (h *LedgerHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	account, err := h.ledger.GetAccount(r.Context(), id)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	SendJSON(w, http.StatusOK, newAccountResponse(account))
}

func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			SendErrorResponse(w, "limit must be a positive integer", "invalid_limit", http.StatusBadRequest, nil)
			return
		}
		limit = n
	}

	txs, err := h.ledger.ListTransactions(r.Context(), id, limit)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	SendJSON(w, http.StatusOK, map[string]any{"transactions": newTransactionList(txs)})
}

func (h *LedgerHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	err := h.ledger.Reconcile(r.Context(), id)
	switch {
	case err == nil:
		SendJSON(w, http.StatusOK, map[string]any{"account_id": id, "balanced": true})
	case errors.Is(err, services.ErrBalanceMismatch):
		SendJSON(w, http.StatusOK, map[string]any{"account_id": id, "balanced": false, "detail": err.Error()})
	default:
		h.sendLedgerError(w, r, err)
	}
}

type depositRequest struct {
	Amount string `json:"amount" validate:"required"`
}

func (h *LedgerHandler) Deposit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "accountId")
	if !ok {
		return
	}

	var req depositRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	amount, err := toMinorUnits(req.Amount)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	deposit, err := h.ledger.Deposit(r.Context(), id, amount)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	SendJSON(w, http.StatusCreated, newTransactionResponse(deposit))
}

type transferRequest struct {
	FromAccountID int64  `json:"from_account_id" validate:"required,gt=0"`
	ToAccountID   int64  `json:"to_account_id" validate:"required,gt=0,nefield=FromAccountID"`
	Amount        string `json:"amount" validate:"required"`
}

func (h *LedgerHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decodeAndValidate(w, r, &req) {
		return
	}
	amount, err := toMinorUnits(req.Amount)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}

	sent, received, err := h.ledger.Transfer(r.Context(), req.FromAccountID, req.ToAccountID, amount)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	SendJSON(w, http.StatusCreated, map[string]any{
		"sent":     newTransactionResponse(sent),
		"received": newTransactionResponse(received),
	})
}

func (h *LedgerHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "txId")
	if !ok {
		return
	}

	tx, err := h.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	SendJSON(w, http.StatusOK, newTransactionResponse(tx))
}

func (h *LedgerHandler) Reverse(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "txId")
	if !ok {
		return
	}

	created, err := h.ledger.Reverse(r.Context(), id)
	if err != nil {
		h.sendLedgerError(w, r, err)
		return
	}
	SendJSON(w, http.StatusCreated, map[string]any{
		"reversed_transaction_id": id,
		"reversals":               newTransactionList(created),
	})
}

func (h *LedgerHandler) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst); err != nil {
		SendErrorResponse(w, err.Error(), "invalid_body", http.StatusBadRequest, nil)
		return false
	}
	if err := h.validator.ValidateStruct(dst); err != nil {
		SendErrorResponse(w, "Validation failed", "validation_failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		SendErrorResponse(w, param+" must be a positive integer", "invalid_id", http.StatusBadRequest, nil)
		return 0, false
	}
	return id, true
}

type errorKind struct {
	target error
	status int
	code   string
}

// Order matters: ErrTransactionCanceled also matches ErrAlreadyReversed.
var errorKinds = []errorKind{
	{services.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{services.ErrAccountNotFound, http.StatusNotFound, "account_not_found"},
	{services.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{services.ErrTransactionCanceled, http.StatusConflict, "transaction_canceled"},
	{services.ErrAlreadyReversed, http.StatusConflict, "already_reversed"},
	{services.ErrUnsupportedReversal, http.StatusConflict, "unsupported_reversal"},
	{services.ErrInsufficientBalance, http.StatusUnprocessableEntity, "insufficient_balance"},
	{services.ErrMissingCounterpart, http.StatusInternalServerError, "missing_counterpart"},
	{services.ErrStorageUnavailable, http.StatusServiceUnavailable, "storage_unavailable"},
}

func (h *LedgerHandler) sendLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	for _, kind := range errorKinds {
		if !errors.Is(err, kind.target) {
			continue
		}
		message := err.Error()
		if kind.status >= http.StatusInternalServerError {
			h.logger.Error("ledger operation failed",
				zap.String("path", r.URL.Path),
				zap.String("code", kind.code),
				zap.Error(err))
			message = kind.target.Error()
		}
		if kind.status == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
		}
		SendErrorResponse(w, message, kind.code, kind.status, nil)
		return
	}

	h.logger.Error("unexpected ledger error", zap.String("path", r.URL.Path), zap.Error(err))
	SendErrorResponse(w, "internal server error", "internal", http.StatusInternalServerError, nil)
}

var _ Ledger = (*services.LedgerService)(nil)
