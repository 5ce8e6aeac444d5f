package token

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vksha/carnival-api/internal/middleware"
	"github.com/vksha/carnival-api/internal/pkg/errorhandler"
	"github.com/vksha/carnival-api/internal/pkg/response"
	"github.com/vksha/carnival-api/internal/pkg/validator"
)

// Errors is how token failures render over HTTP.
var Errors = errorhandler.Table{
	{Err: ErrAccountNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "token account not found"},
	{Err: ErrTransactionNotFound, Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "transaction not found"},
	{Err: ErrInvalidAmount, Status: http.StatusBadRequest, Code: "INVALID_AMOUNT", Message: "amount is outside the allowed range"},
	{Err: ErrInsufficientFunds, Status: http.StatusConflict, Code: "INSUFFICIENT_FUNDS", Message: "insufficient tokens"},
	{Err: ErrTransactionNotPending, Status: http.StatusConflict, Code: "TRANSACTION_NOT_PENDING", Message: "transaction is not pending"},
	{Err: ErrGameScoreRequired, Status: http.StatusBadRequest, Code: "GAME_SCORE_REQUIRED", Message: "game score is required for gaming stalls"},
	{Err: ErrGameScoreNotAllowed, Status: http.StatusBadRequest, Code: "GAME_SCORE_NOT_ALLOWED", Message: "game score is only accepted for gaming stalls"},
	{Err: ErrNotInitiator, Status: http.StatusForbidden, Code: "FORBIDDEN", Message: "only the initiating operator can settle this payment"},
	{Err: ErrNotRefundable, Status: http.StatusConflict, Code: "NOT_REFUNDABLE", Message: "only completed payments can be refunded"},
	{Err: ErrAlreadyRefunded, Status: http.StatusConflict, Code: "ALREADY_REFUNDED", Message: "payment already refunded"},
	{Err: ErrConcurrentUpdate, Status: http.StatusConflict, Code: "CONCURRENT_UPDATE", Message: "account is busy, please retry"},
}

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

type rechargeRequest struct {
	UserID string  `json:"userId" validate:"omitempty,uuid"`
	Code   string  `json:"code"`
	Amount float64 `json:"amount" validate:"gt=0"`
}

type initiateRequest struct {
	Code          string `json:"code" validate:"required"`
	Tokens        int64  `json:"tokens" validate:"gt=0"`
	Description   string `json:"description" validate:"max=500"`
	IsGamingStall bool   `json:"isGamingStall"`
	StallID       string `json:"stallId" validate:"omitempty,uuid"`
}

type completeRequest struct {
	TransactionID string `json:"transactionId" validate:"required,uuid"`
	GameScore     *int   `json:"gameScore" validate:"omitempty,gte=0"`
}

type declineRequest struct {
	TransactionID string `json:"transactionId" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"max=500"`
}

type refundRequest struct {
	TransactionID string `json:"transactionId" validate:"required,uuid"`
	Reason        string `json:"reason" validate:"max=500"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := response.DecodeJSON(r.Body, v); err != nil {
		response.BadRequest(w, "Invalid JSON body")
		return false
	}
	if errs := validator.Validate(v); errs != nil {
		errorhandler.LogValidationError(r.Context(), errs)
		response.ValidationError(w, errs)
		return false
	}
	return true
}

func actorOf(r *http.Request) Actor {
	return Actor{UserID: middleware.GetUserID(r.Context()), Role: middleware.GetRole(r.Context())}
}

func uuidPtr(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return &id
}

// QRCode handles GET /tokens/qrcode
func (h *Handler) QRCode(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Account(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, map[string]string{"qrCode": acct.Code, "shortCode": acct.ShortCode})
}

// Balance handles GET /tokens/balance
func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.Balance(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, view)
}

// History handles GET /tokens/history?type=&limit=
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	txnType := TransactionType(r.URL.Query().Get("type"))
	if err := validator.ValidateVar(string(txnType), "transaction_type"); err != nil {
		response.BadRequest(w, "type must be recharge, payment or refund")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	txns, err := h.svc.History(r.Context(), middleware.GetUserID(r.Context()), txnType, limit)
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	response.WithMeta(w, txns, response.Meta{Total: len(txns), Limit: min(limit, MaxHistoryLimit)})
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		response.BadRequest(w, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// Recharge handles POST /tokens/recharge
func (h *Handler) Recharge(w http.ResponseWriter, r *http.Request) {
	var req rechargeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.UserID == "" && req.Code == "" {
		response.ValidationError(w, map[string]string{"userId": "userId or code is required"})
		return
	}
	initiator := middleware.GetUserID(r.Context())
	in := RechargeInput{Code: req.Code, Amount: req.Amount, InitiatorID: &initiator}
	if req.Code == "" {
		in.UserID = *uuidPtr(req.UserID)
	}

	result, err := h.svc.Recharge(r.Context(), in)
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, result)
}

// Initiate handles POST /tokens/payment/initiate
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.svc.Initiate(r.Context(), InitiateInput{
		InitiatorID:   middleware.GetUserID(r.Context()),
		Code:          req.Code,
		Tokens:        req.Tokens,
		Description:   req.Description,
		IsGamingStall: req.IsGamingStall,
		StallID:       uuidPtr(req.StallID),
	})
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.Created(w, txn)
}

// Complete handles POST /tokens/payment/complete
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.svc.Complete(r.Context(), actorOf(r), *uuidPtr(req.TransactionID), req.GameScore)
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, txn)
}

// Decline handles POST /tokens/payment/decline
func (h *Handler) Decline(w http.ResponseWriter, r *http.Request) {
	var req declineRequest
	if !decode(w, r, &req) {
		return
	}
	txn, err := h.svc.Decline(r.Context(), actorOf(r), *uuidPtr(req.TransactionID), req.Reason)
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, txn)
}

// Pending handles GET /tokens/payment/pending
func (h *Handler) Pending(w http.ResponseWriter, r *http.Request) {
	txns, err := h.svc.Pending(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, txns)
}

// Refund handles POST /tokens/refund
func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req refundRequest
	if !decode(w, r, &req) {
		return
	}
	initiator := middleware.GetUserID(r.Context())
	txn, err := h.svc.Refund(r.Context(), *uuidPtr(req.TransactionID), req.Reason, &initiator)
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, txn)
}

// Transactions handles GET /tokens/transactions for admins.
func (h *Handler) Transactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := TransactionFilter{
		Type:   TransactionType(q.Get("type")),
		Status: TransactionStatus(q.Get("status")),
	}
	for param, dst := range map[string]**uuid.UUID{
		"userId":      &filter.UserID,
		"stallId":     &filter.StallID,
		"initiatorId": &filter.InitiatorID,
	} {
		if raw := q.Get(param); raw != "" {
			id := uuidPtr(raw)
			if id == nil {
				response.BadRequest(w, param+" must be a UUID")
				return
			}
			*dst = id
		}
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	filter.Limit = limit

	txns, err := h.svc.Transactions(r.Context(), filter)
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.WithMeta(w, txns, response.Meta{Total: len(txns), Limit: filter.Limit})
}

// StallStats handles GET /tokens/stalls/{id}/stats
func (h *Handler) StallStats(w http.ResponseWriter, r *http.Request) {
	stallID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		response.BadRequest(w, "Invalid stall ID")
		return
	}
	stats, err := h.svc.StallStats(r.Context(), stallID)
	if err != nil {
		errorhandler.Write(r.Context(), w, Errors, err)
		return
	}
	response.OK(w, stats)
}

func (h *Handler) Routes(authMiddleware func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.Use(authMiddleware)

	r.Get("/qrcode", h.QRCode)
	r.Get("/balance", h.Balance)
	r.Get("/history", h.History)

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireOperator())
		r.Post("/recharge", h.Recharge)
		r.Post("/payment/initiate", h.Initiate)
		r.Post("/payment/complete", h.Complete)
		r.Post("/payment/decline", h.Decline)
		r.Get("/payment/pending", h.Pending)
		r.Get("/stalls/{id}/stats", h.StallStats)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin())
		r.Post("/refund", h.Refund)
		r.Get("/transactions", h.Transactions)
	})

	return r
}

