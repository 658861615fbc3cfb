package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/models"
	"github.com/visapay/visapay/internal/service"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req models.SignupRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.svc.Accounts.Signup(r.Context(), service.SignupInput{
		Email:          req.Email,
		Password:       req.Password,
		Name:           req.Name,
		Username:       req.Username,
		OpeningBalance: req.OpeningBalance,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/user/balance")
	respondOK(w, http.StatusCreated, "Account created", u.Profile())
}

func (h *Handler) Balance(w http.ResponseWriter, r *http.Request) {
	sum, err := h.svc.Accounts.BalanceSummary(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", sum)
}

// Transactions

func (h *Handler) SendMoney(w http.ResponseWriter, r *http.Request) {
	var req models.SendMoneyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ToUserIdentifier == "" {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "Recipient is required"))
		return
	}
	txn, err := h.svc.Transactions.SendMoney(r.Context(), service.SendMoneyInput{
		FromUserID:       userID(r),
		ToUserIdentifier: req.ToUserIdentifier,
		Amount:           req.Amount,
		Description:      req.Description,
		Currency:         req.Currency,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/transactions/%s", txn.ID))
	respondOK(w, http.StatusCreated, "Money sent successfully", txn)
}

func (h *Handler) RetryTransaction(w http.ResponseWriter, r *http.Request) {
	var req models.RetryRequest
	if !decode(w, r, &req) {
		return
	}
	if req.TransactionID == "" {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "Transaction id is required"))
		return
	}
	txn, err := h.svc.Transactions.RetryTransaction(r.Context(), req.TransactionID, userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Transaction retried successfully", txn)
}

func (h *Handler) TransactionHistory(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	txns, err := h.svc.Transactions.GetTransactionHistory(r.Context(), userID(r), limit)
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", txns)
}

func (h *Handler) TransactionDetails(w http.ResponseWriter, r *http.Request) {
	txn, err := h.svc.Transactions.GetTransactionDetails(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", txn)
}

func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	txn, err := h.svc.Transactions.CancelTransaction(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Transaction cancelled", txn)
}

// Money requests

func (h *Handler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req models.CreateMoneyRequest
	if !decode(w, r, &req) {
		return
	}
	if req.ToUserIdentifier == "" {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "Recipient is required"))
		return
	}
	mr, err := h.svc.Requests.CreateRequest(r.Context(), service.CreateRequestInput{
		FromUserID:       userID(r),
		ToUserIdentifier: req.ToUserIdentifier,
		Amount:           req.Amount,
		Description:      req.Description,
		Message:          req.Message,
		Currency:         req.Currency,
		ExpiresInHours:   req.ExpiresInHours,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, "Money request sent", mr)
}

func (h *Handler) UserRequests(w http.ResponseWriter, r *http.Request) {
	reqs, err := h.svc.Requests.GetUserRequests(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", reqs)
}

func (h *Handler) RequestDetails(w http.ResponseWriter, r *http.Request) {
	mr, err := h.svc.Requests.GetRequestDetails(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", mr)
}

func (h *Handler) RespondToRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RespondRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "Request id is required"))
		return
	}
	mr, txn, err := h.svc.Requests.RespondToRequest(r.Context(), req.RequestID, userID(r), service.Action(req.Action))
	if err != nil {
		fail(w, r, err)
		return
	}
	msg := "Request rejected"
	if mr.Status == domain.RequestAccepted {
		msg = "Request accepted and payment sent"
	}
	respondOK(w, http.StatusOK, msg, service.Confirmation{Request: mr, Transaction: txn})
}

func (h *Handler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	mr, err := h.svc.Requests.CancelRequest(r.Context(), mux.Vars(r)["id"], userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Request cancelled", mr)
}

// PIN

func (h *Handler) HasPin(w http.ResponseWriter, r *http.Request) {
	st, err := h.svc.Pins.HasPin(r.Context(), userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", st)
}

func (h *Handler) SetPin(w http.ResponseWriter, r *http.Request) {
	var req models.SetPinRequest
	if !decode(w, r, &req) {
		return
	}
	msg, err := h.svc.Pins.SetPin(r.Context(), userID(r), req.Pin, req.CurrentPin)
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, msg, nil)
}

func (h *Handler) VerifyPin(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyPinRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.svc.Pins.VerifyPin(r.Context(), userID(r), req.Pin); err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "PIN verified", nil)
}

// Payment sessions

type sessionView struct {
	*domain.PaymentSession
	PaymentType domain.PaymentType `json:"payment_type"`
	RequestID   string             `json:"request_id,omitempty"`
}

func viewSession(s *domain.PaymentSession) sessionView {
	return sessionView{
		PaymentSession: s,
		PaymentType:    s.Intent.PaymentType(),
		RequestID:      domain.RequestIDOf(s.Intent),
	}
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req models.CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	intent, err := domain.IntentFrom(domain.PaymentType(req.PaymentType), req.RequestID)
	if err != nil {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "payment_type must be SEND_MONEY or REQUEST_MONEY"))
		return
	}
	sess, err := h.svc.Sessions.CreatePaymentSession(r.Context(), service.CreateSessionInput{
		UserID:           userID(r),
		Intent:           intent,
		Amount:           req.Amount,
		ToUserIdentifier: req.ToUserIdentifier,
		Description:      req.Description,
	})
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusCreated, "Payment session created", viewSession(sess))
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("sessionToken")
	if token == "" {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "sessionToken is required"))
		return
	}
	sess, err := h.svc.Sessions.GetPaymentSession(r.Context(), token, userID(r))
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "", viewSession(sess))
}

func (h *Handler) CancelSession(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("sessionToken")
	if token == "" {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "sessionToken is required"))
		return
	}
	if err := h.svc.Sessions.CancelPaymentSession(r.Context(), token, userID(r)); err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Payment session cancelled", nil)
}

func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	var req models.ConfirmPaymentRequest
	if !decode(w, r, &req) {
		return
	}
	if req.SessionToken == "" || req.Pin == "" {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "session_token and pin are required"))
		return
	}
	res, err := h.svc.Checkout.Confirm(r.Context(), userID(r), req.SessionToken, req.Pin)
	if err != nil {
		fail(w, r, err)
		return
	}
	respondOK(w, http.StatusOK, "Payment confirmed", res)
}
