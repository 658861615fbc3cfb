package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visapay/visapay/internal/auth"
	"github.com/visapay/visapay/internal/domain"
	"github.com/visapay/visapay/internal/models"
	"github.com/visapay/visapay/internal/service"
)

// Metrics
var (
	httpReqTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "visapay_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "visapay_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"method", "endpoint"})
)

// Services are the flows the API exposes.
type Services struct {
	Accounts     *service.AccountService
	Transactions *service.TransactionService
	Requests     *service.RequestService
	Pins         *service.PinService
	Sessions     *service.SessionService
	Checkout     *service.Checkout
}

type Handler struct {
	svc    Services
	tokens *auth.Tokens
}

func NewHandler(svc Services, tokens *auth.Tokens) *Handler {
	return &Handler{svc: svc, tokens: tokens}
}

// Router wires every route. Everything under /api/v1 except signup requires
// a bearer token whose subject is the caller's user id.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)
	r.Handle("/metrics", promhttp.Handler())
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	apiV1.HandleFunc("/auth/signup", h.Signup).Methods("POST")

	authed := apiV1.NewRoute().Subrouter()
	authed.Use(h.requireUser)

	authed.HandleFunc("/user/balance", h.Balance).Methods("GET")

	authed.HandleFunc("/transactions/send", h.SendMoney).Methods("POST")
	authed.HandleFunc("/transactions/retry", h.RetryTransaction).Methods("POST")
	authed.HandleFunc("/transactions/history", h.TransactionHistory).Methods("GET")
	authed.HandleFunc("/transactions/request/respond", h.RespondToRequest).Methods("POST")
	authed.HandleFunc("/transactions/request", h.CreateRequest).Methods("POST")
	authed.HandleFunc("/transactions/request", h.UserRequests).Methods("GET")
	authed.HandleFunc("/transactions/request/{id}", h.RequestDetails).Methods("GET")
	authed.HandleFunc("/transactions/request/{id}", h.CancelRequest).Methods("DELETE")
	authed.HandleFunc("/transactions/{id}", h.TransactionDetails).Methods("GET")
	authed.HandleFunc("/transactions/{id}", h.CancelTransaction).Methods("DELETE")

	authed.HandleFunc("/pin", h.HasPin).Methods("GET")
	authed.HandleFunc("/pin", h.SetPin).Methods("POST")
	authed.HandleFunc("/pin/verify", h.VerifyPin).Methods("POST")

	authed.HandleFunc("/payment/session", h.CreateSession).Methods("POST")
	authed.HandleFunc("/payment/session", h.GetSession).Methods("GET")
	authed.HandleFunc("/payment/session", h.CancelSession).Methods("DELETE")
	authed.HandleFunc("/payment/confirm", h.ConfirmPayment).Methods("POST")

	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		timer := prometheus.NewTimer(httpLatency.WithLabelValues(r.Method, endpoint))
		defer timer.ObserveDuration()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpReqTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

func (h *Handler) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			respondError(w, http.StatusUnauthorized, domain.Fail(domain.CodeUnauthorized, "Authentication required"))
			return
		}
		userID, err := h.tokens.Parse(raw)
		if err != nil {
			respondError(w, http.StatusUnauthorized, domain.Fail(domain.CodeUnauthorized, "Invalid or expired token"))
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithUserID(r.Context(), userID)))
	})
}

// statusFor maps failure codes onto HTTP statuses.
func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidAmount, domain.CodeInvalidPinFormat, domain.CodeInvalidPinLength,
		domain.CodeInvalidInput, domain.CodeCurrentPinRequired:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusForbidden
	case domain.CodeRecipientNotFound, domain.CodeSenderNotFound, domain.CodeUserNotFound,
		domain.CodeNotFound, domain.CodeSessionNotFound:
		return http.StatusNotFound
	case domain.CodeUserExists, domain.CodeAlreadyResponded, domain.CodeInvalidStatus,
		domain.CodeInvalidSessionStatus:
		return http.StatusConflict
	case domain.CodeSelfTransfer, domain.CodeSelfRequest, domain.CodeInsufficientBalance,
		domain.CodeInvalidCurrentPin, domain.CodePinNotSet, domain.CodeInvalidPin,
		domain.CodeMaxRetriesExceeded:
		return http.StatusUnprocessableEntity
	case domain.CodeExpired, domain.CodeSessionExpired:
		return http.StatusGone
	}
	return http.StatusInternalServerError
}

// fail writes err as a failed Result. Infrastructure causes are logged and
// never sent to the client.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	var de *domain.Error
	if !errors.As(err, &de) || de.Cause != nil {
		log.Printf("%s %s: %v", r.Method, r.URL.Path, err)
	}
	code := domain.CodeOf(err)
	respondError(w, statusFor(code), err)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, models.Result{
		Error:     domain.MessageOf(err),
		ErrorCode: string(domain.CodeOf(err)),
	})
}

func respondOK(w http.ResponseWriter, status int, message string, data any) {
	respondJSON(w, status, models.Result{Success: true, Message: message, Data: data})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, domain.Fail(domain.CodeInvalidInput, "Malformed JSON body"))
		return false
	}
	return true
}

func userID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}
