package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"agrivetpos/backend/internal/domain"
	"agrivetpos/backend/internal/service"
	"agrivetpos/backend/internal/store"
)

// checkoutRetryMessage is shown for failures the cashier can only retry.
const checkoutRetryMessage = "payment could not be completed, please retry"

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	log           logrus.FieldLogger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log logrus.FieldLogger) *API {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		log:           log.WithField("module", "httpapi"),
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	staff := []string{domain.RoleCashier, domain.RoleManager, domain.RoleAdmin}
	supervisors := []string{domain.RoleManager, domain.RoleAdmin}

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)

	mux.HandleFunc("POST /api/v1/sessions/open", a.requireAuth(a.handleSessionOpen, staff...))
	mux.HandleFunc("GET /api/v1/sessions/{id}", a.requireAuth(a.handleSessionGet, staff...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/close", a.requireAuth(a.handleSessionClose, staff...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/suspend", a.requireAuth(a.handleSessionSuspend, staff...))
	mux.HandleFunc("POST /api/v1/sessions/{id}/resume", a.requireAuth(a.handleSessionResume, staff...))

	mux.HandleFunc("POST /api/v1/checkout", a.requireAuth(a.handleCheckout, staff...))
	mux.HandleFunc("GET /api/v1/checkout/idempotency/{key}", a.requireAuth(a.handleCheckoutLookup, staff...))

	mux.HandleFunc("GET /api/v1/transactions/{id}", a.requireAuth(a.handleTransactionGet, supervisors...))
	mux.HandleFunc("POST /api/v1/transactions/{id}/void", a.requireAuth(a.handleTransactionVoid, supervisors...))

	mux.HandleFunc("GET /api/v1/inventory", a.requireAuth(a.handleInventoryLevels, staff...))
	mux.HandleFunc("POST /api/v1/inventory/reservations", a.requireAuth(a.handleReserve, staff...))
	mux.HandleFunc("POST /api/v1/inventory/reservations/{id}/release", a.requireAuth(a.handleReservationRelease, staff...))
	mux.HandleFunc("POST /api/v1/inventory/restock", a.requireAuth(a.handleRestock, supervisors...))

	mux.HandleFunc("POST /api/v1/promotions/{id}/eligibility", a.requireAuth(a.handleEligibility(domain.UsageKindPromotion), staff...))
	mux.HandleFunc("POST /api/v1/rewards/{id}/eligibility", a.requireAuth(a.handleEligibility(domain.UsageKindReward), staff...))

	mux.HandleFunc("POST /api/v1/jobs/promotions/sweep", a.requireAuth(a.handleJob(a.service.Jobs.UpdatePromotionStatuses), domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/jobs/rewards/expire", a.requireAuth(a.handleJob(a.service.Jobs.ExpireStaleRewards), domain.RoleAdmin))
	mux.HandleFunc("POST /api/v1/jobs/reservations/expire", a.requireAuth(a.handleJob(a.service.Jobs.ReleaseExpiredReservations), domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			a.writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			a.writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			a.writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		a.writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		a.writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSessionOpen(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionOpenRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	req.CashierID = cashierOrActor(r, req.CashierID)

	session, err := a.service.Sessions.GetOrCreateOpenSession(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.Sessions.GetSession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	var req domain.SessionCloseRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	summary, err := a.service.Sessions.CloseSession(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleSessionSuspend(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.Sessions.SuspendSession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	session, err := a.service.Sessions.ResumeSession(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": session})
}

func (a *API) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckoutRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}
	if key := strings.TrimSpace(r.Header.Get("Idempotency-Key")); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	req.CashierID = cashierOrActor(r, req.CashierID)

	receipt, err := a.service.ProcessCheckout(r.Context(), req)
	if err != nil {
		a.writeCheckoutError(w, err)
		return
	}

	status := http.StatusCreated
	if receipt.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, receipt)
}

func (a *API) handleCheckoutLookup(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		a.writeError(w, http.StatusBadRequest, errors.New("idempotency key required"))
		return
	}

	resp, err := a.service.LookupByIdempotency(r.Context(), key)
	if err != nil {
		a.writeCheckoutError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleTransactionGet(w http.ResponseWriter, r *http.Request) {
	tx, err := a.service.GetTransaction(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleTransactionVoid(w http.ResponseWriter, r *http.Request) {
	var req domain.VoidRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	tx, err := a.service.VoidTransaction(r.Context(), r.PathValue("id"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": tx})
}

func (a *API) handleInventoryLevels(w http.ResponseWriter, r *http.Request) {
	branchID := strings.TrimSpace(r.URL.Query().Get("branch_id"))
	if branchID == "" {
		branchID = a.service.DefaultBranchID()
	}
	var productIDs []string
	for _, id := range strings.Split(r.URL.Query().Get("product_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			productIDs = append(productIDs, id)
		}
	}
	if len(productIDs) == 0 {
		a.writeError(w, http.StatusBadRequest, errors.New("product_ids query parameter required"))
		return
	}

	levels, err := a.service.Inventory.Levels(r.Context(), branchID, productIDs)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"branch_id": branchID, "inventory": levels})
}

func (a *API) handleReserve(w http.ResponseWriter, r *http.Request) {
	var req domain.ReserveRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	reservation, err := a.service.Inventory.Reserve(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"reservation": reservation})
}

func (a *API) handleReservationRelease(w http.ResponseWriter, r *http.Request) {
	reservation, err := a.service.Inventory.ReleaseReservation(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reservation": reservation})
}

func (a *API) handleRestock(w http.ResponseWriter, r *http.Request) {
	var req domain.RestockRequest
	if err := decodeJSON(r, &req); err != nil {
		a.writeError(w, http.StatusBadRequest, err)
		return
	}

	record, err := a.service.Inventory.Restock(r.Context(), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": record})
}

func (a *API) handleEligibility(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.EligibilityRequest
		if err := decodeJSON(r, &req); err != nil {
			a.writeError(w, http.StatusBadRequest, err)
			return
		}

		target := domain.UsageTarget{Kind: kind, ID: r.PathValue("id")}
		eligibility, err := a.service.CheckEligibility(r.Context(), target, req)
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, eligibility)
	}
}

func (a *API) handleJob(run func(ctx context.Context) (domain.JobResult, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := run(r.Context())
		if err != nil {
			a.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(startedAt).String(),
		}).Info("request handled")
	})
}

// writeCheckoutError keeps the failed transaction id visible so the cashier
// can retry with the same idempotency key or look the attempt up.
func (a *API) writeCheckoutError(w http.ResponseWriter, err error) {
	var checkoutErr *service.CheckoutError
	if !errors.As(err, &checkoutErr) {
		status, msg := classify(err)
		if status >= http.StatusInternalServerError {
			a.log.WithError(err).Error("checkout infrastructure failure")
			status, msg = http.StatusBadGateway, checkoutRetryMessage
		}
		writeJSON(w, status, map[string]any{"error": msg})
		return
	}

	status, msg := classify(checkoutErr.Err)
	if status >= http.StatusInternalServerError || errors.Is(err, service.ErrCompensationIncomplete) {
		a.log.WithError(err).WithFields(logrus.Fields{
			"transaction_id": checkoutErr.TransactionID,
			"stage":          checkoutErr.Stage,
		}).Error("checkout failed")
		status, msg = http.StatusBadGateway, checkoutRetryMessage
	}
	writeJSON(w, status, map[string]any{
		"error":          msg,
		"transaction_id": checkoutErr.TransactionID,
		"stage":          checkoutErr.Stage,
	})
}

func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	status, _ := classify(err)
	a.writeError(w, status, err)
}

// classify maps service and store errors onto HTTP statuses.
func classify(err error) (int, string) {
	var validation *service.ValidationError
	switch {
	case errors.As(err, &validation), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, store.ErrInsufficientStock),
		errors.Is(err, store.ErrUsageLimitExceeded),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrSessionAlreadyClosed),
		errors.Is(err, store.ErrTransactionFinalized):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func cashierOrActor(r *http.Request, cashierID string) string {
	if strings.TrimSpace(cashierID) != "" {
		return cashierID
	}
	if actor, ok := service.ActorFromContext(r.Context()); ok {
		return actor.Username
	}
	return cashierID
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func (a *API) writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses get a generic message so storage details never reach clients.
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		a.log.WithError(err).WithField("status", status).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
