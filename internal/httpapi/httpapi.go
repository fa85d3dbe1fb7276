package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	limiter "github.com/ulule/limiter/v3"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"

	"settlepos/backend/internal/cart"
	"settlepos/backend/internal/currency"
	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/obs"
	"settlepos/backend/internal/payment"
	"settlepos/backend/internal/pricing"
	"settlepos/backend/internal/returns"
	"settlepos/backend/internal/service"
	"settlepos/backend/internal/store"
)

type Options struct {
	Logger   *zerolog.Logger
	Metrics  *obs.Metrics
	Gatherer prometheus.Gatherer
}

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	validate      *validator.Validate
	logger        zerolog.Logger
	metrics       *obs.Metrics
	gatherer      prometheus.Gatherer
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, opts Options) *API {
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		validate:      newValidator(),
		logger:        logger.With().Str("component", "http").Logger(),
		metrics:       opts.Metrics,
		gatherer:      opts.Gatherer,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(8, time.Minute),
	}
}

// newValidator reports field errors by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// attemptLimiter caps attempts per key within a fixed window.
type attemptLimiter struct {
	limiter *limiter.Limiter
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	rate := limiter.Rate{Period: window, Limit: int64(max)}
	return &attemptLimiter{limiter: limiter.New(memorystore.NewStore(), rate)}
}

// Allow records an attempt for key and reports whether it is still within the
// limit. A failing store lets the attempt through.
func (l *attemptLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return true
	}
	res, err := l.limiter.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("rate limiter unavailable")
		return true
	}
	return !res.Reached
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

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/login", a.handleLogin)
	if a.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	terminal := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, a.requireAuth(h, "cashier", "admin"))
	}

	terminal("DELETE /api/v1/terminals/{terminal}", a.handleCancel)

	terminal("POST /api/v1/terminals/{terminal}/sale", a.handleOpenSale)
	terminal("GET /api/v1/terminals/{terminal}/sale", a.handleSaleSummary)
	terminal("POST /api/v1/terminals/{terminal}/sale/customer", a.handleSelectCustomer)
	terminal("POST /api/v1/terminals/{terminal}/sale/items", a.handleAddSaleItem)
	terminal("PATCH /api/v1/terminals/{terminal}/sale/items/{line}", a.handleUpdateSaleLine)
	terminal("DELETE /api/v1/terminals/{terminal}/sale/items/{line}", a.handleRemoveSaleLine)
	terminal("POST /api/v1/terminals/{terminal}/sale/quote", a.handleLoadQuote)
	terminal("POST /api/v1/terminals/{terminal}/sale/tax", a.handleSetTaxRate)
	terminal("POST /api/v1/terminals/{terminal}/sale/payments/{currency}/toggle", a.handleTogglePayment)
	terminal("PUT /api/v1/terminals/{terminal}/sale/payments/{currency}", a.handleSetPaymentAmount)
	terminal("POST /api/v1/terminals/{terminal}/sale/payment-type", a.handleSetPaymentType)
	terminal("POST /api/v1/terminals/{terminal}/sale/submit", a.handleSubmitSale)

	terminal("POST /api/v1/terminals/{terminal}/return", a.handleOpenReturn)
	terminal("GET /api/v1/terminals/{terminal}/return", a.handleReturnSummary)
	terminal("POST /api/v1/terminals/{terminal}/return/lines", a.handleAddReturnLine)
	terminal("PATCH /api/v1/terminals/{terminal}/return/lines/{line}", a.handleUpdateReturnLine)
	terminal("DELETE /api/v1/terminals/{terminal}/return/lines/{line}", a.handleRemoveReturnLine)
	terminal("POST /api/v1/terminals/{terminal}/return/exchange", a.handleAddExchangeItem)
	terminal("PATCH /api/v1/terminals/{terminal}/return/exchange/{line}", a.handleUpdateExchangeLine)
	terminal("DELETE /api/v1/terminals/{terminal}/return/exchange/{line}", a.handleRemoveExchangeLine)
	terminal("POST /api/v1/terminals/{terminal}/return/submit", a.handleSubmitReturn)

	logged := obs.RequestLogger{Logger: a.logger, Metrics: a.metrics}.Middleware(mux)
	return a.withMiddleware(logged)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
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
	if !a.loginLimiter.Allow(r.Context(), clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if !a.bind(w, r, &req) {
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// bind decodes and validates a JSON body, writing a 400 on failure.
func (a *API) bind(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := decodeJSON(r, dest); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	if err := a.validate.Struct(dest); err != nil {
		writeError(w, http.StatusBadRequest, validationError(err))
		return false
	}
	return true
}

func validationError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	parts := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fe.Field()+" is required")
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			parts = append(parts, fmt.Sprintf("%s is invalid (%s)", fe.Field(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(parts, "; "))
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

// statusFor maps service errors onto HTTP statuses.
func statusFor(err error) int {
	var collab *service.CollaboratorError
	switch {
	case errors.As(err, &collab):
		return http.StatusBadGateway
	case errors.Is(err, errTooManyPINAttempts):
		return http.StatusTooManyRequests
	case errors.Is(err, errInvalidManagerPIN):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, service.ErrNoSession),
		errors.Is(err, cart.ErrLineNotFound),
		errors.Is(err, returns.ErrLineNotFound),
		errors.Is(err, returns.ErrReturnLineNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrModeConflict),
		errors.Is(err, service.ErrQuoteConverted),
		errors.Is(err, store.ErrInvalidTransaction):
		return http.StatusConflict
	case errors.Is(err, service.ErrMissingTerminal),
		errors.Is(err, service.ErrMissingWarehouse),
		errors.Is(err, service.ErrMissingInvoice),
		errors.Is(err, service.ErrMissingQuote),
		errors.Is(err, payment.ErrInvalidPaymentType),
		errors.Is(err, pricing.ErrInvalidUnit),
		errors.Is(err, returns.ErrInvalidClassification),
		errors.Is(err, currency.ErrUnknownCurrency):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var collab *service.CollaboratorError
	if errors.As(err, &collab) {
		a.logger.Error().Err(err).Str("op", collab.Op).Str("terminal_id", r.PathValue("terminal")).Msg("collaborator call failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": collab.Op + " failed, please retry",
		})
		return
	}
	writeError(w, statusFor(err), err)
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the cashier.
	msg := err.Error()
	if status >= 500 {
		log.Error().Err(err).Int("status", status).Msg("internal error")
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
