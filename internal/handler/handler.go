// Package handler содержит HTTP-обработчики API платформы факторинга.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	"github.com/mmeshcher/factoring-system/internal/middleware"
	"github.com/mmeshcher/factoring-system/internal/model"
	"github.com/mmeshcher/factoring-system/internal/repository"
	"github.com/mmeshcher/factoring-system/internal/service"
)

const maxNameLength = 64

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterBusiness(ctx context.Context, identity, name string) error
	GetBusiness(ctx context.Context, identity string) (*model.Business, error)
	RegisterInvestor(ctx context.Context, identity, name string) error
	GetInvestor(ctx context.Context, identity string) (*model.Investor, error)
	CreateInvoice(ctx context.Context, caller, debtor string, amount, dueDate, discountRate int64) (int64, error)
	GetInvoice(ctx context.Context, id int64) (*model.Invoice, error)
	GetInvoicesByBusiness(ctx context.Context, business string) ([]model.Invoice, error)
	FactorInvoice(ctx context.Context, caller string, invoiceID int64) (model.Proceeds, error)
	PayInvoice(ctx context.Context, caller string, invoiceID int64) (int64, error)
	VerifyBusiness(ctx context.Context, caller, business string) error
	SetPlatformFeeRate(ctx context.Context, caller string, rate int64) error
	GetPlatformFeeRate(ctx context.Context) (int64, error)
	RateBusiness(ctx context.Context, business string, rating int64) (int64, error)
	EstimateProceeds(ctx context.Context, amount, discountRate int64) (model.Proceeds, error)
	CreditAccount(ctx context.Context, caller, identity string, amount int64) (*model.Account, error)
	GetBalance(ctx context.Context, identity string) (*model.Account, error)
	CurrentTick(ctx context.Context) (int64, error)
}

// Handler реализует HTTP-обработчики API платформы факторинга.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type registerRequest struct {
	Name string `json:"name"`
}

// RegisterBusiness обрабатывает регистрацию нового бизнеса.
func (h *Handler) RegisterBusiness(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || len(req.Name) > maxNameLength {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RegisterBusiness(r.Context(), identity, req.Name); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register business error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// RegisterInvestor обрабатывает регистрацию нового инвестора.
func (h *Handler) RegisterInvestor(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Name == "" || len(req.Name) > maxNameLength {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.RegisterInvestor(r.Context(), identity, req.Name); err != nil {
		if errors.Is(err, repository.ErrAlreadyExists) {
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
			return
		}
		h.logger.Error("register investor error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

type businessResponse struct {
	Identity      string `json:"identity"`
	Name          string `json:"name"`
	Verified      bool   `json:"verified"`
	TotalInvoices int64  `json:"total_invoices"`
	TotalFactored int64  `json:"total_factored"`
	RatingAvg     int64  `json:"rating_avg"`
	RatingCount   int64  `json:"rating_count"`
}

// GetBusiness возвращает профиль бизнеса.
func (h *Handler) GetBusiness(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	b, err := h.service.GetBusiness(r.Context(), identity)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get business error", zap.Error(err), zap.String("identity", identity))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, businessResponse{
		Identity:      b.Identity,
		Name:          b.Name,
		Verified:      b.Verified,
		TotalInvoices: b.TotalInvoices,
		TotalFactored: b.TotalFactored,
		RatingAvg:     b.RatingAvg,
		RatingCount:   b.RatingCount,
	})
}

type investorResponse struct {
	Identity          string `json:"identity"`
	Name              string `json:"name"`
	Verified          bool   `json:"verified"`
	TotalInvested     int64  `json:"total_invested"`
	ActiveInvestments int64  `json:"active_investments"`
}

// GetInvestor возвращает профиль инвестора.
func (h *Handler) GetInvestor(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	inv, err := h.service.GetInvestor(r.Context(), identity)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get investor error", zap.Error(err), zap.String("identity", identity))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, investorResponse{
		Identity:          inv.Identity,
		Name:              inv.Name,
		Verified:          inv.Verified,
		TotalInvested:     inv.TotalInvested,
		ActiveInvestments: inv.ActiveInvestments,
	})
}

type createInvoiceRequest struct {
	Debtor       string `json:"debtor"`
	Amount       int64  `json:"amount"`
	DueDate      int64  `json:"due_date"`
	DiscountRate int64  `json:"discount_rate"`
}

type createInvoiceResponse struct {
	ID int64 `json:"id"`
}

// CreateInvoice создаёт счёт от имени текущего бизнеса.
func (h *Handler) CreateInvoice(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Debtor == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.CreateInvoice(r.Context(), identity, req.Debtor, req.Amount, req.DueDate, req.DiscountRate)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, service.ErrInvalidAmount), errors.Is(err, service.ErrInvalidDiscountRate):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrInvoiceExpired):
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		default:
			h.logger.Error("create invoice error", zap.Error(err), zap.String("business", identity))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, createInvoiceResponse{ID: id})
}

type invoiceResponse struct {
	ID             int64   `json:"id"`
	Business       string  `json:"business"`
	Debtor         string  `json:"debtor"`
	Amount         int64   `json:"amount"`
	DueDate        int64   `json:"due_date"`
	CreatedAt      int64   `json:"created_at"`
	DiscountRate   int64   `json:"discount_rate"`
	Factored       bool    `json:"factored"`
	Investor       *string `json:"investor,omitempty"`
	FactoredAmount *int64  `json:"factored_amount,omitempty"`
	Paid           bool    `json:"paid"`
	PaidAt         *int64  `json:"paid_at,omitempty"`
}

func toInvoiceResponse(inv *model.Invoice) invoiceResponse {
	return invoiceResponse{
		ID:             inv.ID,
		Business:       inv.Business,
		Debtor:         inv.Debtor,
		Amount:         inv.Amount,
		DueDate:        inv.DueDate,
		CreatedAt:      inv.CreatedAt,
		DiscountRate:   inv.DiscountRate,
		Factored:       inv.Factored,
		Investor:       inv.Investor,
		FactoredAmount: inv.FactoredAmount,
		Paid:           inv.Paid,
		PaidAt:         inv.PaidAt,
	}
}

func invoiceIDFromRequest(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// GetInvoice возвращает счёт по идентификатору.
func (h *Handler) GetInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := invoiceIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	inv, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("get invoice error", zap.Error(err), zap.Int64("invoiceID", id))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

// GetBusinessInvoices возвращает счета, выпущенные бизнесом.
func (h *Handler) GetBusinessInvoices(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	invoices, err := h.service.GetInvoicesByBusiness(r.Context(), identity)
	if err != nil {
		h.logger.Error("get business invoices error", zap.Error(err), zap.String("identity", identity))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if len(invoices) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]invoiceResponse, 0, len(invoices))
	for i := range invoices {
		resp = append(resp, toInvoiceResponse(&invoices[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// FactorInvoice выкупает счёт от имени текущего инвестора.
func (h *Handler) FactorInvoice(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := invoiceIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	proceeds, err := h.service.FactorInvoice(r.Context(), identity, id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrInvoiceFactored):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("factor invoice error", zap.Error(err), zap.Int64("invoiceID", id), zap.String("investor", identity))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, proceeds)
}

type payInvoiceResponse struct {
	Amount int64 `json:"amount"`
}

// PayInvoice оплачивает счёт от имени текущего должника.
func (h *Handler) PayInvoice(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	id, ok := invoiceIDFromRequest(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	amount, err := h.service.PayInvoice(r.Context(), identity, id)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		case errors.Is(err, repository.ErrUnauthorized):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrInvoicePaid):
			http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
		case errors.Is(err, repository.ErrInsufficientBalance):
			http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
		default:
			h.logger.Error("pay invoice error", zap.Error(err), zap.Int64("invoiceID", id), zap.String("debtor", identity))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, payInvoiceResponse{Amount: amount})
}

// VerifyBusiness помечает бизнес проверенным. Операция администратора.
func (h *Handler) VerifyBusiness(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	business := chi.URLParam(r, "identity")

	if err := h.service.VerifyBusiness(r.Context(), identity, business); err != nil {
		switch {
		case errors.Is(err, service.ErrOwnerOnly):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("verify business error", zap.Error(err), zap.String("business", business))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

type feeRateRequest struct {
	Rate int64 `json:"rate"`
}

type feeRateResponse struct {
	Rate int64 `json:"rate"`
}

// SetFeeRate устанавливает комиссию платформы. Операция администратора.
func (h *Handler) SetFeeRate(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req feeRateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.SetPlatformFeeRate(r.Context(), identity, req.Rate); err != nil {
		switch {
		case errors.Is(err, service.ErrOwnerOnly):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("set fee rate error", zap.Error(err), zap.Int64("rate", req.Rate))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetFeeRate возвращает текущую комиссию платформы.
func (h *Handler) GetFeeRate(w http.ResponseWriter, r *http.Request) {
	rate, err := h.service.GetPlatformFeeRate(r.Context())
	if err != nil {
		h.logger.Error("get fee rate error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, feeRateResponse{Rate: rate})
}

type rateBusinessRequest struct {
	Rating int64 `json:"rating"`
}

type rateBusinessResponse struct {
	Average int64 `json:"average"`
}

// RateBusiness добавляет бизнесу оценку от текущего пользователя.
func (h *Handler) RateBusiness(w http.ResponseWriter, r *http.Request) {
	if _, ok := middleware.GetIdentityFromContext(r.Context()); !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	business := chi.URLParam(r, "identity")

	var req rateBusinessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	average, err := h.service.RateBusiness(r.Context(), business, req.Rating)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		case errors.Is(err, repository.ErrNotFound):
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		default:
			h.logger.Error("rate business error", zap.Error(err), zap.String("business", business))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, rateBusinessResponse{Average: average})
}

type estimateResponse struct {
	GrossAmount int64 `json:"gross_amount"`
	PlatformFee int64 `json:"platform_fee"`
	NetProceeds int64 `json:"net_proceeds"`
}

// Estimate рассчитывает выплаты для заданных суммы и ставки дисконта.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	amount, err := strconv.ParseInt(r.URL.Query().Get("amount"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	discountRate, err := strconv.ParseInt(r.URL.Query().Get("discount_rate"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	proceeds, err := h.service.EstimateProceeds(r.Context(), amount, discountRate)
	if err != nil {
		if errors.Is(err, service.ErrInvalidAmount) || errors.Is(err, service.ErrInvalidDiscountRate) {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		h.logger.Error("estimate error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, estimateResponse{
		GrossAmount: proceeds.FactoredAmount,
		PlatformFee: proceeds.PlatformFee,
		NetProceeds: proceeds.NetProceeds,
	})
}

type creditAccountRequest struct {
	Identity string `json:"identity"`
	Amount   int64  `json:"amount"`
}

type balanceResponse struct {
	Identity string `json:"identity"`
	Balance  int64  `json:"balance"`
}

// CreditAccount пополняет баланс участника. Операция администратора.
func (h *Handler) CreditAccount(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req creditAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Identity == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	account, err := h.service.CreditAccount(r.Context(), identity, req.Identity, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrOwnerOnly):
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		case errors.Is(err, service.ErrInvalidAmount):
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		default:
			h.logger.Error("credit account error", zap.Error(err), zap.String("identity", req.Identity))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{Identity: account.Identity, Balance: account.Balance})
}

// GetBalance возвращает баланс участника.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	identity := chi.URLParam(r, "identity")

	account, err := h.service.GetBalance(r.Context(), identity)
	if err != nil {
		h.logger.Error("get balance error", zap.Error(err), zap.String("identity", identity))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, balanceResponse{Identity: account.Identity, Balance: account.Balance})
}

type clockResponse struct {
	Tick int64 `json:"tick"`
}

// GetClock возвращает текущее значение логических часов реестра.
func (h *Handler) GetClock(w http.ResponseWriter, r *http.Request) {
	tick, err := h.service.CurrentTick(r.Context())
	if err != nil {
		h.logger.Error("get clock error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.writeJSON(w, http.StatusOK, clockResponse{Tick: tick})
}
