package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	custommiddleware "github.com/mmeshcher/factoring-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware платформы факторинга.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))

	r.Route("/api", func(r chi.Router) {
		// Публичные read-only запросы не требуют токена личности.
		r.Get("/business/{identity}", h.GetBusiness)
		r.Get("/business/{identity}/invoices", h.GetBusinessInvoices)
		r.Get("/investor/{identity}", h.GetInvestor)
		r.Get("/invoices/{id}", h.GetInvoice)
		r.Get("/fee-rate", h.GetFeeRate)
		r.Get("/estimate", h.Estimate)
		r.Get("/accounts/{identity}/balance", h.GetBalance)
		r.Get("/clock", h.GetClock)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/business/register", h.RegisterBusiness)
			r.Post("/business/{identity}/rate", h.RateBusiness)
			r.Post("/investor/register", h.RegisterInvestor)

			r.Post("/invoices", h.CreateInvoice)
			r.Post("/invoices/{id}/factor", h.FactorInvoice)
			r.Post("/invoices/{id}/pay", h.PayInvoice)

			r.Post("/admin/business/{identity}/verify", h.VerifyBusiness)
			r.Post("/admin/fee-rate", h.SetFeeRate)
			r.Post("/admin/accounts/credit", h.CreditAccount)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
