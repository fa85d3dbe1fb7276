package httpapi

import (
	"errors"
	"net/http"

	"github.com/shopspring/decimal"

	"settlepos/backend/internal/domain"
	"settlepos/backend/internal/returns"
	"settlepos/backend/internal/service"
)

type openSaleRequest struct {
	WarehouseID string `json:"warehouse_id" validate:"required"`
}

type selectCustomerRequest struct {
	CustomerID string `json:"customer_id"`
}

type itemRequest struct {
	ProductID string          `json:"product_id" validate:"required"`
	VariantID string          `json:"variant_id"`
	Unit      domain.UnitType `json:"unit" validate:"omitempty,oneof=base second"`
}

type lineUpdateRequest struct {
	Quantity *decimal.Decimal `json:"quantity"`
	Discount *decimal.Decimal `json:"discount"`
}

type loadQuoteRequest struct {
	QuoteNumber string `json:"quote_number" validate:"required"`
}

type taxRateRequest struct {
	TaxRate decimal.Decimal `json:"tax_rate"`
}

type paymentAmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

type paymentTypeRequest struct {
	PaymentType string          `json:"payment_type" validate:"required,oneof=cash credit split"`
	CashEntered decimal.Decimal `json:"cash_entered"`
}

type openReturnRequest struct {
	WarehouseID   string `json:"warehouse_id" validate:"required"`
	InvoiceNumber string `json:"invoice_number" validate:"required"`
}

type returnLineRequest struct {
	LineID   string          `json:"line_id" validate:"required"`
	Quantity decimal.Decimal `json:"quantity"`
}

type returnLineUpdateRequest struct {
	Quantity    *decimal.Decimal      `json:"quantity"`
	Reason      *domain.ReturnReason  `json:"reason" validate:"omitempty,oneof=customer_changed_mind defective wrong_item damaged other"`
	Condition   *domain.ItemCondition `json:"condition"`
	Disposition *domain.Disposition   `json:"disposition"`
}

type submitReturnRequest struct {
	RefundMethod  string `json:"refund_method" validate:"omitempty,oneof=cash store_credit"`
	PaymentMethod string `json:"payment_method" validate:"omitempty,oneof=cash credit"`
	ManagerPIN    string `json:"manager_pin"`
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := a.service.Cancel(r.PathValue("terminal")); err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOpenSale(w http.ResponseWriter, r *http.Request) {
	var req openSaleRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.OpenSale(r.Context(), r.PathValue("terminal"), req.WarehouseID)
	a.respond(w, r, http.StatusCreated, view, err)
}

func (a *API) handleSaleSummary(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.SaleSummary(r.PathValue("terminal"))
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleSelectCustomer(w http.ResponseWriter, r *http.Request) {
	var req selectCustomerRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.SelectCustomer(r.Context(), r.PathValue("terminal"), req.CustomerID)
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleAddSaleItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.AddSaleItem(r.Context(), r.PathValue("terminal"), service.ItemRequest{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Unit:      req.Unit,
	})
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleUpdateSaleLine(w http.ResponseWriter, r *http.Request) {
	var req lineUpdateRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.UpdateSaleLine(r.PathValue("terminal"), r.PathValue("line"), service.LineUpdate{
		Quantity: req.Quantity,
		Discount: req.Discount,
	})
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleRemoveSaleLine(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveSaleLine(r.PathValue("terminal"), r.PathValue("line"))
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleLoadQuote(w http.ResponseWriter, r *http.Request) {
	var req loadQuoteRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.LoadQuote(r.Context(), r.PathValue("terminal"), req.QuoteNumber)
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleSetTaxRate(w http.ResponseWriter, r *http.Request) {
	var req taxRateRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.SetTaxRate(r.PathValue("terminal"), req.TaxRate)
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleTogglePayment(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.TogglePaymentCurrency(r.PathValue("terminal"), r.PathValue("currency"))
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleSetPaymentAmount(w http.ResponseWriter, r *http.Request) {
	var req paymentAmountRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.SetPaymentAmount(r.PathValue("terminal"), r.PathValue("currency"), req.Amount)
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleSetPaymentType(w http.ResponseWriter, r *http.Request) {
	var req paymentTypeRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.SetPaymentType(r.PathValue("terminal"), req.PaymentType, req.CashEntered)
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleSubmitSale(w http.ResponseWriter, r *http.Request) {
	receipt, err := a.service.SubmitSale(r.Context(), r.PathValue("terminal"))
	a.respond(w, r, http.StatusCreated, receipt, err)
}

func (a *API) handleOpenReturn(w http.ResponseWriter, r *http.Request) {
	var req openReturnRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.OpenReturn(r.Context(), r.PathValue("terminal"), req.WarehouseID, req.InvoiceNumber)
	a.respond(w, r, http.StatusCreated, view, err)
}

func (a *API) handleReturnSummary(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.ReturnSummary(r.PathValue("terminal"))
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleAddReturnLine(w http.ResponseWriter, r *http.Request) {
	var req returnLineRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.AddReturnLine(r.PathValue("terminal"), req.LineID, req.Quantity)
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleUpdateReturnLine(w http.ResponseWriter, r *http.Request) {
	var req returnLineUpdateRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.UpdateReturnLine(r.PathValue("terminal"), r.PathValue("line"), service.ReturnLineUpdate{
		Quantity: req.Quantity,
		Meta: returns.Meta{
			Reason:      req.Reason,
			Condition:   req.Condition,
			Disposition: req.Disposition,
		},
	})
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleRemoveReturnLine(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveReturnLine(r.PathValue("terminal"), r.PathValue("line"))
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleAddExchangeItem(w http.ResponseWriter, r *http.Request) {
	var req itemRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.AddExchangeItem(r.Context(), r.PathValue("terminal"), service.ItemRequest{
		ProductID: req.ProductID,
		VariantID: req.VariantID,
		Unit:      req.Unit,
	})
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleUpdateExchangeLine(w http.ResponseWriter, r *http.Request) {
	var req lineUpdateRequest
	if !a.bind(w, r, &req) {
		return
	}
	view, err := a.service.UpdateExchangeLine(r.PathValue("terminal"), r.PathValue("line"), service.LineUpdate{
		Quantity: req.Quantity,
		Discount: req.Discount,
	})
	a.respond(w, r, http.StatusOK, view, err)
}

func (a *API) handleRemoveExchangeLine(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RemoveExchangeLine(r.PathValue("terminal"), r.PathValue("line"))
	a.respond(w, r, http.StatusOK, view, err)
}

var (
	errTooManyPINAttempts = errors.New("too many manager pin attempts")
	errInvalidManagerPIN  = errors.New("invalid manager pin")
)

// handleSubmitReturn requires the manager PIN whenever money goes back to the
// customer. The check runs inside the submission so the basket cannot change
// between approval and booking.
func (a *API) handleSubmitReturn(w http.ResponseWriter, r *http.Request) {
	var req submitReturnRequest
	if !a.bind(w, r, &req) {
		return
	}

	approve := func(outcome string) error {
		if outcome != domain.OutcomeRefund {
			return nil
		}
		if !a.pinLimiter.Allow(r.Context(), "pin:refund:"+clientKey(r)) {
			return errTooManyPINAttempts
		}
		if !a.auth.ValidateManagerPIN(req.ManagerPIN) {
			return errInvalidManagerPIN
		}
		return nil
	}
	receipt, err := a.service.SubmitReturn(r.Context(), r.PathValue("terminal"), req.RefundMethod, req.PaymentMethod, approve)
	a.respond(w, r, http.StatusCreated, receipt, err)
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, status int, payload any, err error) {
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, status, payload)
}
