package billing

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/party"
	"github.com/ledgerline/ledgerline/internal/platform/httpx"
)

// PaymentEnqueuer hands payment signals to the background worker. When nil,
// the handler applies signals synchronously.
type PaymentEnqueuer interface {
	EnqueuePaymentSignal(ctx context.Context, sig PaymentSignal) error
}

// Handler exposes the billing document lifecycle over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	enqueuer PaymentEnqueuer
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, enqueuer PaymentEnqueuer) *Handler {
	return &Handler{logger: logger, service: service, enqueuer: enqueuer}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/documents", h.createDocument)
	r.Get("/documents/{id}", h.getDocument)
	r.Get("/documents/{id}/totals", h.getTotals)
	r.Get("/documents/{id}/series-number", h.getSeriesNumber)

	r.Post("/documents/{id}/issue", h.issueDocument)
	r.Post("/documents/{id}/pay", h.payDocument)
	r.Post("/documents/{id}/cancel", h.cancelDocument)
	r.Post("/documents/{id}/invoice", h.createInvoice)
	r.Post("/documents/{id}/clone", h.cloneDocument)

	r.Post("/webhooks/payments", h.paymentWebhook)
}

type documentResponse struct {
	ID              int64            `json:"id"`
	Kind            DocumentKind     `json:"kind"`
	State           DocumentState    `json:"state"`
	SeriesNumber    string           `json:"series_number"`
	Series          *string          `json:"series"`
	Number          *int64           `json:"number"`
	CustomerID      int64            `json:"customer_id"`
	ProviderID      int64            `json:"provider_id"`
	Currency        string           `json:"currency"`
	SalesTaxPercent *decimal.Decimal `json:"sales_tax_percent,omitempty"`
	SalesTaxName    string           `json:"sales_tax_name,omitempty"`
	IsStorno        bool             `json:"is_storno"`
	IssueDate       *time.Time       `json:"issue_date"`
	DueDate         *time.Time       `json:"due_date"`
	PaidDate        *time.Time       `json:"paid_date"`
	CancelDate      *time.Time       `json:"cancel_date"`
	RelatedDocument *int64           `json:"related_document_id"`
	Overdue         bool             `json:"overdue"`
	Entries         []Entry          `json:"entries"`
	Totals          Totals           `json:"totals"`
}

func newDocumentResponse(doc *Document) documentResponse {
	return documentResponse{
		ID:              doc.ID,
		Kind:            doc.Kind,
		State:           doc.State,
		SeriesNumber:    doc.SeriesNumber(),
		Series:          doc.Series,
		Number:          doc.Number,
		CustomerID:      doc.CustomerID,
		ProviderID:      doc.ProviderID,
		Currency:        doc.Currency,
		SalesTaxPercent: doc.SalesTaxPercent,
		SalesTaxName:    doc.SalesTaxName,
		IsStorno:        doc.IsStorno,
		IssueDate:       doc.IssueDate,
		DueDate:         doc.DueDate,
		PaidDate:        doc.PaidDate,
		CancelDate:      doc.CancelDate,
		RelatedDocument: doc.RelatedDocumentID,
		Overdue:         doc.Overdue(time.Now()),
		Entries:         doc.Entries,
		Totals:          doc.Totals(),
	}
}

func (h *Handler) createDocument(w http.ResponseWriter, r *http.Request) {
	var in CreateDocumentInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	doc, err := h.service.CreateDocument(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newDocumentResponse(doc))
}

func (h *Handler) getDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDocumentResponse(doc))
}

func (h *Handler) getTotals(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	totals, err := h.service.Totals(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, totals)
}

func (h *Handler) getSeriesNumber(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	seriesNumber, err := h.service.SeriesNumber(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"series_number": seriesNumber})
}

func (h *Handler) issueDocument(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.service.Issue)
}

func (h *Handler) payDocument(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.service.Pay)
}

func (h *Handler) cancelDocument(w http.ResponseWriter, r *http.Request) {
	h.applyTransition(w, r, h.service.Cancel)
}

func (h *Handler) createInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	invoice, err := h.service.CreateInvoice(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newDocumentResponse(invoice))
}

func (h *Handler) cloneDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	clone, err := h.service.CloneIntoDraft(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, newDocumentResponse(clone))
}

type paymentWebhookRequest struct {
	SignalID   string          `json:"signal_id"`
	DocumentID int64           `json:"document_id"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"timestamp"`
}

// paymentWebhook accepts the payment gateway's "payment succeeded" event.
// The signal is queued for the worker when an enqueuer is configured.
func (h *Handler) paymentWebhook(w http.ResponseWriter, r *http.Request) {
	var req paymentWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if req.DocumentID == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", "document_id is required")
		return
	}
	if req.SignalID == "" {
		req.SignalID = uuid.NewString()
	}
	sig := PaymentSignal{
		SignalID:   req.SignalID,
		DocumentID: req.DocumentID,
		Amount:     req.Amount,
		ReceivedAt: req.Timestamp,
	}

	if h.enqueuer != nil {
		if err := h.enqueuer.EnqueuePaymentSignal(r.Context(), sig); err != nil {
			h.logger.Error("enqueue payment signal", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Queue Unavailable", "")
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"signal_id": sig.SignalID})
		return
	}

	doc, err := h.service.ApplyPaymentSignal(r.Context(), sig)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDocumentResponse(doc))
}

func (h *Handler) documentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "document id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) applyTransition(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64) (*Document, error)) {
	id, ok := h.documentID(w, r)
	if !ok {
		return
	}
	doc, err := fn(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, newDocumentResponse(doc))
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, party.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrInvalidTransition):
		httpx.Problem(w, http.StatusConflict, "Transition Not Allowed", err.Error())
	default:
		h.logger.Error("billing request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
