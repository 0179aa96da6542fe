// Package billing implements the billing-document lifecycle: proforma and
// invoice documents, their state machine, numbering, promotion, and totals.
package billing

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/party"
)

// DocumentKind discriminates the two concrete billing document types.
type DocumentKind string

const (
	KindProforma DocumentKind = "proforma"
	KindInvoice  DocumentKind = "invoice"
)

// Valid reports whether the kind is a known document kind.
func (k DocumentKind) Valid() bool {
	return k == KindProforma || k == KindInvoice
}

// SupportsStorno reports whether reversal documents exist for this kind.
// Only invoices can be issued as storno documents.
func (k DocumentKind) SupportsStorno() bool {
	return k == KindInvoice
}

// DocumentState enumerates billing document lifecycle states.
type DocumentState string

const (
	StateDraft    DocumentState = "DRAFT"
	StateIssued   DocumentState = "ISSUED"
	StatePaid     DocumentState = "PAID"
	StateCanceled DocumentState = "CANCELED"
)

// Event names a lifecycle transition request.
type Event string

const (
	EventIssue  Event = "issue"
	EventPay    Event = "pay"
	EventCancel Event = "cancel"
)

var (
	// ErrInvalidTransition indicates an illegal state/event pair. The caller
	// should re-fetch the document to observe its current state.
	ErrInvalidTransition = errors.New("billing: transition not allowed")
	// ErrValidation indicates malformed creation or transition input.
	ErrValidation = errors.New("billing: validation failed")
	// ErrNotFound indicates the requested document does not exist.
	ErrNotFound = errors.New("billing: document not found")
)

func transitionError(state DocumentState, ev Event) error {
	return fmt.Errorf("%w: %s on document in state %s", ErrInvalidTransition, ev, state)
}

// Entry is a single immutable line item owned by exactly one document.
type Entry struct {
	ID        int64           `json:"id"`
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// Amount returns quantity × unit price, unrounded.
func (e Entry) Amount() decimal.Decimal {
	return e.Quantity.Mul(e.UnitPrice)
}

// Document is a billing document, either a proforma or an invoice.
// Series and Number stay nil while the document is in draft; both are
// assigned exactly once at issuance and are immutable afterwards.
type Document struct {
	ID                int64
	Kind              DocumentKind
	State             DocumentState
	Series            *string
	Number            *int64
	CustomerID        int64
	ProviderID        int64
	Currency          string
	SalesTaxPercent   *decimal.Decimal
	SalesTaxName      string
	IsStorno          bool
	IssueDate         *time.Time
	DueDate           *time.Time
	PaidDate          *time.Time
	CancelDate        *time.Time
	ArchivedCustomer  *party.Snapshot
	ArchivedProvider  *party.Snapshot
	RelatedDocumentID *int64
	Entries           []Entry
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SeriesNumber renders the human-readable document identifier. Issued
// documents render as "SERIES-NUMBER"; drafts fall back to the opaque id.
func (d *Document) SeriesNumber() string {
	switch {
	case d.Series != nil && d.Number != nil:
		return fmt.Sprintf("%s-%d", *d.Series, *d.Number)
	case d.Series != nil:
		return fmt.Sprintf("%s-draft-id:%d", *d.Series, d.ID)
	default:
		return fmt.Sprintf("draft-id:%d", d.ID)
	}
}

// Overdue reports whether an issued document has passed its due date
// without being paid. Overdue is derived, never stored.
func (d *Document) Overdue(now time.Time) bool {
	return d.State == StateIssued && d.DueDate != nil && now.After(*d.DueDate)
}

// Totals computes the document's derived monetary values from its current
// entries and tax percentage.
func (d *Document) Totals() Totals {
	return ComputeTotals(d.Entries, d.SalesTaxPercent)
}

// ResolveTransactionCurrency applies the transaction-currency precedence:
// explicit document currency, then customer default, then provider default.
func ResolveTransactionCurrency(docCurrency string, customer *party.Customer, provider *party.Provider) string {
	if docCurrency != "" {
		return docCurrency
	}
	if customer != nil && customer.Currency != nil && *customer.Currency != "" {
		return *customer.Currency
	}
	if provider != nil && provider.Currency != nil && *provider.Currency != "" {
		return *provider.Currency
	}
	return ""
}

func copyEntries(entries []Entry) []Entry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Name: e.Name, Quantity: e.Quantity, UnitPrice: e.UnitPrice}
	}
	return out
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func copySnapshot(s *party.Snapshot) *party.Snapshot {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
