package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/ledgerline/ledgerline/internal/party"
	"github.com/ledgerline/ledgerline/internal/shared"
)

var validate = validator.New()

// DocumentLocker serializes transition attempts across process instances.
// The database row lock remains the authoritative guard; this layer only
// bounds cross-instance contention.
type DocumentLocker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// TransitionRecorder receives transition outcomes for metrics.
type TransitionRecorder interface {
	ObserveTransition(kind, event, outcome string)
}

const idempotencyModule = "billing"

// Service orchestrates the billing document lifecycle. Every transition runs
// inside one transaction with an exclusive row lock on the document, held
// across the full read-check-write sequence including promotion side
// effects, so concurrent attempts on the same document serialize and the
// loser observes the post-transition state.
type Service struct {
	logger  *slog.Logger
	repo    Repository
	parties PartyStore
	locker  DocumentLocker
	metrics TransitionRecorder
	now     func() time.Time
}

// NewService builds a Service instance.
func NewService(logger *slog.Logger, repo Repository, parties PartyStore) *Service {
	return &Service{
		logger:  logger,
		repo:    repo,
		parties: parties,
		now:     time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithLocker installs a cross-instance document lock.
func (s *Service) WithLocker(locker DocumentLocker) {
	s.locker = locker
}

// WithMetrics installs a transition outcome recorder.
func (s *Service) WithMetrics(rec TransitionRecorder) {
	s.metrics = rec
}

// CreateEntryInput describes one line item supplied at creation time.
type CreateEntryInput struct {
	Name      string          `json:"name"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// CreateDocumentInput describes a new billing document.
type CreateDocumentInput struct {
	Kind            DocumentKind      `json:"kind" validate:"required,oneof=proforma invoice"`
	CustomerID      int64             `json:"customer_id" validate:"required,gt=0"`
	ProviderID      int64             `json:"provider_id" validate:"required,gt=0"`
	Series          *string           `json:"series"`
	Currency        string            `json:"currency" validate:"omitempty,len=3,alpha"`
	SalesTaxPercent *decimal.Decimal  `json:"sales_tax_percent"`
	SalesTaxName    string            `json:"sales_tax_name"`
	IsStorno        bool              `json:"is_storno"`
	Entries         []CreateEntryInput `json:"entries"`
}

// CreateDocument validates the input, resolves the transaction currency, and
// persists a new draft document.
func (s *Service) CreateDocument(ctx context.Context, in CreateDocumentInput) (*Document, error) {
	if err := validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if in.IsStorno && !in.Kind.SupportsStorno() {
		return nil, fmt.Errorf("%w: %s documents do not support storno", ErrValidation, in.Kind)
	}
	entries := make([]Entry, 0, len(in.Entries))
	for i, e := range in.Entries {
		if strings.TrimSpace(e.Name) == "" {
			return nil, fmt.Errorf("%w: entry %d requires a name", ErrValidation, i)
		}
		if e.Quantity.IsZero() {
			return nil, fmt.Errorf("%w: entry %d requires a non-zero quantity", ErrValidation, i)
		}
		entries = append(entries, Entry{Name: e.Name, Quantity: e.Quantity, UnitPrice: e.UnitPrice})
	}

	customer, err := s.parties.GetCustomer(ctx, in.CustomerID)
	if err != nil {
		return nil, err
	}
	provider, err := s.parties.GetProvider(ctx, in.ProviderID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	doc := &Document{
		Kind:            in.Kind,
		State:           StateDraft,
		Series:          in.Series,
		CustomerID:      in.CustomerID,
		ProviderID:      in.ProviderID,
		Currency:        ResolveTransactionCurrency(strings.ToUpper(in.Currency), customer, provider),
		SalesTaxPercent: copyDecimal(in.SalesTaxPercent),
		SalesTaxName:    in.SalesTaxName,
		IsStorno:        in.IsStorno,
		Entries:         entries,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertDocument(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("document created",
		slog.Int64("id", doc.ID),
		slog.String("kind", string(doc.Kind)),
		slog.String("currency", doc.Currency))
	return doc, nil
}

// Get returns a document by id.
func (s *Service) Get(ctx context.Context, id int64) (*Document, error) {
	return s.repo.GetDocument(ctx, id)
}

// Totals recomputes the document's derived monetary values. Totals are
// never cached, so they cannot go stale relative to entry state.
func (s *Service) Totals(ctx context.Context, id int64) (Totals, error) {
	doc, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return Totals{}, err
	}
	return doc.Totals(), nil
}

// SeriesNumber returns the document's display identifier.
func (s *Service) SeriesNumber(ctx context.Context, id int64) (string, error) {
	doc, err := s.repo.GetDocument(ctx, id)
	if err != nil {
		return "", err
	}
	return doc.SeriesNumber(), nil
}

// Issue transitions a draft document to issued: the series number is
// assigned, the party snapshots are archived, and the due date is computed
// from the customer's payment terms.
func (s *Service) Issue(ctx context.Context, id int64) (*Document, error) {
	return s.transition(ctx, id, EventIssue, func(ctx context.Context, tx Tx, doc *Document) error {
		return s.issueLocked(ctx, tx, doc)
	})
}

// Pay transitions an issued document to paid. Paying a proforma promotes it:
// if no related invoice exists one is created, issued, and paid inside the
// same transaction; an existing related invoice receives the propagated pay.
func (s *Service) Pay(ctx context.Context, id int64) (*Document, error) {
	return s.transition(ctx, id, EventPay, func(ctx context.Context, tx Tx, doc *Document) error {
		return s.payLocked(ctx, tx, doc)
	})
}

// Cancel transitions an issued document to canceled and propagates the
// cancellation to a related document still in a cancelable state.
func (s *Service) Cancel(ctx context.Context, id int64) (*Document, error) {
	return s.transition(ctx, id, EventCancel, func(ctx context.Context, tx Tx, doc *Document) error {
		return s.cancelLocked(ctx, tx, doc)
	})
}

// transition wraps one lifecycle event in the concurrency guard: optional
// cross-instance lock, then a transaction holding the document's row lock
// until every side effect has been applied.
func (s *Service) transition(ctx context.Context, id int64, ev Event, fn func(context.Context, Tx, *Document) error) (*Document, error) {
	release, err := s.acquire(ctx, id)
	if err != nil {
		s.observe("", ev, err)
		return nil, err
	}
	defer release()

	var doc *Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		d, err := tx.LoadDocumentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx, d); err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err != nil {
		s.observe("", ev, err)
		return nil, err
	}
	s.observe(doc.Kind, ev, nil)
	s.logger.Info("document transitioned",
		slog.Int64("id", doc.ID),
		slog.String("event", string(ev)),
		slog.String("state", string(doc.State)))
	return doc, nil
}

func (s *Service) issueLocked(ctx context.Context, tx Tx, doc *Document) error {
	if doc.State != StateDraft {
		return transitionError(doc.State, EventIssue)
	}
	customer, err := s.parties.GetCustomer(ctx, doc.CustomerID)
	if err != nil {
		return err
	}
	provider, err := s.parties.GetProvider(ctx, doc.ProviderID)
	if err != nil {
		return err
	}
	series := providerSeries(provider, doc)
	if series == "" {
		return fmt.Errorf("%w: no numbering series configured for provider %d", ErrValidation, doc.ProviderID)
	}

	now := s.now()
	if err := applyTransition(doc, EventIssue, now); err != nil {
		return err
	}

	number, err := tx.NextSeriesNumber(ctx, doc.ProviderID, doc.Kind, series)
	if err != nil {
		return err
	}
	doc.Series = &series
	doc.Number = &number

	archivedCustomer := customer.Archive()
	archivedProvider := provider.Archive()
	doc.ArchivedCustomer = &archivedCustomer
	doc.ArchivedProvider = &archivedProvider

	due := now.AddDate(0, 0, customer.PaymentDueDays)
	doc.DueDate = &due

	return tx.UpdateDocument(ctx, doc)
}

func (s *Service) payLocked(ctx context.Context, tx Tx, doc *Document) error {
	if doc.State != StateIssued {
		return transitionError(doc.State, EventPay)
	}
	now := s.now()

	if doc.Kind == KindProforma {
		if doc.RelatedDocumentID == nil {
			invoice := invoiceFrom(doc, now)
			if err := tx.InsertDocument(ctx, invoice); err != nil {
				return err
			}
			relatedID := invoice.ID
			doc.RelatedDocumentID = &relatedID
			if err := s.propagate(ctx, tx, invoice, EventPay); err != nil {
				return err
			}
		} else {
			invoice, err := tx.LoadDocumentForUpdate(ctx, *doc.RelatedDocumentID)
			if err != nil {
				return err
			}
			if err := s.propagate(ctx, tx, invoice, EventPay); err != nil {
				return err
			}
		}
	}

	if err := applyTransition(doc, EventPay, now); err != nil {
		return err
	}
	return tx.UpdateDocument(ctx, doc)
}

func (s *Service) cancelLocked(ctx context.Context, tx Tx, doc *Document) error {
	if doc.State != StateIssued {
		return transitionError(doc.State, EventCancel)
	}
	if doc.RelatedDocumentID != nil {
		related, err := tx.LoadDocumentForUpdate(ctx, *doc.RelatedDocumentID)
		if err != nil {
			return err
		}
		if related.State == StateDraft || related.State == StateIssued {
			if err := s.propagate(ctx, tx, related, EventCancel); err != nil {
				return err
			}
		}
	}
	if err := applyTransition(doc, EventCancel, s.now()); err != nil {
		return err
	}
	return tx.UpdateDocument(ctx, doc)
}

// propagate drives a related document through an event on behalf of its
// counterpart. A draft invoice produced by promotion is issued first, so its
// number is assigned and the draft/number invariant holds even when the
// propagated event is a cancellation.
func (s *Service) propagate(ctx context.Context, tx Tx, doc *Document, ev Event) error {
	if doc.State == StateDraft {
		if err := s.issueLocked(ctx, tx, doc); err != nil {
			return err
		}
	}
	if doc.State != StateIssued {
		// Already terminal; nothing to propagate.
		return nil
	}
	if err := applyTransition(doc, ev, s.now()); err != nil {
		return err
	}
	return tx.UpdateDocument(ctx, doc)
}

// CreateInvoice promotes an issued proforma into a new draft invoice linked
// in both directions. The invoice lifecycle is driven separately.
func (s *Service) CreateInvoice(ctx context.Context, proformaID int64) (*Document, error) {
	release, err := s.acquire(ctx, proformaID)
	if err != nil {
		return nil, err
	}
	defer release()

	var invoice *Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		doc, err := tx.LoadDocumentForUpdate(ctx, proformaID)
		if err != nil {
			return err
		}
		if doc.Kind != KindProforma {
			return fmt.Errorf("%w: only proformas produce invoices", ErrValidation)
		}
		if doc.RelatedDocumentID != nil {
			return fmt.Errorf("%w: proforma %d already has an invoice", ErrValidation, doc.ID)
		}
		if doc.State != StateIssued {
			return fmt.Errorf("%w: create invoice on proforma in state %s", ErrInvalidTransition, doc.State)
		}
		now := s.now()
		invoice = invoiceFrom(doc, now)
		if err := tx.InsertDocument(ctx, invoice); err != nil {
			return err
		}
		relatedID := invoice.ID
		doc.RelatedDocumentID = &relatedID
		doc.UpdatedAt = now
		return tx.UpdateDocument(ctx, doc)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("invoice created from proforma",
		slog.Int64("proforma_id", proformaID),
		slog.Int64("invoice_id", invoice.ID))
	return invoice, nil
}

// CloneIntoDraft produces a fresh draft copy of a document of the same kind.
// Cloning is permitted from any state, including terminal ones.
func (s *Service) CloneIntoDraft(ctx context.Context, id int64) (*Document, error) {
	var clone *Document
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		doc, err := tx.LoadDocumentForUpdate(ctx, id)
		if err != nil {
			return err
		}
		clone = cloneIntoDraft(doc, s.now())
		return tx.InsertDocument(ctx, clone)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("document cloned into draft",
		slog.Int64("source_id", id),
		slog.Int64("clone_id", clone.ID))
	return clone, nil
}

// PaymentSignal is the inbound "payment succeeded" event consumed from the
// payment gateway.
type PaymentSignal struct {
	SignalID   string
	DocumentID int64
	Amount     decimal.Decimal
	ReceivedAt time.Time
}

// ApplyPaymentSignal pays the referenced document. Delivery is idempotent:
// the signal key is claimed inside the same transaction as the pay, so the
// claim and the transition commit or roll back together and a redelivery
// after a failed or crashed attempt starts clean. Duplicate keys, and
// signals arriving after the document is already paid, report success
// without repeating any side effect.
func (s *Service) ApplyPaymentSignal(ctx context.Context, sig PaymentSignal) (*Document, error) {
	release, err := s.acquire(ctx, sig.DocumentID)
	if err != nil {
		return nil, err
	}
	defer release()

	var doc *Document
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if sig.SignalID != "" {
			if err := tx.ClaimIdempotencyKey(ctx, sig.SignalID, idempotencyModule); err != nil {
				return err
			}
		}
		d, err := tx.LoadDocumentForUpdate(ctx, sig.DocumentID)
		if err != nil {
			return err
		}
		if err := s.payLocked(ctx, tx, d); err != nil {
			return err
		}
		doc = d
		return nil
	})
	if err == nil {
		s.observe(doc.Kind, EventPay, nil)
		s.logger.Info("payment signal applied",
			slog.String("signal_id", sig.SignalID),
			slog.Int64("document_id", doc.ID),
			slog.String("state", string(doc.State)))
		return doc, nil
	}
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		s.logger.Info("duplicate payment signal ignored",
			slog.String("signal_id", sig.SignalID),
			slog.Int64("document_id", sig.DocumentID))
		return s.repo.GetDocument(ctx, sig.DocumentID)
	}
	if errors.Is(err, ErrInvalidTransition) {
		current, getErr := s.repo.GetDocument(ctx, sig.DocumentID)
		if getErr == nil && current.State == StatePaid {
			// The signal was delivered more than once and another delivery
			// already won; report success without side effects.
			return current, nil
		}
	}
	s.observe("", EventPay, err)
	return nil, err
}

func (s *Service) acquire(ctx context.Context, id int64) (func(), error) {
	if s.locker == nil {
		return func() {}, nil
	}
	release, err := s.locker.Acquire(ctx, shared.DocumentLockKey(id))
	if err != nil {
		if errors.Is(err, shared.ErrLockNotObtained) {
			// The transition target was reached by another caller while we
			// waited; surface as a transition failure, not a retryable one.
			return nil, fmt.Errorf("%w: document %d is being transitioned concurrently", ErrInvalidTransition, id)
		}
		return nil, err
	}
	return release, nil
}

func (s *Service) observe(kind DocumentKind, ev Event, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidTransition):
		outcome = "rejected"
	case errors.Is(err, ErrValidation):
		outcome = "invalid"
	default:
		outcome = "error"
	}
	s.metrics.ObserveTransition(string(kind), string(ev), outcome)
}

func providerSeries(p *party.Provider, doc *Document) string {
	if doc.Series != nil && *doc.Series != "" {
		return *doc.Series
	}
	switch doc.Kind {
	case KindInvoice:
		if p.InvoiceSeries != "" {
			return p.InvoiceSeries
		}
	case KindProforma:
		if p.ProformaSeries != "" {
			return p.ProformaSeries
		}
	}
	return p.DefaultSeries
}
